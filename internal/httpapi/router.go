// Package httpapi exposes a Scheduler over HTTP+JSON under /api/v1.
package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/UniQw/fleetq"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxBody = 1 << 20

// NewRouter builds the root router and mounts the v1 API under /api/v1.
func NewRouter(s *fleetq.Scheduler, l fleetq.Logger) http.Handler {
	if l == nil {
		l = fleetq.NewFmtLogger()
	}
	h := &handlers{s: s, log: l, enc: &fleetq.JSONEncoder{}}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(l))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Default 404: nudge callers toward versioned paths
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found","message":"Use a versioned path like /api/v1/...","supported":["v1"]}`))
	})

	r.Route(fleetq.APIPrefix, func(api chi.Router) {
		api.Route("/devices", func(d chi.Router) {
			d.Post("/", h.registerDevice)
			d.Get("/", h.listDevices)
			d.Get("/{deviceID}", h.getDevice)
			d.Delete("/{deviceID}", h.removeDevice)
			d.Post("/{deviceID}/heartbeat", h.heartbeat)
			d.Get("/{deviceID}/heartbeats", h.heartbeats)
			d.Post("/{deviceID}/tasks/next", h.nextTask)
		})
		api.Route("/tasks", func(t chi.Router) {
			t.Post("/", h.submitTask)
			t.Get("/", h.listTasks)
			t.Get("/{taskID}", h.getTask)
			t.Get("/{taskID}/result", h.getResult)
			t.Post("/{taskID}/cancel", h.cancelTask)
			t.Post("/{taskID}/retry", h.retryTask)
			t.Post("/{taskID}/running", h.reportRunning)
			t.Post("/{taskID}/result", h.reportResult)
		})
		api.Get("/stats/queue", h.queueStats)
		api.Get("/stats/cluster", h.clusterStats)
	})
	return r
}

// requestLogger logs one line per request through the library logger.
func requestLogger(l fleetq.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			l.Debugf("http %s %s -> %d (%s) req=%s", r.Method, r.URL.Path, ww.Status(), time.Since(start), middleware.GetReqID(r.Context()))
		})
	}
}

type handlers struct {
	s   *fleetq.Scheduler
	log fleetq.Logger
	enc fleetq.Encoder
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	raw, err := h.enc.Encode(v)
	if err != nil {
		h.log.Errorf("encode response: %v", err)
		http.Error(w, `{"error":"encode failure"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

func (h *handlers) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// readBody decodes the request body into v; an empty body leaves v untouched.
func (h *handlers) readBody(r *http.Request, v any) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || v == nil {
		return raw, nil
	}
	return raw, h.enc.Decode(raw, v)
}

// statusFor maps library errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, fleetq.ErrTaskNotFound), errors.Is(err, fleetq.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, fleetq.ErrDuplicateTask), errors.Is(err, fleetq.ErrInvalidTransition), errors.Is(err, fleetq.ErrDevice):
		return http.StatusConflict
	case errors.Is(err, fleetq.ErrInvalidTask), errors.Is(err, fleetq.ErrRegistration):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *handlers) registerDevice(w http.ResponseWriter, r *http.Request) {
	var reg fleetq.Registration
	if _, err := h.readBody(r, &reg); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.s.RegisterDevice(reg); err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"device_id": reg.DeviceID})
}

func (h *handlers) listDevices(w http.ResponseWriter, r *http.Request) {
	reg := h.s.Registry()
	q := r.URL.Query()
	var out []fleetq.Device
	switch {
	case q.Get("tag") != "":
		out = reg.ListByTag(q.Get("tag"))
	case q.Get("capability") != "":
		out = reg.ListByCapability(q.Get("capability"), q.Get("value"))
	case q.Get("status") == string(fleetq.DeviceOnline):
		out = reg.ListOnline(q.Get("role"))
	default:
		out = reg.ListAll()
	}
	if out == nil {
		out = []fleetq.Device{}
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *handlers) getDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := h.s.Registry().Get(chi.URLParam(r, "deviceID"))
	if !ok {
		h.writeError(w, http.StatusNotFound, fleetq.ErrDeviceNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, d)
}

func (h *handlers) removeDevice(w http.ResponseWriter, r *http.Request) {
	if !h.s.UnregisterDevice(chi.URLParam(r, "deviceID")) {
		h.writeError(w, http.StatusNotFound, fleetq.ErrDeviceNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) heartbeat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Metrics map[string]any `json:"metrics"`
	}
	if _, err := h.readBody(r, &body); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if !h.s.UpdateDeviceHeartbeat(chi.URLParam(r, "deviceID"), body.Metrics) {
		h.writeError(w, http.StatusNotFound, fleetq.ErrDeviceNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *handlers) heartbeats(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	h.writeJSON(w, http.StatusOK, h.s.Registry().RecentHeartbeats(chi.URLParam(r, "deviceID"), limit))
}

func (h *handlers) nextTask(w http.ResponseWriter, r *http.Request) {
	t, ok, err := h.s.PollTask(chi.URLParam(r, "deviceID"))
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

func (h *handlers) submitTask(w http.ResponseWriter, r *http.Request) {
	raw, err := h.readBody(r, nil)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	t, err := fleetq.DecodeSubmission(raw)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	id, err := h.s.SubmitTask(t)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"task_id": id})
}

func (h *handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	var statuses []fleetq.Status
	for _, v := range r.URL.Query()["status"] {
		st, err := fleetq.ParseStatus(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
		statuses = append(statuses, st)
	}
	h.writeJSON(w, http.StatusOK, h.s.Queue().Tasks(statuses...))
}

func (h *handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, ok := h.s.GetTask(chi.URLParam(r, "taskID"))
	if !ok {
		h.writeError(w, http.StatusNotFound, fleetq.ErrTaskNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

func (h *handlers) getResult(w http.ResponseWriter, r *http.Request) {
	res, ok := h.s.GetTaskResult(chi.URLParam(r, "taskID"))
	if !ok {
		h.writeError(w, http.StatusNotFound, fleetq.ErrTaskNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *handlers) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	if _, ok := h.s.GetTask(id); !ok {
		h.writeError(w, http.StatusNotFound, fleetq.ErrTaskNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": h.s.CancelTask(id)})
}

func (h *handlers) retryTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	if _, ok := h.s.GetTask(id); !ok {
		h.writeError(w, http.StatusNotFound, fleetq.ErrTaskNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": h.s.RetryFailedTask(id)})
}

func (h *handlers) reportRunning(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID string `json:"device_id"`
	}
	if _, err := h.readBody(r, &body); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.s.ReportRunning(chi.URLParam(r, "taskID"), body.DeviceID); err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *handlers) reportResult(w http.ResponseWriter, r *http.Request) {
	var res fleetq.TaskResult
	if _, err := h.readBody(r, &res); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	res.TaskID = chi.URLParam(r, "taskID")
	if err := h.s.ReportResult(&res); err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *handlers) queueStats(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.s.GetQueueStatistics())
}

func (h *handlers) clusterStats(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.s.GetClusterStatistics())
}
