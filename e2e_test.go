package fleetq_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/UniQw/fleetq"
	"github.com/UniQw/fleetq/internal/httpapi"
	"github.com/stretchr/testify/require"
)

func startCoordinator(t *testing.T) (*fleetq.Scheduler, *fleetq.Client) {
	return startCoordinatorWith(t, nil)
}

// startCoordinatorWith serves the API through wrap when it is non-nil.
func startCoordinatorWith(t *testing.T, wrap func(*fleetq.Scheduler, http.Handler) http.Handler) (*fleetq.Scheduler, *fleetq.Client) {
	t.Helper()
	s := fleetq.NewScheduler(fleetq.SchedulerConfig{Interval: 20 * time.Millisecond, Logger: fleetq.NopLogger{}})
	s.Start()
	h := httpapi.NewRouter(s, fleetq.NopLogger{})
	if wrap != nil {
		h = wrap(s, h)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		s.Stop()
	})
	return s, fleetq.NewClient(srv.URL, srv.Client())
}

// startAgent runs an agent until the test ends; the returned func stops it early.
func startAgent(t *testing.T, cl *fleetq.Client, id string, caps fleetq.Capabilities, mux *fleetq.Mux) func() {
	t.Helper()
	exec := fleetq.NewExecutor(fleetq.ExecutorConfig{DeviceID: id, Capabilities: caps, Mux: mux, Logger: fleetq.NopLogger{}})
	agent := fleetq.NewAgent(cl, exec, fleetq.AgentConfig{
		Registration:      fleetq.Registration{DeviceID: id, Platform: caps.Platform, Capabilities: caps},
		HeartbeatInterval: 30 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		ShutdownTimeout:   time.Second,
		Logger:            fleetq.NopLogger{},
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(stop)
	return stop
}

func waitTerminal(t *testing.T, cl *fleetq.Client, id string) *fleetq.Task {
	t.Helper()
	var task *fleetq.Task
	require.Eventually(t, func() bool {
		got, err := cl.GetTask(context.Background(), id)
		if err != nil {
			return false
		}
		task = got
		return got.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return task
}

func TestEndToEnd_EchoOnCapableDevice(t *testing.T) {
	s, cl := startCoordinator(t)
	startAgent(t, cl, "A", fleetq.Capabilities{CPUCount: 8, Platform: "linux", Tags: []string{"gpu"}}, nil)
	require.Eventually(t, func() bool { _, ok := s.Registry().Get("A"); return ok }, 2*time.Second, 5*time.Millisecond)

	task, err := fleetq.NewTask(fleetq.TypeEcho, map[string]string{"msg": "x"},
		fleetq.WithRequirements(fleetq.Requirements{MinCPUCores: 4, RequiredTags: []string{"gpu"}}))
	require.NoError(t, err)
	id, err := cl.Submit(context.Background(), task)
	require.NoError(t, err)
	require.Equal(t, task.ID, id)

	done := waitTerminal(t, cl, id)
	require.Equal(t, fleetq.StatusSuccess, done.Status)
	require.Equal(t, "A", done.AssignedDeviceID)

	res, err := cl.GetResult(context.Background(), id)
	require.NoError(t, err)
	require.JSONEq(t, `{"echo":{"msg":"x"}}`, string(res.ResultData))
	require.Equal(t, "A", res.WorkerDeviceID)

	devices, err := cl.Devices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
}

func TestEndToEnd_FailureRetryAndTimeout(t *testing.T) {
	s, cl := startCoordinator(t)
	mux := fleetq.NewMux()
	mux.Handle("flaky", func(context.Context, []byte) error { return errors.New("nope") })
	mux.Handle("hang", func(ctx context.Context, _ []byte) error {
		<-ctx.Done()
		return ctx.Err()
	})
	startAgent(t, cl, "w1", fleetq.Capabilities{CPUCount: 2}, mux)
	require.Eventually(t, func() bool { _, ok := s.Registry().Get("w1"); return ok }, 2*time.Second, 5*time.Millisecond)
	ctx := context.Background()

	flaky, _ := fleetq.NewTask("flaky", nil, fleetq.MaxRetries(1))
	_, err := cl.Submit(ctx, flaky)
	require.NoError(t, err)
	got := waitTerminal(t, cl, flaky.ID)
	require.Equal(t, fleetq.StatusFailed, got.Status)
	require.Equal(t, "nope", got.Result.Error)

	ok, err := cl.Retry(ctx, flaky.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		got, err := cl.GetTask(ctx, flaky.ID)
		return err == nil && got.Status == fleetq.StatusFailed && got.RetryCount == 1
	}, 5*time.Second, 10*time.Millisecond)
	ok, err = cl.Retry(ctx, flaky.ID)
	require.NoError(t, err)
	require.False(t, ok, "retry budget spent")

	hang, _ := fleetq.NewTask("hang", nil, fleetq.Timeout(time.Second))
	_, err = cl.Submit(ctx, hang)
	require.NoError(t, err)
	require.Equal(t, fleetq.StatusTimeout, waitTerminal(t, cl, hang.ID).Status)
}

func TestEndToEnd_CancelBeforeStartSkipsHandler(t *testing.T) {
	var reached atomic.Bool
	s, cl := startCoordinatorWith(t, func(s *fleetq.Scheduler, next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/running") {
				id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, fleetq.APIPrefix+"/tasks/"), "/running")
				s.CancelTask(id)
				reached.Store(true)
			}
			next.ServeHTTP(w, r)
		})
	})
	var runs atomic.Int32
	mux := fleetq.NewMux()
	mux.Handle("side-effect", func(context.Context, []byte) error {
		runs.Add(1)
		return nil
	})
	startAgent(t, cl, "w1", fleetq.Capabilities{}, mux)

	task, _ := fleetq.NewTask("side-effect", nil)
	_, err := cl.Submit(context.Background(), task)
	require.NoError(t, err)

	require.Eventually(t, reached.Load, 5*time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return runs.Load() > 0 }, 200*time.Millisecond, 10*time.Millisecond)
	got, ok := s.GetTask(task.ID)
	require.True(t, ok)
	require.Equal(t, fleetq.StatusCancelled, got.Status)
	require.Nil(t, got.Result)
}

func TestEndToEnd_ShutdownLeavesTaskRetryable(t *testing.T) {
	s, cl := startCoordinator(t)
	started := make(chan struct{}, 1)
	mux := fleetq.NewMux()
	mux.Handle("long", func(ctx context.Context, _ []byte) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	})
	stop := startAgent(t, cl, "w1", fleetq.Capabilities{}, mux)

	task, _ := fleetq.NewTask("long", nil)
	_, err := cl.Submit(context.Background(), task)
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}
	stop()

	got, ok := s.GetTask(task.ID)
	require.True(t, ok)
	require.Equal(t, fleetq.StatusFailed, got.Status)
	require.Contains(t, got.Result.Error, "worker shutting down")
	require.True(t, s.RetryFailedTask(task.ID))
}

func TestEndToEnd_AgentReRegisters(t *testing.T) {
	s, cl := startCoordinator(t)
	startAgent(t, cl, "w1", fleetq.Capabilities{}, nil)
	require.Eventually(t, func() bool { _, ok := s.Registry().Get("w1"); return ok }, 2*time.Second, 5*time.Millisecond)

	require.True(t, s.UnregisterDevice("w1"))
	require.Eventually(t, func() bool { _, ok := s.Registry().Get("w1"); return ok }, 2*time.Second, 5*time.Millisecond,
		"the agent registers again after a heartbeat is rejected")
}

func TestClient_Errors(t *testing.T) {
	_, cl := startCoordinator(t)
	ctx := context.Background()

	_, err := cl.GetTask(ctx, "missing")
	require.ErrorIs(t, err, fleetq.ErrTaskNotFound)
	_, err = cl.GetResult(ctx, "missing")
	require.ErrorIs(t, err, fleetq.ErrTaskNotFound)
	_, err = cl.Cancel(ctx, "missing")
	require.ErrorIs(t, err, fleetq.ErrTaskNotFound)

	require.ErrorIs(t, cl.Heartbeat(ctx, "ghost", nil), fleetq.ErrDeviceNotFound)
	_, err = cl.Poll(ctx, "ghost")
	require.ErrorIs(t, err, fleetq.ErrDeviceNotFound)

	require.NoError(t, cl.Register(ctx, fleetq.Registration{DeviceID: "d1"}))
	task, err := cl.Poll(ctx, "d1")
	require.NoError(t, err)
	require.Nil(t, task, "no work yields nil")

	var apiErr *fleetq.APIError
	err = cl.Register(ctx, fleetq.Registration{})
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 400, apiErr.StatusCode)

	t1, _ := fleetq.NewTask("echo", nil, fleetq.TaskID("dup"))
	_, err = cl.Submit(ctx, t1)
	require.NoError(t, err)
	_, err = cl.Submit(ctx, t1)
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 409, apiErr.StatusCode)

	ok, err := cl.Cancel(ctx, "dup")
	require.NoError(t, err)
	require.True(t, ok)
	require.ErrorIs(t, cl.ReportRunning(ctx, "dup", "d1"), fleetq.ErrInvalidTransition)
	require.ErrorIs(t, cl.ReportRunning(ctx, "missing", "d1"), fleetq.ErrTaskNotFound)

	t2, _ := fleetq.NewTask("echo", nil, fleetq.TaskID("mine"))
	_, err = cl.Submit(ctx, t2)
	require.NoError(t, err)
	require.ErrorIs(t, cl.ReportRunning(ctx, "mine", "intruder"), fleetq.ErrDevice)

	qs, err := cl.QueueStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, qs.ByStatus[fleetq.StatusCancelled])
	cs, err := cl.ClusterStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, cs.Devices.TotalDevices)
}
