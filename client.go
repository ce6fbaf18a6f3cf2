package fleetq

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIPrefix is the path prefix of the coordinator HTTP API.
const APIPrefix = "/api/v1"

// Client talks to a coordinator over its HTTP API. It is used both by
// submitters and by the worker Agent.
type Client struct {
	base    string
	hc      *http.Client
	encoder Encoder
}

// NewClient creates a client for the coordinator at baseURL
// (e.g. "http://10.0.0.2:8080"). A nil hc uses a client with a 10s timeout.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/") + APIPrefix, hc: hc, encoder: &JSONEncoder{}}
}

// APIError is a non-2xx response from the coordinator.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fleetq api: %d %s", e.StatusCode, e.Message)
}

// Submit queues a task and returns its id.
func (c *Client) Submit(ctx context.Context, t *Task) (string, error) {
	sub := Submission{
		TaskID:         t.ID,
		TaskType:       t.Type,
		Payload:        t.Payload,
		Priority:       t.Priority.String(),
		Metadata:       t.Metadata,
		TargetDeviceID: t.TargetDeviceID,
	}
	req, err := c.encoder.Encode(t.Requirements)
	if err != nil {
		return "", err
	}
	sub.Requirements = req
	if !t.Priority.Valid() {
		sub.Priority = ""
	}
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/tasks", sub, &out); err != nil {
		return "", err
	}
	return out.TaskID, nil
}

// GetTask fetches a task; unknown ids return ErrTaskNotFound.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var t Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &t); err != nil {
		return nil, notFound(err, ErrTaskNotFound)
	}
	return &t, nil
}

// GetResult fetches the result of a finished task. ErrTaskNotFound is
// returned for unknown tasks and tasks without a result yet.
func (c *Client) GetResult(ctx context.Context, taskID string) (*TaskResult, error) {
	var r TaskResult
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID)+"/result", nil, &r); err != nil {
		return nil, notFound(err, ErrTaskNotFound)
	}
	return &r, nil
}

// Cancel asks the coordinator to cancel a task.
func (c *Client) Cancel(ctx context.Context, taskID string) (bool, error) {
	return c.okCall(ctx, "/tasks/"+url.PathEscape(taskID)+"/cancel")
}

// Retry asks the coordinator to requeue a FAILED task.
func (c *Client) Retry(ctx context.Context, taskID string) (bool, error) {
	return c.okCall(ctx, "/tasks/"+url.PathEscape(taskID)+"/retry")
}

func (c *Client) okCall(ctx context.Context, path string) (bool, error) {
	var out struct {
		OK bool `json:"ok"`
	}
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return false, notFound(err, ErrTaskNotFound)
	}
	return out.OK, nil
}

// Register announces a device to the coordinator.
func (c *Client) Register(ctx context.Context, reg Registration) error {
	return c.do(ctx, http.MethodPost, "/devices", reg, nil)
}

// Heartbeat reports liveness; unknown devices return ErrDeviceNotFound.
func (c *Client) Heartbeat(ctx context.Context, deviceID string, metrics map[string]any) error {
	body := map[string]any{"device_id": deviceID, "metrics": metrics}
	err := c.do(ctx, http.MethodPost, "/devices/"+url.PathEscape(deviceID)+"/heartbeat", body, nil)
	return notFound(err, ErrDeviceNotFound)
}

// Poll asks for the next task for deviceID. It returns nil, nil when there is no work.
func (c *Client) Poll(ctx context.Context, deviceID string) (*Task, error) {
	var t Task
	err := c.do(ctx, http.MethodPost, "/devices/"+url.PathEscape(deviceID)+"/tasks/next", nil, &t)
	if errors.Is(err, errNoContent) {
		return nil, nil
	}
	if err != nil {
		return nil, notFound(err, ErrDeviceNotFound)
	}
	return &t, nil
}

// ReportRunning marks a task as started on deviceID. A task that was
// cancelled or moved to another device yields ErrInvalidTransition or
// ErrDevice.
func (c *Client) ReportRunning(ctx context.Context, taskID, deviceID string) error {
	body := map[string]string{"device_id": deviceID}
	return reportErr(c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/running", body, nil))
}

// ReportResult delivers a terminal result.
func (c *Client) ReportResult(ctx context.Context, res *TaskResult) error {
	return reportErr(c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(res.TaskID)+"/result", res, nil))
}

// QueueStats fetches queue counters.
func (c *Client) QueueStats(ctx context.Context) (QueueStats, error) {
	var st QueueStats
	err := c.do(ctx, http.MethodGet, "/stats/queue", nil, &st)
	return st, err
}

// ClusterStats fetches cluster counters.
func (c *Client) ClusterStats(ctx context.Context) (ClusterStats, error) {
	var st ClusterStats
	err := c.do(ctx, http.MethodGet, "/stats/cluster", nil, &st)
	return st, err
}

// Devices lists registered devices.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	var out []Device
	err := c.do(ctx, http.MethodGet, "/devices", nil, &out)
	return out, err
}

var errNoContent = errors.New("no content")

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := c.encoder.Encode(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNoContent {
		return errNoContent
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if c.encoder.Decode(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return c.encoder.Decode(raw, out)
}

// notFound maps a 404 APIError to sentinel, keeping the message.
func notFound(err, sentinel error) error {
	var ae *APIError
	if errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", sentinel, ae.Message)
	}
	return err
}

// reportErr maps coordinator rejections of a device report to sentinels.
func reportErr(err error) error {
	var ae *APIError
	if !errors.As(err, &ae) {
		return err
	}
	switch {
	case ae.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrTaskNotFound, ae.Message)
	case ae.StatusCode == http.StatusConflict && strings.HasPrefix(ae.Message, ErrDevice.Error()):
		return fmt.Errorf("%w: %s", ErrDevice, ae.Message)
	case ae.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrInvalidTransition, ae.Message)
	}
	return err
}
