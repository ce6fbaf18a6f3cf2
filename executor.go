package fleetq

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/UniQw/fleetq/internal/hctx"
	"github.com/UniQw/fleetq/internal/worker"
)

// ExecutorConfig defines the configuration for an Executor.
type ExecutorConfig struct {
	// DeviceID is stamped on every TaskResult.
	DeviceID string
	// Capabilities are this device's facts, used by CanExecute.
	Capabilities Capabilities
	// Mux holds the handlers. A new Mux is created when nil.
	Mux *Mux
	// DisableBuiltins skips registering echo, sleep, system_info, eval,
	// http_request and command.
	DisableBuiltins bool
	Logger          Logger
}

// ExecutorStats are running totals of an Executor.
type ExecutorStats struct {
	TasksExecuted      int64     `json:"tasks_executed"`
	TasksSucceeded     int64     `json:"tasks_succeeded"`
	TasksFailed        int64     `json:"tasks_failed"`
	TasksTimedOut      int64     `json:"tasks_timed_out"`
	TotalExecutionTime float64   `json:"total_execution_time"`
	LastTaskAt         time.Time `json:"last_task_at,omitzero"`
	Running            []string  `json:"running,omitempty"`
}

// AverageExecutionTime is the mean wall time per executed task in seconds.
func (s ExecutorStats) AverageExecutionTime() float64 {
	if s.TasksExecuted == 0 {
		return 0
	}
	return s.TotalExecutionTime / float64(s.TasksExecuted)
}

// Executor runs tasks on the device under a wall-clock timeout.
//
// Each handler runs on its own goroutine with a context that is cancelled
// when Requirements.TimeoutSeconds elapses. Cancellation is cooperative: a
// handler that ignores its context is abandoned, not killed, and keeps its
// goroutine until it returns.
type Executor struct {
	mux      *Mux
	caps     Capabilities
	deviceID string
	log      Logger

	mu      sync.Mutex
	running map[string]time.Time
	stats   ExecutorStats
	wg      sync.WaitGroup
}

// NewExecutor creates an executor and registers the built-in handlers for
// any type the Mux does not already handle.
func NewExecutor(cfg ExecutorConfig) *Executor {
	m := cfg.Mux
	if m == nil {
		m = NewMux()
	}
	e := &Executor{
		mux:      m,
		caps:     cfg.Capabilities.Clone(),
		deviceID: cfg.DeviceID,
		log:      orDefault(cfg.Logger),
		running:  make(map[string]time.Time),
	}
	if !cfg.DisableBuiltins {
		registerBuiltins(m, e.Capabilities)
	}
	return e
}

// Mux returns the handler registry.
func (e *Executor) Mux() *Mux { return e.mux }

// Capabilities returns a copy of the device capabilities.
func (e *Executor) Capabilities() Capabilities { return e.caps.Clone() }

// CanExecute reports whether a handler exists for t and this device
// satisfies its requirements.
func (e *Executor) CanExecute(t *Task) bool {
	return t != nil && e.mux.Has(t.Type) && t.Requirements.Matches(e.caps)
}

// Execute runs t and always returns a result: SUCCESS with the handler
// output, FAILED on error or panic, TIMEOUT when the budget elapses, or
// CANCELLED when ctx ends first. A second Execute of a task id that is still
// running is rejected as FAILED.
func (e *Executor) Execute(ctx context.Context, t *Task) *TaskResult {
	start := time.Now()
	res := &TaskResult{TaskID: t.ID, WorkerDeviceID: e.deviceID, StartedAt: start}

	e.mu.Lock()
	if _, busy := e.running[t.ID]; busy {
		e.mu.Unlock()
		res.Status = StatusFailed
		res.Error = fmt.Sprintf("task %s is already running", t.ID)
		res.CompletedAt = time.Now()
		e.log.Warnf("rejected re-entrant execution: id=%s", t.ID)
		return res
	}
	e.running[t.ID] = start
	e.wg.Add(1)
	e.mu.Unlock()
	defer func() {
		res.CompletedAt = time.Now()
		res.ExecutionTime = res.CompletedAt.Sub(start).Seconds()
		e.finish(t.ID, res)
		e.wg.Done()
	}()

	h, ok := e.mux.Lookup(t.Type)
	if !ok {
		res.Status = StatusFailed
		res.Error = fmt.Sprintf("%v: %s", ErrNoHandler, t.Type)
		return res
	}
	if !t.Requirements.Matches(e.caps) {
		res.Status = StatusFailed
		res.Error = "device does not satisfy task requirements"
		return res
	}

	runCtx, cancel := context.WithTimeout(ctx, t.Requirements.Timeout())
	defer cancel()
	st := hctx.New()
	hctxCtx := hctx.WithState(runCtx, st)
	payload := []byte(t.Payload)

	e.log.Debugf("executing: id=%s type=%s timeout=%s", t.ID, t.Type, t.Requirements.Timeout())
	select {
	case out := <-worker.Invoke(hctxCtx, func(c context.Context) error { return h(c, payload) }):
		res.Logs = st.Logs()
		switch {
		case out.Panicked():
			res.Status = StatusFailed
			res.Error = fmt.Sprint(out.Panic)
			res.Traceback = out.Stack
		case out.Err != nil && ctx.Err() != nil:
			res.Status = StatusCancelled
			res.Error = "execution cancelled: " + ctx.Err().Error()
		case out.Err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
			e.timedOut(res, t)
		case out.Err != nil:
			res.Status = StatusFailed
			res.Error = out.Err.Error()
			res.Traceback = errorChain(out.Err)
		default:
			res.Status = StatusSuccess
			res.ResultData = st.Result()
		}
	case <-runCtx.Done():
		res.Logs = st.Logs()
		if ctx.Err() != nil {
			res.Status = StatusCancelled
			res.Error = "execution cancelled: " + ctx.Err().Error()
		} else {
			e.timedOut(res, t)
		}
	}
	return res
}

func (e *Executor) timedOut(res *TaskResult, t *Task) {
	res.Status = StatusTimeout
	res.Error = fmt.Sprintf("task timed out after %s", t.Requirements.Timeout())
	e.log.Warnf("task timed out: id=%s type=%s timeout=%s", t.ID, t.Type, t.Requirements.Timeout())
}

func (e *Executor) finish(id string, res *TaskResult) {
	e.mu.Lock()
	delete(e.running, id)
	e.stats.TasksExecuted++
	e.stats.TotalExecutionTime += res.ExecutionTime
	e.stats.LastTaskAt = res.CompletedAt
	switch res.Status {
	case StatusSuccess:
		e.stats.TasksSucceeded++
	case StatusTimeout:
		e.stats.TasksTimedOut++
	default:
		e.stats.TasksFailed++
	}
	e.mu.Unlock()
	if res.Status == StatusSuccess {
		e.log.Debugf("task done: id=%s took=%.3fs", id, res.ExecutionTime)
	} else {
		e.log.Warnf("task %s: id=%s err=%s", res.Status, id, res.Error)
	}
}

// Stats returns a copy of the running totals.
func (e *Executor) Stats() ExecutorStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stats
	st.Running = make([]string, 0, len(e.running))
	for id := range e.running {
		st.Running = append(st.Running, id)
	}
	sort.Strings(st.Running)
	return st
}

// RunningCount returns the number of executions in flight.
func (e *Executor) RunningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// Shutdown waits up to timeout for in-flight executions and reports whether
// they all finished.
func (e *Executor) Shutdown(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		e.log.Warnf("executor shutdown: %d tasks still running after %s", e.RunningCount(), timeout)
		return false
	}
}

// errorChain renders every error in err's Unwrap chain, outermost first.
func errorChain(err error) string {
	var b strings.Builder
	for i := 0; err != nil; i++ {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%T: %v", err, err)
		err = errors.Unwrap(err)
	}
	return b.String()
}
