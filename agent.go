package fleetq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/UniQw/fleetq/internal/worker"
)

// AgentConfig defines the configuration for a worker Agent.
type AgentConfig struct {
	// Registration is sent on start and again whenever the coordinator has
	// forgotten the device. Its capabilities should match the Executor's.
	Registration Registration
	// HeartbeatInterval defaults to 60s; PollInterval to 1.5s.
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	// MaxConcurrentTasks bounds parallel executions. Default 2.
	MaxConcurrentTasks int
	// ShutdownTimeout bounds how long Run waits for in-flight tasks. Default 30s.
	ShutdownTimeout time.Duration
	Logger          Logger
}

// Agent is the device-side loop: it registers, heartbeats, polls the
// coordinator for tasks and runs them through an Executor.
type Agent struct {
	cl   *Client
	exec *Executor
	cfg  AgentConfig
	pool *worker.Pool
	log  Logger
}

// NewAgent wires a client and an executor into a worker loop.
func NewAgent(cl *Client, exec *Executor, cfg AgentConfig) *Agent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1500 * time.Millisecond
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 2
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Agent{
		cl:   cl,
		exec: exec,
		cfg:  cfg,
		pool: worker.NewPool(cfg.MaxConcurrentTasks),
		log:  orDefault(cfg.Logger),
	}
}

// Run blocks until ctx is done. Registration failures are retried on every
// heartbeat tick.
func (a *Agent) Run(ctx context.Context) error {
	id := a.cfg.Registration.DeviceID
	if id == "" {
		return fmt.Errorf("%w: agent has no device id", ErrRegistration)
	}
	registered := a.register(ctx) == nil

	hb := time.NewTicker(a.cfg.HeartbeatInterval)
	defer hb.Stop()
	poll := time.NewTicker(a.cfg.PollInterval)
	defer poll.Stop()

	a.log.Infof("agent started: device=%s concurrency=%d", id, a.cfg.MaxConcurrentTasks)
	for {
		select {
		case <-ctx.Done():
			a.log.Infof("agent stopping: device=%s waiting for %d tasks", id, a.pool.Busy())
			a.drain()
			return nil
		case <-hb.C:
			if !registered {
				registered = a.register(ctx) == nil
				continue
			}
			if err := a.heartbeat(ctx); errors.Is(err, ErrDeviceNotFound) {
				a.log.Warnf("coordinator forgot device %s; re-registering", id)
				registered = a.register(ctx) == nil
			} else if err != nil {
				a.log.Warnf("heartbeat failed: %v", err)
			}
		case <-poll.C:
			if registered {
				a.pollOnce(ctx)
			}
		}
	}
}

func (a *Agent) register(ctx context.Context) error {
	if err := a.cl.Register(ctx, a.cfg.Registration); err != nil {
		a.log.Warnf("register failed: device=%s err=%v", a.cfg.Registration.DeviceID, err)
		return err
	}
	a.log.Infof("registered with coordinator: device=%s", a.cfg.Registration.DeviceID)
	return nil
}

func (a *Agent) heartbeat(ctx context.Context) error {
	st := a.exec.Stats()
	return a.cl.Heartbeat(ctx, a.cfg.Registration.DeviceID, map[string]any{
		"running_tasks":   len(st.Running),
		"free_slots":      a.pool.Free(),
		"tasks_executed":  st.TasksExecuted,
		"tasks_succeeded": st.TasksSucceeded,
		"tasks_failed":    st.TasksFailed,
		"tasks_timed_out": st.TasksTimedOut,
		"avg_exec_time":   st.AverageExecutionTime(),
	})
}

// pollOnce fetches and starts tasks while execution slots are free.
func (a *Agent) pollOnce(ctx context.Context) {
	for a.pool.Free() > 0 {
		t, err := a.cl.Poll(ctx, a.cfg.Registration.DeviceID)
		if err != nil {
			if ctx.Err() == nil {
				a.log.Warnf("poll failed: %v", err)
			}
			return
		}
		if t == nil {
			return
		}
		if !a.pool.TryGo(func() { a.run(ctx, t) }) {
			// lost the slot race; the task stays ASSIGNED to us, report it failed
			a.report(ctx, &TaskResult{TaskID: t.ID, Status: StatusFailed, Error: "no free execution slot", WorkerDeviceID: a.cfg.Registration.DeviceID})
			return
		}
	}
}

func (a *Agent) run(ctx context.Context, t *Task) {
	id := a.cfg.Registration.DeviceID
	if !a.exec.CanExecute(t) {
		a.report(ctx, &TaskResult{
			TaskID:         t.ID,
			Status:         StatusFailed,
			Error:          fmt.Sprintf("device %s cannot execute task type %q with the given requirements", id, t.Type),
			WorkerDeviceID: id,
			CompletedAt:    time.Now(),
		})
		return
	}
	if err := a.cl.ReportRunning(ctx, t.ID, id); err != nil {
		// the coordinator no longer wants this attempt: cancelled, reassigned or evicted
		if errors.Is(err, ErrTaskNotFound) || errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrDevice) {
			a.log.Infof("dropping task before start: task=%s err=%v", t.ID, err)
			return
		}
		a.log.Warnf("report running failed: task=%s err=%v", t.ID, err)
	}
	res := a.exec.Execute(ctx, t)
	if res.Status == StatusCancelled && ctx.Err() != nil {
		// our own shutdown, not a coordinator cancel: report FAILED so the task can be retried
		res.Status = StatusFailed
		res.Error = "worker shutting down: " + res.Error
	}
	a.report(ctx, res)
}

// report delivers a result even when ctx is already cancelled.
func (a *Agent) report(ctx context.Context, res *TaskResult) {
	if res.WorkerDeviceID == "" {
		res.WorkerDeviceID = a.cfg.Registration.DeviceID
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.cl.ReportResult(rctx, res); err != nil {
		a.log.Errorf("report result failed: task=%s status=%s err=%v", res.TaskID, res.Status, err)
	}
}

func (a *Agent) drain() {
	done := make(chan struct{})
	go func() {
		a.pool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(a.cfg.ShutdownTimeout):
		a.log.Warnf("agent shutdown timed out with %d tasks in flight", a.pool.Busy())
	}
}
