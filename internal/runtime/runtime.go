package runtime

import (
	"context"
	"runtime/debug"
	"sync"
	"time"
)

// Logger is a minimal logging interface used internally by the runtime.
// It mirrors the public logger in the root package to avoid an import cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// Job is a named function run on a fixed interval.
type Job struct {
	Name     string
	Interval time.Duration
	// Immediate runs the job once as soon as the runtime starts.
	Immediate bool
	Run       func(ctx context.Context)
}

type Config struct {
	Jobs   []Job
	Logger Logger
}

// Runtime owns the background goroutines of a component. Each job gets its
// own ticker goroutine; a panicking run is logged and the job keeps ticking.
type Runtime struct {
	cfg     Config
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	log     Logger
}

// New creates a runtime for the given jobs. Jobs with a non-positive interval are ignored.
func New(cfg Config) *Runtime {
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	return &Runtime{cfg: cfg, log: lg}
}

// Start launches one goroutine per job. It is idempotent and non-blocking.
func (rt *Runtime) Start() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.started {
		rt.log.Warnf("runtime already started; ignoring Start()")
		return
	}
	rt.started = true
	rt.ctx, rt.cancel = context.WithCancel(context.Background())
	rt.log.Infof("runtime starting: jobs=%d", len(rt.cfg.Jobs))

	for _, j := range rt.cfg.Jobs {
		if j.Interval <= 0 || j.Run == nil {
			rt.log.Debugf("runtime: skipping job %q (interval=%s)", j.Name, j.Interval)
			continue
		}
		rt.wg.Add(1)
		go func(ctx context.Context, job Job) {
			defer rt.wg.Done()
			rt.loop(ctx, job)
		}(rt.ctx, j)
	}
}

// Stop cancels the internal context and waits for all goroutines to exit.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if !rt.started {
		rt.log.Warnf("runtime not started; ignoring Stop()")
		rt.mu.Unlock()
		return
	}
	rt.started = false
	cancel := rt.cancel
	rt.mu.Unlock()
	rt.log.Infof("runtime stopping")

	cancel()
	rt.wg.Wait()
}

// Running reports whether Start has been called without a matching Stop.
func (rt *Runtime) Running() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.started
}

func (rt *Runtime) loop(ctx context.Context, job Job) {
	if job.Immediate {
		rt.runOnce(ctx, job)
	}
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.runOnce(ctx, job)
		}
	}
}

func (rt *Runtime) runOnce(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			rt.log.Errorf("job %s panicked: %v\n%s", job.Name, r, debug.Stack())
		}
	}()
	job.Run(ctx)
}
