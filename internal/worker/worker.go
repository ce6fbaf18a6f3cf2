package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
)

// Outcome is what a single handler invocation produced.
type Outcome struct {
	Err error
	// Panic is the recovered value when the handler panicked; Stack is its trace.
	Panic any
	Stack string
}

// Panicked reports whether the invocation ended in a recovered panic.
func (o Outcome) Panicked() bool { return o.Panic != nil }

// Error returns the panic value or the handler error as an error.
func (o Outcome) Error() error {
	if o.Panic != nil {
		return fmt.Errorf("panic: %v", o.Panic)
	}
	return o.Err
}

// Invoke runs fn on its own goroutine and delivers exactly one Outcome on the
// returned channel. The channel is buffered so an abandoned invocation never
// blocks when it eventually finishes.
func Invoke(ctx context.Context, fn func(context.Context) error) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				out <- Outcome{Panic: r, Stack: string(debug.Stack())}
			}
		}()
		out <- Outcome{Err: fn(ctx)}
	}()
	return out
}

// Pool bounds the number of concurrently running jobs.
type Pool struct {
	slots chan struct{}
	wg    sync.WaitGroup
}

// NewPool creates a pool with n slots (at least one).
func NewPool(n int) *Pool {
	if n < 1 {
		n = 1
	}
	return &Pool{slots: make(chan struct{}, n)}
}

// TryGo starts fn if a slot is free and reports whether it did.
func (p *Pool) TryGo(fn func()) bool {
	select {
	case p.slots <- struct{}{}:
	default:
		return false
	}
	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.slots
			p.wg.Done()
		}()
		fn()
	}()
	return true
}

// Busy returns the number of occupied slots.
func (p *Pool) Busy() int { return len(p.slots) }

// Free returns the number of available slots.
func (p *Pool) Free() int { return cap(p.slots) - len(p.slots) }

// Wait blocks until every started job has returned.
func (p *Pool) Wait() { p.wg.Wait() }
