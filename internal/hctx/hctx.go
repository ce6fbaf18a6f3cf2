package hctx

import (
	"context"
	"slices"
	"sync"
)

// State holds per-execution, handler-provided output that the executor
// captures after the handler returns. A handler may keep writing after a
// timeout, so every access goes through the mutex.
type State struct {
	mu     sync.Mutex
	result []byte
	logs   []string
}

// New creates a fresh handler state container.
func New() *State { return &State{} }

// SetResult replaces the result bytes; last write wins.
func (s *State) SetResult(b []byte) {
	s.mu.Lock()
	s.result = slices.Clone(b)
	s.mu.Unlock()
}

// Result returns a copy of the current result bytes.
func (s *State) Result() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.result)
}

// AppendLog records one handler log line.
func (s *State) AppendLog(line string) {
	s.mu.Lock()
	s.logs = append(s.logs, line)
	s.mu.Unlock()
}

// Logs returns a copy of the recorded log lines.
func (s *State) Logs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.logs)
}

type ctxKey struct{}

// WithState returns a child context carrying the given handler state.
func WithState(parent context.Context, s *State) context.Context {
	return context.WithValue(parent, ctxKey{}, s)
}

// From extracts the handler state from context if present.
func From(ctx context.Context) (*State, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	st, ok := v.(*State)
	return st, ok
}
