package fleetq

import (
	"context"
	"sort"
	"sync"
)

// HandlerFunc is the function signature for processing a task. Handlers
// attach output with SetResult and must honour ctx cancellation to stop
// when their time budget runs out.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Middleware is a function that wraps a HandlerFunc to provide cross-cutting concerns.
type Middleware func(HandlerFunc) HandlerFunc

// Mux routes tasks to their respective handlers based on task type.
type Mux struct {
	mu          sync.RWMutex
	handlers    map[string]HandlerFunc
	middlewares []Middleware
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]HandlerFunc)}
}

// Handle registers a handler for a specific task type, replacing any previous one.
func (m *Mux) Handle(taskType string, fn HandlerFunc) {
	m.mu.Lock()
	m.handlers[taskType] = fn
	m.mu.Unlock()
}

// Use adds middleware(s) to the mux. Middlewares are executed in the order they are added.
func (m *Mux) Use(mw Middleware) {
	m.mu.Lock()
	m.middlewares = append(m.middlewares, mw)
	m.mu.Unlock()
}

// Has reports whether taskType has a handler.
func (m *Mux) Has(taskType string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.handlers[taskType]
	return ok
}

// Lookup returns the handler for taskType wrapped in the middleware chain.
func (m *Mux) Lookup(taskType string) (HandlerFunc, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[taskType]
	if !ok {
		return nil, false
	}
	for i := len(m.middlewares) - 1; i >= 0; i-- {
		h = m.middlewares[i](h)
	}
	return h, true
}

// Types returns the registered task types in sorted order.
func (m *Mux) Types() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.handlers))
	for t := range m.handlers {
		out = append(out, t)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}
