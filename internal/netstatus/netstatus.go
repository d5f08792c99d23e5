// Package netstatus reports device connectivity to the sync engine and scheduler.
package netstatus

import (
	"context"
	"sync"
)

// Checker answers whether the device currently has network connectivity.
type Checker interface {
	Connected(ctx context.Context) bool
}

// Monitor is a Checker that also publishes connectivity changes.
// Subscribe returns a function that removes the subscription.
type Monitor interface {
	Checker
	Subscribe(fn func(connected bool)) (cancel func())
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) bool

func (f CheckerFunc) Connected(ctx context.Context) bool { return f(ctx) }

// Always is a Checker that always reports connectivity.
var Always Checker = CheckerFunc(func(context.Context) bool { return true })

// hub fans connectivity transitions out to subscribers.
type hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(bool)
}

func (h *hub) subscribe(fn func(bool)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[int]func(bool))
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *hub) publish(connected bool) {
	h.mu.Lock()
	fns := make([]func(bool), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(connected)
	}
}

// Static is a Monitor fed by its host: the embedding app calls Set whenever
// the platform reports a connectivity change.
type Static struct {
	hub

	mu        sync.Mutex
	connected bool
}

// NewStatic returns a Static monitor with the given initial state.
func NewStatic(connected bool) *Static {
	return &Static{connected: connected}
}

// Connected returns the last state passed to Set.
func (s *Static) Connected(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Set records the state and notifies subscribers when it changed.
func (s *Static) Set(connected bool) {
	s.mu.Lock()
	changed := s.connected != connected
	s.connected = connected
	s.mu.Unlock()

	if changed {
		s.publish(connected)
	}
}

// Subscribe registers fn for connectivity transitions.
func (s *Static) Subscribe(fn func(bool)) func() {
	return s.subscribe(fn)
}
