// Package connectivity reports whether the backend is reachable and notifies
// listeners when it becomes reachable again.
package connectivity

import (
	"sync"
)

// Source reports connectivity and fires callbacks on offline to online transitions.
type Source interface {
	// Online reports the current connectivity state.
	Online() bool
	// OnOnline registers fn to run on every disconnected to connected transition.
	// The returned function removes the registration and is idempotent.
	OnOnline(fn func()) (remove func())
}

// listeners is the callback registry shared by the Source implementations.
type listeners struct {
	mu     sync.Mutex
	nextID uint64
	fns    map[uint64]func()
	order  []uint64
}

func (l *listeners) add(fn func()) func() {
	if fn == nil {
		return func() {}
	}
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[uint64]func())
	}
	l.nextID++
	id := l.nextID
	l.fns[id] = fn
	l.order = append(l.order, id)
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.fns, id)
			for i, existing := range l.order {
				if existing == id {
					l.order = append(l.order[:i:i], l.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (l *listeners) snapshot() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]func(), 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.fns[id])
	}
	return out
}

func (l *listeners) fire() {
	for _, fn := range l.snapshot() {
		fn()
	}
}

func (l *listeners) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

// Manual is a Source whose state is set explicitly by an operator or a test.
type Manual struct {
	mu        sync.Mutex
	online    bool
	listeners listeners
}

// NewManual constructs a Manual source with the given initial state.
func NewManual(online bool) *Manual {
	return &Manual{online: online}
}

// Online reports the current state.
func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set updates the state. Listeners run synchronously, on the caller's goroutine,
// only when the state flips from offline to online.
func (m *Manual) Set(online bool) {
	m.mu.Lock()
	transition := online && !m.online
	m.online = online
	m.mu.Unlock()

	if transition {
		m.listeners.fire()
	}
}

// OnOnline registers fn for offline to online transitions.
func (m *Manual) OnOnline(fn func()) func() {
	return m.listeners.add(fn)
}

// Listeners returns the number of registered callbacks.
func (m *Manual) Listeners() int {
	return m.listeners.len()
}

var _ Source = (*Manual)(nil)
