// Package status fans sync progress out to in-process subscribers.
package status

import (
	"log"
	"sync"

	"github.com/sourcegraph/conc/panics"
)

// Phase is the coarse state of the sync coordinator.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseSyncing Phase = "syncing"
	PhaseSuccess Phase = "success"
	PhaseError   Phase = "error"
)

// Status is a single progress notification. Progress is meaningful for syncing and
// success, Message for error.
type Status struct {
	Phase    Phase   `json:"status"`
	Progress float64 `json:"progress"`
	Message  string  `json:"error,omitempty"`
}

// Idle is the status before any run.
func Idle() Status { return Status{Phase: PhaseIdle} }

// Syncing reports run progress in percent.
func Syncing(progress float64) Status { return Status{Phase: PhaseSyncing, Progress: progress} }

// Success reports a completed run.
func Success() Status { return Status{Phase: PhaseSuccess, Progress: 100} }

// Failed reports a run aborted by message.
func Failed(message string) Status { return Status{Phase: PhaseError, Message: message} }

type subscriber struct {
	id uint64
	fn func(Status)
}

// Broadcaster delivers every published Status to the current subscribers,
// synchronously and in registration order.
type Broadcaster struct {
	mu     sync.Mutex
	subs   []subscriber
	nextID uint64
	last   Status
	logger *log.Logger
}

// NewBroadcaster constructs a Broadcaster. A nil logger discards panic reports.
func NewBroadcaster(logger *log.Logger) *Broadcaster {
	return &Broadcaster{last: Idle(), logger: logger}
}

// Subscribe registers fn and returns a function that removes exactly that
// registration. The returned function is idempotent.
func (b *Broadcaster) Subscribe(fn func(Status)) func() {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish invokes every current subscriber with s before returning. A panicking
// subscriber is logged and skipped; later subscribers still run.
func (b *Broadcaster) Publish(s Status) {
	b.mu.Lock()
	b.last = s
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		var catcher panics.Catcher
		catcher.Try(func() { sub.fn(s) })
		if recovered := catcher.Recovered(); recovered != nil && b.logger != nil {
			b.logger.Printf("status subscriber panicked: subscriber=%d phase=%s err=%v", sub.id, s.Phase, recovered.AsError())
		}
	}
}

// Last returns the most recently published status.
func (b *Broadcaster) Last() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Len returns the number of current subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
