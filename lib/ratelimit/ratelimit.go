// Package ratelimit provides call-gating primitives: debounce, throttle and a
// sliding-window rate limiter. All types are safe for concurrent use.
package ratelimit

import (
	"sync"
	"time"

	"github.com/coachpo/offqueue/lib/clock"
)

// Option configures a primitive.
type Option func(*options)

type options struct {
	clock clock.Clock
}

// WithClock overrides the time source. Nil keeps the wall clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{clock: clock.Real{}}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Debouncer delays invocations of fn until delay has passed without another call.
type Debouncer[A any] struct {
	fn    func(A)
	delay time.Duration
	clock clock.Clock

	mu      sync.Mutex
	pending clock.Timer
	gen     uint64
}

// Debounce wraps fn so that it fires once, delay after the last Call, with that call's argument.
func Debounce[A any](fn func(A), delay time.Duration, opts ...Option) *Debouncer[A] {
	o := buildOptions(opts)
	return &Debouncer[A]{fn: fn, delay: delay, clock: o.clock}
}

// Call restarts the pending timer with arg as the value fn will receive.
func (d *Debouncer[A]) Call(arg A) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending != nil {
		d.pending.Stop()
	}
	d.gen++
	gen := d.gen
	d.pending = d.clock.AfterFunc(d.delay, func() {
		d.mu.Lock()
		// A Call that raced with this timer firing supersedes it.
		if gen != d.gen {
			d.mu.Unlock()
			return
		}
		d.pending = nil
		d.mu.Unlock()
		d.fn(arg)
	})
}

// Stop cancels a pending invocation. It reports whether one was cancelled.
func (d *Debouncer[A]) Stop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	if d.pending == nil {
		return false
	}
	stopped := d.pending.Stop()
	d.pending = nil
	return stopped
}

// Throttle wraps fn so it runs at most once per wait window. The first call of a window
// runs immediately; later calls inside the window return the cached result.
// A non-positive wait disables throttling.
func Throttle[A, R any](fn func(A) R, wait time.Duration, opts ...Option) func(A) R {
	o := buildOptions(opts)
	var (
		mu          sync.Mutex
		started     bool
		windowStart time.Time
		last        R
	)
	return func(arg A) R {
		mu.Lock()
		defer mu.Unlock()
		now := o.clock.Now()
		if wait <= 0 || !started || now.Sub(windowStart) >= wait {
			started = true
			windowStart = now
			last = fn(arg)
		}
		return last
	}
}

// RateLimiter admits at most maxCalls within any trailing window.
type RateLimiter struct {
	maxCalls int
	window   time.Duration
	clock    clock.Clock

	mu    sync.Mutex
	calls []time.Time
}

// NewRateLimiter constructs a sliding-window limiter. maxCalls <= 0 rejects every call.
func NewRateLimiter(maxCalls int, window time.Duration, opts ...Option) *RateLimiter {
	o := buildOptions(opts)
	return &RateLimiter{
		maxCalls: maxCalls,
		window:   window,
		clock:    o.clock,
		calls:    make([]time.Time, 0, max(maxCalls, 0)),
	}
}

// Allow records a call and returns true when under the limit. Rejected calls are not recorded.
func (l *RateLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	l.evictLocked(now)
	if len(l.calls) >= l.maxCalls {
		return false
	}
	l.calls = append(l.calls, now)
	return true
}

// TimeUntilAllowed returns how long until Allow would succeed; zero when under the limit.
func (l *RateLimiter) TimeUntilAllowed() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	l.evictLocked(now)
	if len(l.calls) < l.maxCalls || len(l.calls) == 0 {
		return 0
	}
	wait := l.window - now.Sub(l.calls[0])
	if wait < 0 {
		return 0
	}
	return wait
}

// Remaining returns the number of calls that would currently be admitted.
func (l *RateLimiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked(l.clock.Now())
	return max(l.maxCalls-len(l.calls), 0)
}

// evictLocked drops calls whose age has reached the window.
func (l *RateLimiter) evictLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for ; i < len(l.calls); i++ {
		if l.calls[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}
