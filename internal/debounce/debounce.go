package debounce

import (
	"sync"
	"time"
)

// DefaultDelay is the quiet period input must hold before a scheduled callback fires.
const DefaultDelay = 500 * time.Millisecond

// Timer is the part of *time.Timer the debouncer needs.
type Timer interface {
	Stop() bool
}

// AfterFunc starts a timer that calls f after d. time.AfterFunc satisfies it.
type AfterFunc func(d time.Duration, f func()) Timer

// Option customizes a Debouncer.
type Option func(*Debouncer)

// WithAfterFunc overrides the timer source (useful for tests).
func WithAfterFunc(fn AfterFunc) Option {
	return func(d *Debouncer) {
		if fn != nil {
			d.afterFunc = fn
		}
	}
}

// Debouncer delays a callback until Schedule has not been called for the configured delay.
// It holds at most one pending timer.
type Debouncer struct {
	delay     time.Duration
	afterFunc AfterFunc

	mu    sync.Mutex
	timer Timer
	seq   uint64
}

// New creates a Debouncer. A non-positive delay uses DefaultDelay.
func New(delay time.Duration, opts ...Option) *Debouncer {
	if delay <= 0 {
		delay = DefaultDelay
	}
	d := &Debouncer{
		delay: delay,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Delay returns the configured quiet period.
func (d *Debouncer) Delay() time.Duration {
	return d.delay
}

// Schedule cancels any pending callback and arranges for fn to run once after the delay.
func (d *Debouncer) Schedule(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopLocked()
	d.seq++
	seq := d.seq
	d.timer = d.afterFunc(d.delay, func() {
		d.mu.Lock()
		// A timer that fired while Stop was racing it must not run a superseded fn.
		if seq != d.seq {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		fn()
	})
}

// Cancel drops the pending callback, if any. No callback scheduled before Cancel fires afterwards.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopLocked()
	d.seq++
}

// Pending reports whether a callback is waiting to fire.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

func (d *Debouncer) stopLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
