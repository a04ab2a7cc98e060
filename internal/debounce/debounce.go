// Package debounce owns the timer behind a delayed action.
package debounce

import (
	"sync"
	"time"
)

type Debouncer struct {
	mu      sync.Mutex
	delay   time.Duration
	fn      func()
	timer   *time.Timer
	gen     uint64
	pending bool
}

func New(delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{
		delay: delay,
		fn:    fn,
	}
}

// Trigger (re)arms the timer. A previously armed timer is stopped first, so
// the action runs once, delay after the last call.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}

	d.gen++
	gen := d.gen
	d.pending = true
	d.timer = time.AfterFunc(d.delay, func() {
		d.fire(gen)
	})
}

// Flush runs a pending action immediately. It reports whether one ran.
func (d *Debouncer) Flush() bool {
	if !d.stop() {
		return false
	}

	d.fn()
	return true
}

// Cancel drops a pending action. It reports whether one was pending.
func (d *Debouncer) Cancel() bool {
	return d.stop()
}

func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *Debouncer) stop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.pending {
		return false
	}

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	// a timer that already fired waits on the lock; bumping gen makes it a no-op
	d.gen++
	d.pending = false
	return true
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || !d.pending {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.timer = nil
	d.mu.Unlock()

	d.fn()
}
