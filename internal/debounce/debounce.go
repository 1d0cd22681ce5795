// Package debounce collapses bursts of calls into a single deferred call.
package debounce

import (
	"sync"
	"time"
)

// Debouncer runs only the most recently scheduled function, once its delay elapses without
// another Schedule call. The zero value is ready to use.
type Debouncer struct {
	mu      sync.Mutex
	timer   *time.Timer
	pending func()
	gen     uint64
}

// New returns an idle Debouncer.
func New() *Debouncer {
	return &Debouncer{}
}

// Schedule replaces any pending call with fn, to run after delay.
func (d *Debouncer) Schedule(fn func(), delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.pending = fn
	d.timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		// a later Schedule or Cancel superseded this timer
		if gen != d.gen || d.pending == nil {
			d.mu.Unlock()
			return
		}
		run := d.pending
		d.pending = nil
		d.timer = nil
		d.mu.Unlock()
		run()
	})
}

// Cancel drops the pending call. It reports whether one was pending.
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelLocked()
}

// Flush runs the pending call now, on the caller's goroutine. It reports whether one ran.
func (d *Debouncer) Flush() bool {
	d.mu.Lock()
	run := d.pending
	d.cancelLocked()
	d.mu.Unlock()

	if run == nil {
		return false
	}
	run()
	return true
}

// Pending reports whether a call is waiting to run.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

func (d *Debouncer) cancelLocked() bool {
	had := d.pending != nil
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = nil
	d.gen++
	return had
}
