package gateway

import (
	"sync"
	"time"
)

// debouncer is a single-slot trailing-edge coalescer. The first trigger in a
// window arms a timer; triggers that arrive while the timer is pending only
// replace the stored function. When the timer fires, the most recently
// requested function runs once. This caps the execution rate at one per
// window regardless of trigger rate, and triggers never block.
type debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	timer   *time.Timer
	pending func()
	stopped bool
}

func newDebouncer(window time.Duration) *debouncer {
	if window <= 0 {
		window = time.Second
	}
	return &debouncer{window: window}
}

// Trigger requests that fn run after the current window elapses. Safe for
// concurrent use; only the last fn requested before the timer fires runs.
func (d *debouncer) Trigger(fn func()) {
	d.mu.Lock()

	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.pending = fn

	if d.timer == nil {
		d.timer = time.AfterFunc(d.window, d.fire)
	}
}

func (d *debouncer) fire() {
	d.mu.Lock()

	fn := d.pending
	d.pending = nil
	d.timer = nil

	stopped := d.stopped
	d.mu.Unlock()

	if fn != nil && !stopped {
		fn()
	}
}

// Stop cancels any pending execution. Further triggers are ignored.
func (d *debouncer) Stop() {
	d.mu.Lock()

	defer d.mu.Unlock()

	d.stopped = true
	d.pending = nil

	if d.timer != nil {
		d.timer.Stop()

		d.timer = nil
	}
}
