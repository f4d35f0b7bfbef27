package peer

import (
	"sync"
	"time"
)

// SavePolicy decides when a changed document reaches disk. One throttle
// is created per open document.
type SavePolicy interface {
	NewThrottle(save func()) SaveThrottle
}

// SaveThrottle coalesces save triggers. Flush runs any pending save
// synchronously; Stop discards pending work.
type SaveThrottle interface {
	Trigger()
	Flush()
	Stop()
}

// DebouncePolicy waits for a quiet period after the last change before
// saving, so bursts of commits cost one write.
type DebouncePolicy struct {
	Delay time.Duration
}

func (p DebouncePolicy) NewThrottle(save func()) SaveThrottle {
	delay := p.Delay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	return &debounce{save: save, delay: delay}
}

type debounce struct {
	save  func()
	delay time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	stopped bool
}

func (d *debounce) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.pending = true
	if d.timer == nil {
		d.timer = time.AfterFunc(d.delay, d.fire)
		return
	}
	d.timer.Reset(d.delay)
}

func (d *debounce) fire() {
	d.mu.Lock()
	if d.stopped || !d.pending {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.mu.Unlock()
	d.save()
}

func (d *debounce) Flush() {
	d.mu.Lock()
	run := d.pending && !d.stopped
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
	if run {
		d.save()
	}
}

func (d *debounce) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
}

// ImmediatePolicy saves on every commit. Used in tests and for callers
// that cannot tolerate a save window.
type ImmediatePolicy struct{}

func (ImmediatePolicy) NewThrottle(save func()) SaveThrottle {
	return immediate{save: save}
}

type immediate struct{ save func() }

func (i immediate) Trigger() { i.save() }
func (immediate) Flush()     {}
func (immediate) Stop()      {}
