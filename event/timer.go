package event

import "time"

// Timer runs its callback on the dispatcher goroutine. Enable and Disable
// must be called from that goroutine.
type Timer struct {
	d       *Dispatcher
	cb      func()
	t       *time.Timer
	gen     uint64
	enabled bool
}

func (d *Dispatcher) CreateTimer(cb func()) *Timer {
	return &Timer{d: d, cb: cb}
}

// Enable (re)arms the timer. A previous arming is discarded.
func (t *Timer) Enable(after time.Duration) {
	t.Disable()

	t.enabled = true
	gen := t.gen
	t.t = time.AfterFunc(after, func() {
		t.d.Post(func() {
			if !t.enabled || t.gen != gen {
				return
			}
			t.enabled = false
			t.cb()
		})
	})
}

func (t *Timer) Disable() {
	t.gen++
	t.enabled = false
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}

func (t *Timer) Enabled() bool {
	return t.enabled
}
