package core

import (
	"log/slog"
	"sync"
)

// dispatcher delivers client callbacks in post order on a single goroutine,
// so the driver's event path never waits for a slow client.
type dispatcher struct {
	sessionID string

	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func newDispatcher(sessionID string) *dispatcher {
	d := &dispatcher{
		sessionID: sessionID,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go d.run()
	return d
}

// post queues fn. It reports false if the dispatcher was stopped.
func (d *dispatcher) post(fn func()) bool {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, fn)
	select {
	case d.wake <- struct{}{}:
	default:
	}
	d.mu.Unlock()
	return true
}

// stop discards undelivered callbacks and ends the goroutine after the
// callback currently running, if any. It does not wait, so it is safe to
// call from inside a callback.
func (d *dispatcher) stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	dropped := len(d.queue)
	d.queue = nil
	close(d.wake)
	d.mu.Unlock()
	if dropped > 0 {
		slog.Debug("dropped undelivered session events", "session_id", d.sessionID, "count", dropped)
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for range d.wake {
		for {
			d.mu.Lock()
			if d.stopped || len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			fn := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.mu.Unlock()
			d.deliver(fn)
		}
	}
}

func (d *dispatcher) deliver(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("session callback panicked", "session_id", d.sessionID, "panic", r)
		}
	}()
	fn()
}
