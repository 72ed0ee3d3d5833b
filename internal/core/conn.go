package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/soundtrigger/internal/resilience"
	"github.com/MrWong99/soundtrigger/pkg/hal"
	"github.com/MrWong99/soundtrigger/pkg/soundtrigger"
)

// route identifies the session model that owns a hardware model.
type route struct {
	s *session
	h soundtrigger.ModelHandle
}

// conn is the live, shared connection to one hardware module. Sessions hold
// references to it; the driver is closed when the last one goes away.
//
// conn implements [hal.EventSink] and routes hardware events to the owning
// session. Lock order: session.stateMu before conn.mu.
type conn struct {
	core    *Core
	handle  soundtrigger.ModuleHandle
	desc    soundtrigger.ModuleDescriptor
	driver  hal.Driver
	sem     chan struct{}
	breaker *resilience.Breaker

	mu       sync.Mutex
	refs     int
	closed   bool
	dead     bool
	capture  bool
	sessions map[*session]struct{}
	routes   map[hal.ModelHandle]route
}

func newConn(c *Core, desc soundtrigger.ModuleDescriptor) *conn {
	cn := &conn{
		core:     c,
		handle:   desc.Handle,
		desc:     desc,
		sem:      make(chan struct{}, 1),
		sessions: make(map[*session]struct{}),
		routes:   make(map[hal.ModelHandle]route),
	}
	cfg := c.breakerCfg
	cfg.Name = desc.Name
	cfg.IsFault = isFault
	cfg.Ignore = isCallerDone
	cfg.OnStateChange = func(name string, _, to resilience.State) {
		c.metrics.RecordBreakerTransition(context.Background(), name, to.String())
	}
	cn.breaker = resilience.NewBreaker(cfg)
	return cn
}

// Compile-time interface assertion.
var _ hal.EventSink = (*conn)(nil)

func (cn *conn) name() string { return cn.desc.Name }

// exec runs fn against the driver on its own goroutine once the module
// semaphore is acquired, so physical calls are serialized across sessions.
// The outcome arrives on the returned channel.
func (cn *conn) exec(ctx context.Context, fn func(context.Context, hal.Driver) error) <-chan error {
	out := make(chan error, 1)
	go func() {
		select {
		case cn.sem <- struct{}{}:
		case <-ctx.Done():
			out <- ctx.Err()
			return
		}
		defer func() { <-cn.sem }()
		if err := ctx.Err(); err != nil {
			out <- err
			return
		}
		out <- fn(ctx, cn.driver)
	}()
	return out
}

// call performs a driver call for a client operation, bounded by the caller's
// context and the HAL timeout. Only the HAL timeout counts as a hardware
// fault; a call cut short by the caller's context returns a [callerError].
// If the call is abandoned but later succeeds, late runs in the background so
// the hardware side can be undone.
func (cn *conn) call(ctx context.Context, op string, fn func(context.Context, hal.Driver) error, late func()) error {
	if cn.isDead() {
		return soundtrigger.Errorf(op, soundtrigger.ErrHardwareFailure, "module %s is dead", cn.name())
	}
	cctx, cancel := context.WithTimeout(ctx, cn.core.halTimeout())
	defer cancel()

	start := time.Now()
	ch := cn.exec(cctx, fn)
	var err error
	select {
	case err = <-ch:
	case <-cctx.Done():
		err = cctx.Err()
		go func() {
			if lerr := <-ch; lerr == nil && late != nil {
				slog.Warn("abandoned hardware call completed late", "module", cn.name(), "op", op)
				late()
			}
		}()
	}
	if err != nil && ctx.Err() != nil {
		err = callerError{err: ctx.Err()}
	}
	cn.core.metrics.RecordHALCall(ctx, cn.name(), op, soundtrigger.KindOf(translate(op, err)), time.Since(start).Seconds())
	return err
}

// guarded is call behind the module's circuit breaker.
func (cn *conn) guarded(ctx context.Context, op string, fn func(context.Context, hal.Driver) error, late func()) error {
	err := cn.breaker.Execute(func() error {
		return cn.call(ctx, op, fn, late)
	})
	if errors.Is(err, resilience.ErrOpen) {
		return soundtrigger.NewError(op, soundtrigger.ErrHardwareFailure, err)
	}
	return translate(op, err)
}

// release performs a best-effort driver call that frees a resource. The
// physical call runs on a context detached from the caller, bounded by the
// HAL timeout; the caller stops waiting when its own context is done and the
// call keeps going in the background. Timeouts and unknown models count as
// released. Other failures are logged and returned for diagnostics only.
func (cn *conn) release(ctx context.Context, op string, fn func(context.Context, hal.Driver) error) error {
	if cn.isDead() {
		return nil
	}
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cn.core.halTimeout())

	start := time.Now()
	ch := cn.exec(bctx, fn)
	var err error
	select {
	case err = <-ch:
		cancel()
	case <-bctx.Done():
		cancel()
		err = bctx.Err()
	case <-ctx.Done():
		go func() {
			defer cancel()
			if lerr := <-ch; lerr != nil {
				slog.Debug("background release failed", "module", cn.name(), "op", op, "err", lerr)
			}
		}()
		err = ctx.Err()
	}
	cn.core.metrics.RecordHALCall(ctx, cn.name(), op, soundtrigger.KindOf(translate(op, err)), time.Since(start).Seconds())

	switch {
	case err == nil, errors.Is(err, hal.ErrUnknownModel):
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		slog.Warn("hardware did not confirm release in time, treating as released",
			"module", cn.name(), "op", op, "err", err)
		return nil
	default:
		slog.Warn("hardware release failed, treating as released",
			"module", cn.name(), "op", op, "err", err)
		return translate(op, err)
	}
}

// captureBlocks reports whether an external capture currently prevents new
// recognitions on this module.
func (cn *conn) captureBlocks() bool {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.capture && !cn.desc.Properties.ConcurrentCapture
}

func (cn *conn) isDead() bool {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.dead
}

func (cn *conn) addRoute(hw hal.ModelHandle, s *session, h soundtrigger.ModelHandle) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.routes[hw] = route{s: s, h: h}
}

func (cn *conn) removeRoute(hw hal.ModelHandle) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	delete(cn.routes, hw)
}

func (cn *conn) lookupRoute(hw hal.ModelHandle) (route, bool) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	r, ok := cn.routes[hw]
	return r, ok
}

func (cn *conn) sessionList() []*session {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	out := make([]*session, 0, len(cn.sessions))
	for s := range cn.sessions {
		out = append(out, s)
	}
	return out
}

// OnRecognition implements [hal.EventSink].
func (cn *conn) OnRecognition(hw hal.ModelHandle, ev soundtrigger.RecognitionEvent) {
	r, ok := cn.lookupRoute(hw)
	if !ok {
		slog.Debug("dropping event for unrouted hardware model", "module", cn.name(), "hw_model", hw)
		return
	}
	r.s.onRecognition(r.h, ev)
}

// OnModelUnloaded implements [hal.EventSink].
func (cn *conn) OnModelUnloaded(hw hal.ModelHandle) {
	cn.mu.Lock()
	r, ok := cn.routes[hw]
	delete(cn.routes, hw)
	cn.mu.Unlock()
	if !ok {
		return
	}
	slog.Info("hardware unloaded model", "module", cn.name(), "session_id", r.s.id, "model", r.h)
	r.s.onModelUnloaded(r.h)
}

// OnServiceDied implements [hal.EventSink].
func (cn *conn) OnServiceDied() {
	cn.mu.Lock()
	if cn.dead {
		cn.mu.Unlock()
		return
	}
	cn.dead = true
	cn.routes = make(map[hal.ModelHandle]route)
	cn.mu.Unlock()

	slog.Error("hardware module died", "module", cn.name())
	cn.core.forget(cn)
	for _, s := range cn.sessionList() {
		s.onModuleDied()
	}
}

// setExternalCapture forwards the capture state to the driver and, on a
// module without concurrent capture, aborts running recognitions and tells
// every session whether recognition is available.
func (cn *conn) setExternalCapture(ctx context.Context, active bool) error {
	cn.mu.Lock()
	changed := cn.capture != active
	cn.capture = active
	cn.mu.Unlock()

	err := cn.call(ctx, "SetExternalCaptureState", func(ctx context.Context, d hal.Driver) error {
		return d.SetExternalCapture(ctx, active)
	}, nil)

	if changed && !cn.desc.Properties.ConcurrentCapture {
		for _, s := range cn.sessionList() {
			if active {
				s.abortRecognitions(ctx)
			}
			s.notifyAvailability(!active)
		}
	}
	return translate("SetExternalCaptureState", err)
}

// close closes the driver. Safe to call more than once.
func (cn *conn) close(ctx context.Context) {
	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		return
	}
	cn.closed = true
	cn.mu.Unlock()

	// A dead module skips release calls, so close the driver directly.
	if cn.isDead() {
		if err := cn.driver.Close(); err != nil {
			slog.Debug("closing dead driver", "module", cn.name(), "err", err)
		}
		return
	}
	_ = cn.release(ctx, "Close", func(context.Context, hal.Driver) error {
		return cn.driver.Close()
	})
	slog.Info("hardware module disconnected", "module", cn.name())
}
