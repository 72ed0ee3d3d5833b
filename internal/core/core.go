// Package core is the innermost layer of the middleware: it owns the live
// connections to hardware modules, keeps every session's model handle table,
// performs the physical driver calls and routes hardware events to the
// session that owns the model.
//
// Decorators (validation, logging) wrap [Core] through the
// [soundtrigger.Middleware] contract; Core itself still enforces every state
// rule, so it is safe to use undecorated.
//
// Physical calls to one module are serialized across sessions, bounded by
// the HAL timeout and cancellable by the caller. Releasing calls (stop,
// unload, detach) are best effort: when the hardware does not answer in time
// the resource is considered released and the physical call is left to finish
// in the background.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/soundtrigger/internal/observe"
	"github.com/MrWong99/soundtrigger/internal/resilience"
	"github.com/MrWong99/soundtrigger/pkg/hal"
	"github.com/MrWong99/soundtrigger/pkg/soundtrigger"
)

// DefaultHALTimeout bounds a single driver call when no timeout is configured.
const DefaultHALTimeout = 2 * time.Second

// AttachPolicy decides whether several sessions may share one module.
type AttachPolicy int

const (
	// AttachShared lets any number of sessions attach to the same module.
	AttachShared AttachPolicy = iota

	// AttachExclusive allows one live session per module; further attaches
	// fail with [soundtrigger.ErrResourceContention].
	AttachExclusive
)

// String returns the config spelling of the policy.
func (p AttachPolicy) String() string {
	if p == AttachExclusive {
		return "exclusive"
	}
	return "shared"
}

// ParseAttachPolicy parses "shared" or "exclusive". The empty string means
// shared.
func ParseAttachPolicy(s string) (AttachPolicy, error) {
	switch s {
	case "", "shared":
		return AttachShared, nil
	case "exclusive":
		return AttachExclusive, nil
	default:
		return AttachShared, fmt.Errorf("core: unknown attach policy %q", s)
	}
}

// Option configures a [Core].
type Option func(*Core)

// WithAttachPolicy sets the attach policy. Default: [AttachShared].
func WithAttachPolicy(p AttachPolicy) Option {
	return func(c *Core) { c.policy = p }
}

// WithHALTimeout bounds every driver call. Default: [DefaultHALTimeout].
func WithHALTimeout(d time.Duration) Option {
	return func(c *Core) {
		if d > 0 {
			c.timeout.Store(int64(d))
		}
	}
}

// WithBreaker sets the circuit breaker tuning used for every module. Name,
// IsFault and OnStateChange are filled in per module.
func WithBreaker(cfg resilience.BreakerConfig) Option {
	return func(c *Core) { c.breakerCfg = cfg }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Core) { c.metrics = m }
}

// Core implements [soundtrigger.Middleware] on top of a [hal.Registry].
// It is safe for concurrent use.
type Core struct {
	registry   *hal.Registry
	policy     AttachPolicy
	breakerCfg resilience.BreakerConfig
	metrics    *observe.Metrics
	timeout    atomic.Int64
	connects   singleflight.Group

	mu       sync.Mutex
	conns    map[soundtrigger.ModuleHandle]*conn
	sessions map[*session]struct{}
	capture  bool
	shutdown bool
}

// Compile-time interface assertion.
var _ soundtrigger.Middleware = (*Core)(nil)

// New creates a [Core] serving the modules of registry.
func New(registry *hal.Registry, opts ...Option) *Core {
	c := &Core{
		registry: registry,
		conns:    make(map[soundtrigger.ModuleHandle]*conn),
		sessions: make(map[*session]struct{}),
	}
	c.timeout.Store(int64(DefaultHALTimeout))
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

func (c *Core) halTimeout() time.Duration {
	return time.Duration(c.timeout.Load())
}

// SetHALTimeout changes the driver call timeout for subsequent calls. Values
// <= 0 are ignored.
func (c *Core) SetHALTimeout(d time.Duration) {
	if d > 0 {
		c.timeout.Store(int64(d))
	}
}

// ListModules implements [soundtrigger.Middleware].
func (c *Core) ListModules(context.Context) ([]soundtrigger.ModuleDescriptor, error) {
	return c.registry.List(), nil
}

// Attach implements [soundtrigger.Middleware].
func (c *Core) Attach(ctx context.Context, h soundtrigger.ModuleHandle, cb soundtrigger.Callback) (soundtrigger.Module, error) {
	const op = "Attach"
	if cb == nil {
		return nil, soundtrigger.Errorf(op, soundtrigger.ErrInvalidArgument, "nil callback")
	}
	entry, ok := c.registry.Lookup(h)
	if !ok {
		return nil, soundtrigger.Errorf(op, soundtrigger.ErrInvalidHandle, "module %d", h)
	}

	id := observe.SessionID(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	s := &session{core: c, id: id, cb: cb}
	s.disp = newDispatcher(s.id)
	cn, err := c.acquire(ctx, entry, s)
	if err != nil {
		s.disp.stop()
		return nil, err
	}

	observe.AddGauge(ctx, c.metrics.ActiveSessions, cn.name(), 1)
	s.log().Info("session attached", "policy", c.policy.String())
	return s, nil
}

// acquire returns the module's connection with s registered on it,
// connecting first if needed.
func (c *Core) acquire(ctx context.Context, entry hal.Entry, s *session) (*conn, error) {
	const op = "Attach"
	h := entry.Descriptor.Handle
	for {
		c.mu.Lock()
		if c.shutdown {
			c.mu.Unlock()
			return nil, soundtrigger.Errorf(op, soundtrigger.ErrSessionClosed, "middleware is shutting down")
		}
		cn := c.conns[h]
		if cn != nil {
			cn.mu.Lock()
			switch {
			case cn.closed || cn.dead:
				// Lost a race with the last detach or a dying module.
			case c.policy == AttachExclusive && cn.refs > 0:
				cn.mu.Unlock()
				c.mu.Unlock()
				return nil, soundtrigger.Errorf(op, soundtrigger.ErrResourceContention, "module %s is attached exclusively", cn.name())
			default:
				cn.refs++
				s.conn = cn
				cn.sessions[s] = struct{}{}
				cn.mu.Unlock()
				c.sessions[s] = struct{}{}
				c.mu.Unlock()
				return cn, nil
			}
			cn.mu.Unlock()
			if c.conns[h] == cn {
				delete(c.conns, h)
			}
		}
		c.mu.Unlock()

		if _, err, _ := c.connects.Do(strconv.Itoa(int(h)), func() (any, error) {
			return c.connect(ctx, entry)
		}); err != nil {
			return nil, err
		}
	}
}

// connect opens a driver for entry and publishes the connection. If another
// connection was published meanwhile, the new one is closed again.
func (c *Core) connect(ctx context.Context, entry hal.Entry) (*conn, error) {
	const op = "Attach"
	cn := newConn(c, entry.Descriptor)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.halTimeout())
	defer cancel()
	drv, err := entry.Factory.Connect(cctx, entry.Descriptor, cn)
	if err != nil {
		slog.Warn("connecting hardware module failed", "module", entry.Descriptor.Name, "err", err)
		return nil, soundtrigger.NewError(op, soundtrigger.ErrHardwareFailure, err)
	}
	cn.driver = drv

	c.mu.Lock()
	capture := c.capture
	c.mu.Unlock()
	if capture {
		if err := drv.SetExternalCapture(cctx, true); err != nil {
			slog.Warn("forwarding external capture state to new module failed", "module", cn.name(), "err", err)
		}
	}

	c.mu.Lock()
	if existing := c.conns[entry.Descriptor.Handle]; existing != nil {
		c.mu.Unlock()
		_ = drv.Close()
		return existing, nil
	}
	cn.capture = c.capture
	c.conns[entry.Descriptor.Handle] = cn
	c.mu.Unlock()
	slog.Info("hardware module connected", "module", cn.name())
	return cn, nil
}

// forget unpublishes a dead connection so the next attach reconnects.
func (c *Core) forget(cn *conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conns[cn.handle] == cn {
		delete(c.conns, cn.handle)
	}
}

// detached drops s from its connection and closes the connection when s was
// the last reference.
func (c *Core) detached(ctx context.Context, s *session) {
	cn := s.conn
	c.mu.Lock()
	delete(c.sessions, s)
	cn.mu.Lock()
	delete(cn.sessions, s)
	cn.refs--
	last := cn.refs == 0
	cn.mu.Unlock()
	if last && c.conns[cn.handle] == cn {
		delete(c.conns, cn.handle)
	}
	c.mu.Unlock()

	observe.AddGauge(ctx, c.metrics.ActiveSessions, cn.name(), -1)
	if last {
		cn.close(ctx)
	}
}

// SetExternalCaptureState implements [soundtrigger.Middleware]. The state is
// remembered for modules connected later.
func (c *Core) SetExternalCaptureState(ctx context.Context, active bool) error {
	c.mu.Lock()
	c.capture = active
	conns := make([]*conn, 0, len(c.conns))
	for _, cn := range c.conns {
		conns = append(conns, cn)
	}
	c.mu.Unlock()

	slog.Info("external capture state changed", "active", active, "modules", len(conns))
	var g errgroup.Group
	for _, cn := range conns {
		g.Go(func() error {
			return cn.setExternalCapture(ctx, active)
		})
	}
	return g.Wait()
}

// Healthy reports whether the module h is usable: nil when it is idle or
// connected and serving, an error when its circuit breaker is open.
func (c *Core) Healthy(h soundtrigger.ModuleHandle) error {
	entry, ok := c.registry.Lookup(h)
	if !ok {
		return soundtrigger.Errorf("Healthy", soundtrigger.ErrInvalidHandle, "module %d", h)
	}
	c.mu.Lock()
	cn := c.conns[h]
	c.mu.Unlock()
	if cn == nil {
		return nil
	}
	if st := cn.breaker.State(); st == resilience.StateOpen {
		return fmt.Errorf("core: module %s: circuit breaker %s", entry.Descriptor.Name, st)
	}
	return nil
}

// Sessions returns the number of live sessions.
func (c *Core) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Shutdown rejects new attaches and detaches every live session
// concurrently. It returns when all sessions are detached or ctx is done.
func (c *Core) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.shutdown = true
	sessions := make([]*session, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	slog.Info("detaching sessions for shutdown", "count", len(sessions))
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			return s.Detach(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("core: shutdown: %w", err)
	}
	return ctx.Err()
}
