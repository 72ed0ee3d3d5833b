// Package resilience guards hardware modules against repeated driver faults.
//
// [Breaker] is a three-state circuit breaker (closed → open → half-open)
// kept per hardware module. While it is open, calls that would put new load
// on a faulting module (loading models, starting recognition, parameter
// access) fail immediately instead of reaching the driver. Release calls
// (stop, unload, close) never go through the breaker: freeing resources must
// always be attempted.
//
// Only errors classified as faults by [BreakerConfig.IsFault] count towards
// opening the breaker. Expected refusals such as "no free slot" or a caller
// cancelling its context do not.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Execute] when the breaker rejects a call.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed is the normal operating state: all calls are forwarded.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through; if they
	// succeed the breaker closes, otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name identifies the guarded module in logs and in OnStateChange.
	Name string

	// MaxFailures is the number of consecutive faults in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before moving to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close again.
	// Default: 3.
	HalfOpenMax int

	// IsFault reports whether err should count as a failure. When nil, every
	// non-nil error counts.
	IsFault func(err error) bool

	// Ignore, if set, reports outcomes that count as neither fault nor
	// success, such as a caller giving up before the call finished. They
	// leave the failure count and half-open probes untouched.
	Ignore func(err error) bool

	// OnStateChange, if set, is called after every transition, outside the
	// breaker's lock.
	OnStateChange func(name string, from, to State)
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	isFault       func(error) bool
	ignore        func(error) bool
	onStateChange func(string, State, State)

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
	halfOpenOK      int
}

// NewBreaker creates a [Breaker]. Zero-value config fields are replaced with
// defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFault == nil {
		cfg.IsFault = func(err error) bool { return err != nil }
	}
	return &Breaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		isFault:       cfg.IsFault,
		ignore:        cfg.Ignore,
		onStateChange: cfg.OnStateChange,
		state:         StateClosed,
	}
}

// Execute runs fn if the breaker allows it and returns fn's error unchanged.
// A rejected call returns [ErrOpen] without running fn.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) < b.resetTimeout {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.halfOpenCalls = 0
		b.halfOpenOK = 0
	case StateHalfOpen:
		if b.halfOpenCalls >= b.halfOpenMax {
			b.mu.Unlock()
			return ErrOpen
		}
	}
	probing := b.state == StateHalfOpen
	if probing {
		b.halfOpenCalls++
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)

	err := fn()

	b.mu.Lock()
	if b.ignore != nil && b.ignore(err) {
		if probing && b.state == StateHalfOpen {
			b.halfOpenCalls--
		}
		b.mu.Unlock()
		return err
	}
	before := b.state
	if b.isFault(err) {
		b.recordFault(probing)
	} else {
		b.recordSuccess(probing)
	}
	after := b.state
	b.mu.Unlock()
	if before != after {
		b.notify(before, after)
	}
	return err
}

func (b *Breaker) notify(from, to State) {
	if from == to {
		return
	}
	slog.Info("module circuit breaker state change", "module", b.name, "from", from.String(), "to", to.String())
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}

// recordFault must be called with b.mu held.
func (b *Breaker) recordFault(probing bool) {
	b.lastFailure = time.Now()
	if probing {
		b.state = StateOpen
		b.consecutiveFail = b.maxFailures
		return
	}
	b.consecutiveFail++
	if b.consecutiveFail >= b.maxFailures {
		b.state = StateOpen
	}
}

// recordSuccess must be called with b.mu held.
func (b *Breaker) recordSuccess(probing bool) {
	if !probing {
		b.consecutiveFail = 0
		return
	}
	if b.state != StateHalfOpen {
		return
	}
	b.halfOpenOK++
	if b.halfOpenOK >= b.halfOpenMax {
		b.state = StateClosed
		b.consecutiveFail = 0
		b.halfOpenCalls = 0
		b.halfOpenOK = 0
	}
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the actual move happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.lastFailure) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to [StateClosed].
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.consecutiveFail = 0
	b.halfOpenCalls = 0
	b.halfOpenOK = 0
	b.mu.Unlock()
	b.notify(from, StateClosed)
}
