// Package mock provides test doubles for the hal package interfaces.
//
// Use Factory to observe how often the core connects and to capture the
// EventSink it passes, then call the sink directly to inject hardware events.
// Use Driver to inject errors per operation and to inspect the calls made.
//
// Example:
//
//	drv := &mock.Driver{StartErr: errors.New("dsp fault")}
//	f := &mock.Factory{Driver: drv}
//	registry.Register(desc, f)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/soundtrigger/pkg/hal"
	"github.com/MrWong99/soundtrigger/pkg/soundtrigger"
)

// Factory is a mock implementation of hal.Factory.
type Factory struct {
	mu sync.Mutex

	// Driver is returned by Connect. If nil, Connect returns a new Driver.
	Driver *Driver

	// ConnectErr, if non-nil, is returned by Connect.
	ConnectErr error

	// ConnectCalls counts Connect invocations.
	ConnectCalls int

	// Sink is the EventSink passed to the most recent Connect.
	Sink hal.EventSink
}

// Connect records the call and returns Driver, ConnectErr.
func (f *Factory) Connect(_ context.Context, _ soundtrigger.ModuleDescriptor, sink hal.EventSink) (hal.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ConnectCalls++
	if f.ConnectErr != nil {
		return nil, f.ConnectErr
	}
	f.Sink = sink
	if f.Driver == nil {
		f.Driver = &Driver{}
	}
	return f.Driver, nil
}

// LastSink returns the sink of the most recent successful Connect.
func (f *Factory) LastSink() hal.EventSink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Sink
}

// Connects returns ConnectCalls. Thread-safe.
func (f *Factory) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ConnectCalls
}

// Ensure Factory implements hal.Factory at compile time.
var _ hal.Factory = (*Factory)(nil)

// Call records a single driver invocation.
type Call struct {
	// Op is the driver method name, e.g. "StartRecognition".
	Op string

	// Model is the hardware handle the call targeted, if any.
	Model hal.ModelHandle
}

// Driver is a mock implementation of hal.Driver. Loads hand out sequential
// handles starting at 100. Set the *Err fields before use; use SetBlock to
// make calls hang until released and Stall to make one call ignore its
// context.
type Driver struct {
	mu sync.Mutex

	LoadErr            error
	LoadPhraseErr      error
	UnloadErr          error
	StartErr           error
	StopErr            error
	SetParamErr        error
	GetParamErr        error
	QueryErr           error
	ExternalCaptureErr error
	CloseErr           error

	// ParamValue is returned by GetParameter.
	ParamValue int32

	// ParamRange is returned by QueryParameter.
	ParamRange *soundtrigger.ModelParameterRange

	// --- Call records ---

	// Calls records every invocation in order.
	Calls []Call

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	// ExternalCapture is the last value passed to SetExternalCapture.
	ExternalCapture bool

	block chan struct{}
	stall map[string]chan struct{}
	next  hal.ModelHandle
}

// Stall makes the next call to op wait until release is closed, ignoring the
// call's context, like hardware that does not honour cancellation.
func (d *Driver) Stall(op string, release chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stall == nil {
		d.stall = make(map[string]chan struct{})
	}
	d.stall[op] = release
}

// SetBlock makes every subsequent call wait until ch is closed or the call's
// context is done. Pass nil to stop blocking.
func (d *Driver) SetBlock(ch chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.block = ch
}

func (d *Driver) record(ctx context.Context, op string, m hal.ModelHandle) error {
	d.mu.Lock()
	d.Calls = append(d.Calls, Call{Op: op, Model: m})
	block := d.block
	stall := d.stall[op]
	delete(d.stall, op)
	d.mu.Unlock()
	if stall != nil {
		<-stall
	}
	if block == nil {
		return nil
	}
	select {
	case <-block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LoadModel records the call and returns a fresh handle or LoadErr.
func (d *Driver) LoadModel(ctx context.Context, _ soundtrigger.SoundModel) (hal.ModelHandle, error) {
	if err := d.record(ctx, "LoadModel", 0); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.LoadErr != nil {
		return 0, d.LoadErr
	}
	d.next++
	return 99 + d.next, nil
}

// LoadPhraseModel records the call and returns a fresh handle or LoadPhraseErr.
func (d *Driver) LoadPhraseModel(ctx context.Context, _ soundtrigger.PhraseSoundModel) (hal.ModelHandle, error) {
	if err := d.record(ctx, "LoadPhraseModel", 0); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.LoadPhraseErr != nil {
		return 0, d.LoadPhraseErr
	}
	d.next++
	return 99 + d.next, nil
}

// UnloadModel records the call and returns UnloadErr.
func (d *Driver) UnloadModel(ctx context.Context, m hal.ModelHandle) error {
	if err := d.record(ctx, "UnloadModel", m); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.UnloadErr
}

// StartRecognition records the call and returns StartErr.
func (d *Driver) StartRecognition(ctx context.Context, m hal.ModelHandle, _ soundtrigger.RecognitionConfig) error {
	if err := d.record(ctx, "StartRecognition", m); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.StartErr
}

// StopRecognition records the call and returns StopErr.
func (d *Driver) StopRecognition(ctx context.Context, m hal.ModelHandle) error {
	if err := d.record(ctx, "StopRecognition", m); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.StopErr
}

// SetParameter records the call and returns SetParamErr.
func (d *Driver) SetParameter(ctx context.Context, m hal.ModelHandle, _ soundtrigger.ModelParameter, v int32) error {
	if err := d.record(ctx, "SetParameter", m); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.SetParamErr != nil {
		return d.SetParamErr
	}
	d.ParamValue = v
	return nil
}

// GetParameter records the call and returns ParamValue, GetParamErr.
func (d *Driver) GetParameter(ctx context.Context, m hal.ModelHandle, _ soundtrigger.ModelParameter) (int32, error) {
	if err := d.record(ctx, "GetParameter", m); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ParamValue, d.GetParamErr
}

// QueryParameter records the call and returns ParamRange, QueryErr.
func (d *Driver) QueryParameter(ctx context.Context, m hal.ModelHandle, _ soundtrigger.ModelParameter) (*soundtrigger.ModelParameterRange, error) {
	if err := d.record(ctx, "QueryParameter", m); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ParamRange, d.QueryErr
}

// SetExternalCapture records the call and returns ExternalCaptureErr.
func (d *Driver) SetExternalCapture(ctx context.Context, active bool) error {
	if err := d.record(ctx, "SetExternalCapture", 0); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ExternalCapture = active
	return d.ExternalCaptureErr
}

// Close records the call and returns CloseErr.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CloseCallCount++
	return d.CloseErr
}

// Ops returns the names of all recorded calls in order. Thread-safe.
func (d *Driver) Ops() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.Calls))
	for i, c := range d.Calls {
		out[i] = c.Op
	}
	return out
}

// Snapshot returns a copy of Calls. Thread-safe.
func (d *Driver) Snapshot() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.Calls...)
}

// CountOp returns how many times op was called. Thread-safe.
func (d *Driver) CountOp(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.Calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Closes returns CloseCallCount. Thread-safe.
func (d *Driver) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CloseCallCount
}

// SetErr updates an error field under the lock, for tests that change
// behaviour while the driver is in use.
func (d *Driver) SetErr(fn func(d *Driver)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}

// Ensure Driver implements hal.Driver at compile time.
var _ hal.Driver = (*Driver)(nil)
