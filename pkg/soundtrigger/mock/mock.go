// Package mock provides test doubles for the soundtrigger package interfaces.
//
// Use Callback to collect the events delivered to a session and to wait for
// asynchronous deliveries. Use Middleware and Module to check that a
// decorator forwards calls unchanged and passes results straight back.
//
// Example:
//
//	mod := &mock.Module{LoadHandle: 7}
//	mw := &mock.Middleware{Module: mod}
//	m, _ := logging.New(mw).Attach(ctx, 0, &mock.Callback{})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/soundtrigger/pkg/soundtrigger"
)

// RecognitionCall records a single Callback.OnRecognition delivery.
type RecognitionCall struct {
	Handle soundtrigger.ModelHandle
	Event  soundtrigger.RecognitionEvent
}

// Callback is a mock implementation of soundtrigger.Callback.
type Callback struct {
	mu sync.Mutex

	// Recognitions records every OnRecognition delivery in order.
	Recognitions []RecognitionCall

	// Unloaded records every OnModelUnloaded handle in order.
	Unloaded []soundtrigger.ModelHandle

	// Availability records every OnRecognitionAvailabilityChange value.
	Availability []bool

	// DiedCount is the number of OnModuleDied deliveries.
	DiedCount int
}

// OnRecognition records the delivery.
func (c *Callback) OnRecognition(h soundtrigger.ModelHandle, ev soundtrigger.RecognitionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Recognitions = append(c.Recognitions, RecognitionCall{Handle: h, Event: ev})
}

// OnModelUnloaded records the delivery.
func (c *Callback) OnModelUnloaded(h soundtrigger.ModelHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Unloaded = append(c.Unloaded, h)
}

// OnRecognitionAvailabilityChange records the delivery.
func (c *Callback) OnRecognitionAvailabilityChange(available bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Availability = append(c.Availability, available)
}

// OnModuleDied records the delivery.
func (c *Callback) OnModuleDied() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DiedCount++
}

// RecognitionsCopy returns a snapshot of Recognitions. Thread-safe.
func (c *Callback) RecognitionsCopy() []RecognitionCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RecognitionCall(nil), c.Recognitions...)
}

// UnloadedCopy returns a snapshot of Unloaded. Thread-safe.
func (c *Callback) UnloadedCopy() []soundtrigger.ModelHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]soundtrigger.ModelHandle(nil), c.Unloaded...)
}

// AvailabilityCopy returns a snapshot of Availability. Thread-safe.
func (c *Callback) AvailabilityCopy() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.Availability...)
}

// Died returns DiedCount. Thread-safe.
func (c *Callback) Died() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.DiedCount
}

// WaitFor polls cond until it returns true or timeout elapses, and reports
// whether cond became true. cond is called with the callback locked.
func (c *Callback) WaitFor(timeout time.Duration, cond func(c *Callback) bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		ok := cond(c)
		c.mu.Unlock()
		if ok {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

// WaitRecognitions waits until at least n recognitions were delivered.
func (c *Callback) WaitRecognitions(n int, timeout time.Duration) bool {
	return c.WaitFor(timeout, func(c *Callback) bool { return len(c.Recognitions) >= n })
}

// Ensure Callback implements soundtrigger.Callback at compile time.
var _ soundtrigger.Callback = (*Callback)(nil)

// AttachCall records a single Middleware.Attach invocation.
type AttachCall struct {
	Handle   soundtrigger.ModuleHandle
	Callback soundtrigger.Callback
}

// Middleware is a mock implementation of soundtrigger.Middleware.
type Middleware struct {
	mu sync.Mutex

	// Modules is returned by ListModules.
	Modules []soundtrigger.ModuleDescriptor

	// ListErr, if non-nil, is returned by ListModules.
	ListErr error

	// Module is returned by Attach. If nil, Attach returns a new Module.
	Module *Module

	// AttachErr, if non-nil, is returned by Attach.
	AttachErr error

	// CaptureErr, if non-nil, is returned by SetExternalCaptureState.
	CaptureErr error

	// --- Call records ---

	ListCallCount int
	AttachCalls   []AttachCall
	CaptureCalls  []bool
}

// ListModules records the call and returns Modules, ListErr.
func (m *Middleware) ListModules(context.Context) ([]soundtrigger.ModuleDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListCallCount++
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	return append([]soundtrigger.ModuleDescriptor(nil), m.Modules...), nil
}

// Attach records the call and returns Module, AttachErr.
func (m *Middleware) Attach(_ context.Context, h soundtrigger.ModuleHandle, cb soundtrigger.Callback) (soundtrigger.Module, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AttachCalls = append(m.AttachCalls, AttachCall{Handle: h, Callback: cb})
	if m.AttachErr != nil {
		return nil, m.AttachErr
	}
	if m.Module == nil {
		m.Module = &Module{}
	}
	return m.Module, nil
}

// SetExternalCaptureState records the call and returns CaptureErr.
func (m *Middleware) SetExternalCaptureState(_ context.Context, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CaptureCalls = append(m.CaptureCalls, active)
	return m.CaptureErr
}

// LastCallback returns the callback passed to the most recent Attach.
func (m *Middleware) LastCallback() soundtrigger.Callback {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.AttachCalls) == 0 {
		return nil
	}
	return m.AttachCalls[len(m.AttachCalls)-1].Callback
}

// Ensure Middleware implements soundtrigger.Middleware at compile time.
var _ soundtrigger.Middleware = (*Middleware)(nil)

// Module is a mock implementation of soundtrigger.Module. Every method
// records its name in Calls and returns the matching result field together
// with Errs[name] (nil when absent).
type Module struct {
	mu sync.Mutex

	// LoadHandle is returned by LoadModel and LoadPhraseModel.
	LoadHandle soundtrigger.ModelHandle

	// ParamValue is returned by GetModelParameter.
	ParamValue int32

	// ParamRange is returned by QueryModelParameterSupport.
	ParamRange *soundtrigger.ModelParameterRange

	// States is consulted by ModelState. Missing handles report
	// ErrInvalidHandle.
	States map[soundtrigger.ModelHandle]soundtrigger.ModelState

	// Errs maps a method name to the error it returns.
	Errs map[string]error

	// Calls records every method name in call order.
	Calls []string
}

func (m *Module) record(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, op)
	return m.Errs[op]
}

// CallsCopy returns a snapshot of Calls. Thread-safe.
func (m *Module) CallsCopy() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Calls...)
}

// LoadModel records the call.
func (m *Module) LoadModel(context.Context, soundtrigger.SoundModel) (soundtrigger.ModelHandle, error) {
	if err := m.record("LoadModel"); err != nil {
		return 0, err
	}
	return m.LoadHandle, nil
}

// LoadPhraseModel records the call.
func (m *Module) LoadPhraseModel(context.Context, soundtrigger.PhraseSoundModel) (soundtrigger.ModelHandle, error) {
	if err := m.record("LoadPhraseModel"); err != nil {
		return 0, err
	}
	return m.LoadHandle, nil
}

// UnloadModel records the call.
func (m *Module) UnloadModel(context.Context, soundtrigger.ModelHandle) error {
	return m.record("UnloadModel")
}

// StartRecognition records the call.
func (m *Module) StartRecognition(context.Context, soundtrigger.ModelHandle, soundtrigger.RecognitionConfig) error {
	return m.record("StartRecognition")
}

// StopRecognition records the call.
func (m *Module) StopRecognition(context.Context, soundtrigger.ModelHandle) error {
	return m.record("StopRecognition")
}

// ForceRecognitionEvent records the call.
func (m *Module) ForceRecognitionEvent(context.Context, soundtrigger.ModelHandle) error {
	return m.record("ForceRecognitionEvent")
}

// SetModelParameter records the call.
func (m *Module) SetModelParameter(context.Context, soundtrigger.ModelHandle, soundtrigger.ModelParameter, int32) error {
	return m.record("SetModelParameter")
}

// GetModelParameter records the call.
func (m *Module) GetModelParameter(context.Context, soundtrigger.ModelHandle, soundtrigger.ModelParameter) (int32, error) {
	if err := m.record("GetModelParameter"); err != nil {
		return 0, err
	}
	return m.ParamValue, nil
}

// QueryModelParameterSupport records the call.
func (m *Module) QueryModelParameterSupport(context.Context, soundtrigger.ModelHandle, soundtrigger.ModelParameter) (*soundtrigger.ModelParameterRange, error) {
	if err := m.record("QueryModelParameterSupport"); err != nil {
		return nil, err
	}
	return m.ParamRange, nil
}

// ModelState records the call and consults States.
func (m *Module) ModelState(_ context.Context, h soundtrigger.ModelHandle) (soundtrigger.ModelState, error) {
	if err := m.record("ModelState"); err != nil {
		return soundtrigger.StateUnloaded, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.States[h]
	if !ok {
		return soundtrigger.StateUnloaded, soundtrigger.NewError("ModelState", soundtrigger.ErrInvalidHandle, nil)
	}
	return s, nil
}

// Detach records the call.
func (m *Module) Detach(context.Context) error {
	return m.record("Detach")
}

// Ensure Module implements soundtrigger.Module at compile time.
var _ soundtrigger.Module = (*Module)(nil)
