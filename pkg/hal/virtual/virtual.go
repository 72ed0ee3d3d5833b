// Package virtual implements an in-memory sound trigger module.
//
// The virtual module honours the module descriptor it is connected with: it
// enforces MaxSoundModels and MaxKeyPhrases, reports the declared parameter
// ranges, and stores parameter values per model. Nothing ever triggers on its
// own; recognition events are injected with [Driver.Trigger], which makes the
// package useful both for local development of clients and as a realistic
// backend in tests.
package virtual

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/soundtrigger/pkg/hal"
	"github.com/MrWong99/soundtrigger/pkg/soundtrigger"
)

// Option configures a [Factory].
type Option func(*Factory)

// WithLatency makes every driver call take at least d, to simulate a slow
// DSP. The delay is abandoned when the call's context is done.
func WithLatency(d time.Duration) Option {
	return func(f *Factory) {
		if d > 0 {
			f.latency = d
		}
	}
}

// Factory creates virtual drivers. Every Connect creates a fresh, empty
// module. It is safe for concurrent use.
type Factory struct {
	latency time.Duration

	mu      sync.Mutex
	drivers []*Driver
}

// Compile-time interface assertion.
var _ hal.Factory = (*Factory)(nil)

// NewFactory returns a ready-to-use [Factory].
func NewFactory(opts ...Option) *Factory {
	f := &Factory{}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Connect creates a new virtual driver for desc.
func (f *Factory) Connect(ctx context.Context, desc soundtrigger.ModuleDescriptor, sink hal.EventSink) (hal.Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d := &Driver{
		desc:    desc.Clone(),
		sink:    sink,
		latency: f.latency,
		models:  make(map[hal.ModelHandle]*model),
		next:    1,
	}
	f.mu.Lock()
	f.drivers = append(f.drivers, d)
	f.mu.Unlock()
	slog.Debug("virtual module connected", "module", desc.Name)
	return d, nil
}

// Drivers returns every driver created by this factory, oldest first.
func (f *Factory) Drivers() []*Driver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Driver(nil), f.drivers...)
}

// Latest returns the most recently created driver, or nil.
func (f *Factory) Latest() *Driver {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.drivers) == 0 {
		return nil
	}
	return f.drivers[len(f.drivers)-1]
}

type model struct {
	phrases []soundtrigger.Phrase
	active  bool
	config  soundtrigger.RecognitionConfig
	params  map[soundtrigger.ModelParameter]int32
}

// Driver is a virtual hardware connection.
type Driver struct {
	desc    soundtrigger.ModuleDescriptor
	sink    hal.EventSink
	latency time.Duration

	mu              sync.Mutex
	closed          bool
	models          map[hal.ModelHandle]*model
	next            hal.ModelHandle
	keyPhrases      int
	externalCapture bool
}

// Compile-time interface assertion.
var _ hal.Driver = (*Driver)(nil)

func (d *Driver) wait(ctx context.Context) error {
	if d.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d.latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// begin waits out the simulated latency and locks the driver. The caller must
// unlock d.mu when begin returns nil.
func (d *Driver) begin(ctx context.Context) error {
	if err := d.wait(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return hal.ErrClosed
	}
	return nil
}

func (d *Driver) newModel(phrases []soundtrigger.Phrase) (hal.ModelHandle, error) {
	if int32(len(d.models)) >= d.desc.Properties.MaxSoundModels {
		return 0, hal.ErrNoSlots
	}
	if len(phrases) > 0 && int32(d.keyPhrases+len(phrases)) > d.desc.Properties.MaxKeyPhrases {
		return 0, fmt.Errorf("%w: keyphrase capacity %d reached", hal.ErrNoSlots, d.desc.Properties.MaxKeyPhrases)
	}
	m := &model{
		phrases: append([]soundtrigger.Phrase(nil), phrases...),
		params:  make(map[soundtrigger.ModelParameter]int32, len(d.desc.Parameters)),
	}
	for _, ps := range d.desc.Parameters {
		m.params[ps.Param] = clamp(0, ps.Range)
	}
	h := d.next
	d.next++
	d.models[h] = m
	d.keyPhrases += len(phrases)
	return h, nil
}

// LoadModel implements [hal.Driver].
func (d *Driver) LoadModel(ctx context.Context, _ soundtrigger.SoundModel) (hal.ModelHandle, error) {
	if err := d.begin(ctx); err != nil {
		return 0, err
	}
	defer d.mu.Unlock()
	return d.newModel(nil)
}

// LoadPhraseModel implements [hal.Driver].
func (d *Driver) LoadPhraseModel(ctx context.Context, pm soundtrigger.PhraseSoundModel) (hal.ModelHandle, error) {
	if err := d.begin(ctx); err != nil {
		return 0, err
	}
	defer d.mu.Unlock()
	return d.newModel(pm.Phrases)
}

// UnloadModel implements [hal.Driver].
func (d *Driver) UnloadModel(ctx context.Context, h hal.ModelHandle) error {
	if err := d.begin(ctx); err != nil {
		return err
	}
	defer d.mu.Unlock()
	m, ok := d.models[h]
	if !ok {
		return hal.ErrUnknownModel
	}
	d.keyPhrases -= len(m.phrases)
	delete(d.models, h)
	return nil
}

// StartRecognition implements [hal.Driver].
func (d *Driver) StartRecognition(ctx context.Context, h hal.ModelHandle, cfg soundtrigger.RecognitionConfig) error {
	if err := d.begin(ctx); err != nil {
		return err
	}
	defer d.mu.Unlock()
	m, ok := d.models[h]
	if !ok {
		return hal.ErrUnknownModel
	}
	if d.externalCapture && !d.desc.Properties.ConcurrentCapture {
		return hal.ErrBusy
	}
	m.active = true
	m.config = cfg
	return nil
}

// StopRecognition implements [hal.Driver].
func (d *Driver) StopRecognition(ctx context.Context, h hal.ModelHandle) error {
	if err := d.begin(ctx); err != nil {
		return err
	}
	defer d.mu.Unlock()
	m, ok := d.models[h]
	if !ok {
		return hal.ErrUnknownModel
	}
	m.active = false
	return nil
}

// SetParameter implements [hal.Driver].
func (d *Driver) SetParameter(ctx context.Context, h hal.ModelHandle, p soundtrigger.ModelParameter, v int32) error {
	if err := d.begin(ctx); err != nil {
		return err
	}
	defer d.mu.Unlock()
	m, ok := d.models[h]
	if !ok {
		return hal.ErrUnknownModel
	}
	r, ok := d.desc.Parameter(p)
	if !ok {
		return hal.ErrUnsupported
	}
	if !r.Contains(v) {
		return fmt.Errorf("virtual: %s value %d outside [%d, %d]", p, v, r.Start, r.End)
	}
	m.params[p] = v
	return nil
}

// GetParameter implements [hal.Driver].
func (d *Driver) GetParameter(ctx context.Context, h hal.ModelHandle, p soundtrigger.ModelParameter) (int32, error) {
	if err := d.begin(ctx); err != nil {
		return 0, err
	}
	defer d.mu.Unlock()
	m, ok := d.models[h]
	if !ok {
		return 0, hal.ErrUnknownModel
	}
	v, ok := m.params[p]
	if !ok {
		return 0, hal.ErrUnsupported
	}
	return v, nil
}

// QueryParameter implements [hal.Driver].
func (d *Driver) QueryParameter(ctx context.Context, h hal.ModelHandle, p soundtrigger.ModelParameter) (*soundtrigger.ModelParameterRange, error) {
	if err := d.begin(ctx); err != nil {
		return nil, err
	}
	defer d.mu.Unlock()
	if _, ok := d.models[h]; !ok {
		return nil, hal.ErrUnknownModel
	}
	r, ok := d.desc.Parameter(p)
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// SetExternalCapture implements [hal.Driver].
func (d *Driver) SetExternalCapture(ctx context.Context, active bool) error {
	if err := d.begin(ctx); err != nil {
		return err
	}
	defer d.mu.Unlock()
	d.externalCapture = active
	return nil
}

// Close implements [hal.Driver].
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Closed reports whether Close was called.
func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// FreeSlots returns the number of unused model slots.
func (d *Driver) FreeSlots() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int(d.desc.Properties.MaxSoundModels) - len(d.models)
}

// Active reports whether recognition is running for the hardware model h.
func (d *Driver) Active(h hal.ModelHandle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.models[h]
	return ok && m.active
}

// ActiveCount returns the number of models with recognition running.
func (d *Driver) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, m := range d.models {
		if m.active {
			n++
		}
	}
	return n
}

// Handles returns the hardware handles of all loaded models.
func (d *Driver) Handles() []hal.ModelHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]hal.ModelHandle, 0, len(d.models))
	for h := range d.models {
		out = append(out, h)
	}
	return out
}

// Trigger emits a recognition event for the hardware model h, as if the DSP
// had detected something. The model must be active. Events that end
// recognition deactivate the model before the sink is called.
func (d *Driver) Trigger(h hal.ModelHandle, ev soundtrigger.RecognitionEvent) error {
	d.mu.Lock()
	m, ok := d.models[h]
	if !ok {
		d.mu.Unlock()
		return hal.ErrUnknownModel
	}
	if !m.active {
		d.mu.Unlock()
		return fmt.Errorf("virtual: model %d is not recognizing", h)
	}
	if ev.Status.EndsRecognition() {
		m.active = false
	}
	if ev.TriggerInData && !d.desc.Properties.TriggerInEvent {
		ev.TriggerInData = false
	}
	d.mu.Unlock()

	d.sink.OnRecognition(h, ev)
	return nil
}

// Evict unloads the hardware model h without being asked to and reports it
// through the sink.
func (d *Driver) Evict(h hal.ModelHandle) error {
	d.mu.Lock()
	m, ok := d.models[h]
	if !ok {
		d.mu.Unlock()
		return hal.ErrUnknownModel
	}
	d.keyPhrases -= len(m.phrases)
	delete(d.models, h)
	d.mu.Unlock()

	d.sink.OnModelUnloaded(h)
	return nil
}

// Kill simulates the hardware service dying: every model is dropped, the
// driver is closed and the sink is notified.
func (d *Driver) Kill() {
	d.mu.Lock()
	d.models = make(map[hal.ModelHandle]*model)
	d.keyPhrases = 0
	d.closed = true
	d.mu.Unlock()

	d.sink.OnServiceDied()
}

func clamp(v int32, r soundtrigger.ModelParameterRange) int32 {
	if v < r.Start {
		return r.Start
	}
	if v > r.End {
		return r.End
	}
	return v
}
