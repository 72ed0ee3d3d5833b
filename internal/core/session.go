package core

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/soundtrigger/internal/observe"
	"github.com/MrWong99/soundtrigger/pkg/hal"
	"github.com/MrWong99/soundtrigger/pkg/soundtrigger"
)

type modelKind int

const (
	kindGeneric modelKind = iota
	kindKeyphrase
)

// model is one loaded sound model of a session.
type model struct {
	handle  soundtrigger.ModelHandle
	hw      hal.ModelHandle
	kind    modelKind
	phrases []soundtrigger.Phrase
	state   soundtrigger.ModelState
	config  *soundtrigger.RecognitionConfig

	// starts counts start attempts, so a late undo can tell whether the
	// model was started again after the attempt it belongs to.
	starts uint64
}

// session is the core's per-client [soundtrigger.Module].
//
// opMu serializes the session's operations; stateMu guards the handle table
// and model states, and is the only lock taken on the event path. Detach sets
// closing first so new operations fail fast, then takes opMu to wait for the
// operation in flight.
type session struct {
	core *Core
	conn *conn
	id   string
	cb   soundtrigger.Callback
	disp *dispatcher

	closing atomic.Bool

	opMu   sync.Mutex
	closed bool

	stateMu sync.Mutex
	table   handleTable
}

// Compile-time interface assertion.
var _ soundtrigger.Module = (*session)(nil)

func (s *session) log() *slog.Logger {
	return slog.With("module", s.conn.name(), "session_id", s.id)
}

// begin admits an operation. The returned func must be called when done.
func (s *session) begin(op string) (func(), error) {
	if s.closing.Load() {
		return nil, soundtrigger.NewError(op, soundtrigger.ErrSessionClosed, nil)
	}
	s.opMu.Lock()
	if s.closed {
		s.opMu.Unlock()
		return nil, soundtrigger.NewError(op, soundtrigger.ErrSessionClosed, nil)
	}
	return s.opMu.Unlock, nil
}

func (s *session) lookup(op string, h soundtrigger.ModelHandle) (*model, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	m, ok := s.table.get(h)
	if !ok {
		return nil, soundtrigger.Errorf(op, soundtrigger.ErrInvalidHandle, "model %d", h)
	}
	return m, nil
}

// setState moves m to st and keeps the module gauges in step. The caller
// holds stateMu.
func (s *session) setState(m *model, st soundtrigger.ModelState) {
	if m.state == st {
		return
	}
	ctx := context.Background()
	if m.state == soundtrigger.StateActive {
		observe.AddGauge(ctx, s.core.metrics.ActiveRecognitions, s.conn.name(), -1)
	}
	if st == soundtrigger.StateActive {
		observe.AddGauge(ctx, s.core.metrics.ActiveRecognitions, s.conn.name(), 1)
	}
	if st == soundtrigger.StateUnloaded {
		observe.AddGauge(ctx, s.core.metrics.LoadedModels, s.conn.name(), -1)
	}
	m.state = st
	if st != soundtrigger.StateActive {
		m.config = nil
	}
}

// LoadModel implements [soundtrigger.Module].
func (s *session) LoadModel(ctx context.Context, sm soundtrigger.SoundModel) (soundtrigger.ModelHandle, error) {
	const op = "LoadModel"
	done, err := s.begin(op)
	if err != nil {
		return 0, err
	}
	defer done()
	if len(sm.Data) == 0 {
		return 0, soundtrigger.Errorf(op, soundtrigger.ErrInvalidArgument, "empty model data")
	}
	return s.load(ctx, op, kindGeneric, nil, func(ctx context.Context, d hal.Driver) (hal.ModelHandle, error) {
		return d.LoadModel(ctx, sm)
	})
}

// LoadPhraseModel implements [soundtrigger.Module].
func (s *session) LoadPhraseModel(ctx context.Context, pm soundtrigger.PhraseSoundModel) (soundtrigger.ModelHandle, error) {
	const op = "LoadPhraseModel"
	done, err := s.begin(op)
	if err != nil {
		return 0, err
	}
	defer done()
	if len(pm.Common.Data) == 0 || len(pm.Phrases) == 0 {
		return 0, soundtrigger.Errorf(op, soundtrigger.ErrInvalidArgument, "empty model data or phrases")
	}
	return s.load(ctx, op, kindKeyphrase, pm.Phrases, func(ctx context.Context, d hal.Driver) (hal.ModelHandle, error) {
		return d.LoadPhraseModel(ctx, pm)
	})
}

func (s *session) load(ctx context.Context, op string, kind modelKind, phrases []soundtrigger.Phrase,
	fn func(context.Context, hal.Driver) (hal.ModelHandle, error)) (soundtrigger.ModelHandle, error) {
	s.stateMu.Lock()
	full := s.table.len() >= maxSlots
	s.stateMu.Unlock()
	if full {
		return 0, soundtrigger.Errorf(op, soundtrigger.ErrResourceExhausted, "session handle space exhausted")
	}

	var hw hal.ModelHandle
	err := s.conn.guarded(ctx, op, func(ctx context.Context, d hal.Driver) error {
		var err error
		hw, err = fn(ctx, d)
		return err
	}, func() {
		_ = s.conn.release(context.Background(), "UnloadModel", func(ctx context.Context, d hal.Driver) error {
			return d.UnloadModel(ctx, hw)
		})
	})
	if err != nil {
		return 0, err
	}

	m := &model{
		hw:      hw,
		kind:    kind,
		phrases: append([]soundtrigger.Phrase(nil), phrases...),
		state:   soundtrigger.StateLoaded,
	}
	s.stateMu.Lock()
	h, ok := s.table.add(m)
	if ok {
		s.conn.addRoute(hw, s, h)
	}
	s.stateMu.Unlock()
	if !ok {
		_ = s.conn.release(ctx, "UnloadModel", func(ctx context.Context, d hal.Driver) error {
			return d.UnloadModel(ctx, hw)
		})
		return 0, soundtrigger.Errorf(op, soundtrigger.ErrResourceExhausted, "session handle space exhausted")
	}
	observe.AddGauge(ctx, s.core.metrics.LoadedModels, s.conn.name(), 1)
	s.log().Debug("model loaded", "model", h, "hw_model", hw)
	return h, nil
}

// UnloadModel implements [soundtrigger.Module].
func (s *session) UnloadModel(ctx context.Context, h soundtrigger.ModelHandle) error {
	const op = "UnloadModel"
	done, err := s.begin(op)
	if err != nil {
		return err
	}
	defer done()

	s.stateMu.Lock()
	m, ok := s.table.remove(h)
	if ok {
		s.conn.removeRoute(m.hw)
	}
	s.stateMu.Unlock()
	if !ok {
		return soundtrigger.Errorf(op, soundtrigger.ErrInvalidHandle, "model %d", h)
	}
	s.releaseModel(ctx, m)
	return nil
}

// releaseModel stops and unloads m on the hardware. m is already out of the
// handle table.
func (s *session) releaseModel(ctx context.Context, m *model) {
	s.stateMu.Lock()
	wasActive := m.state == soundtrigger.StateActive
	s.setState(m, soundtrigger.StateUnloaded)
	s.stateMu.Unlock()

	if wasActive {
		_ = s.conn.release(ctx, "StopRecognition", func(ctx context.Context, d hal.Driver) error {
			return d.StopRecognition(ctx, m.hw)
		})
	}
	_ = s.conn.release(ctx, "UnloadModel", func(ctx context.Context, d hal.Driver) error {
		return d.UnloadModel(ctx, m.hw)
	})
}

// StartRecognition implements [soundtrigger.Module].
func (s *session) StartRecognition(ctx context.Context, h soundtrigger.ModelHandle, cfg soundtrigger.RecognitionConfig) error {
	const op = "StartRecognition"
	done, err := s.begin(op)
	if err != nil {
		return err
	}
	defer done()

	m, err := s.lookup(op, h)
	if err != nil {
		return err
	}

	// The model is marked active before the driver call so that an event
	// ending recognition right after the hardware starts is not overwritten.
	s.stateMu.Lock()
	if m.state != soundtrigger.StateLoaded {
		st := m.state
		s.stateMu.Unlock()
		return soundtrigger.Errorf(op, soundtrigger.ErrInvalidState, "model %d is %s", h, st)
	}
	if s.conn.captureBlocks() {
		s.stateMu.Unlock()
		return soundtrigger.Errorf(op, soundtrigger.ErrResourceContention, "external capture active")
	}
	cfgCopy := cfg
	s.setState(m, soundtrigger.StateActive)
	m.config = &cfgCopy
	m.starts++
	attempt := m.starts
	s.stateMu.Unlock()

	err = s.conn.guarded(ctx, op, func(ctx context.Context, d hal.Driver) error {
		return d.StartRecognition(ctx, m.hw, cfg)
	}, func() {
		s.undoStart(m, attempt)
	})
	if err != nil {
		s.stateMu.Lock()
		if m.state == soundtrigger.StateActive {
			s.setState(m, soundtrigger.StateLoaded)
		}
		s.stateMu.Unlock()
		return err
	}
	return nil
}

// undoStart stops the hardware after an abandoned start went through late.
// It runs as a session operation and does nothing once the model was started
// again, unloaded or the session detached, since those already own the
// hardware state of the model.
func (s *session) undoStart(m *model, attempt uint64) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.closed {
		return
	}
	s.stateMu.Lock()
	stale := m.starts != attempt || m.state != soundtrigger.StateLoaded
	s.stateMu.Unlock()
	if stale {
		s.log().Debug("late start superseded, leaving hardware as is", "model", m.handle)
		return
	}
	_ = s.conn.release(context.Background(), "StopRecognition", func(ctx context.Context, d hal.Driver) error {
		return d.StopRecognition(ctx, m.hw)
	})
}

// StopRecognition implements [soundtrigger.Module].
func (s *session) StopRecognition(ctx context.Context, h soundtrigger.ModelHandle) error {
	const op = "StopRecognition"
	done, err := s.begin(op)
	if err != nil {
		return err
	}
	defer done()

	m, err := s.lookup(op, h)
	if err != nil {
		return err
	}
	s.stateMu.Lock()
	if m.state != soundtrigger.StateActive {
		s.stateMu.Unlock()
		return nil
	}
	s.setState(m, soundtrigger.StateLoaded)
	s.stateMu.Unlock()

	_ = s.conn.release(ctx, op, func(ctx context.Context, d hal.Driver) error {
		return d.StopRecognition(ctx, m.hw)
	})
	return nil
}

// ForceRecognitionEvent implements [soundtrigger.Module]. The event is
// synthesized here; the hardware is not involved.
func (s *session) ForceRecognitionEvent(_ context.Context, h soundtrigger.ModelHandle) error {
	const op = "ForceRecognitionEvent"
	done, err := s.begin(op)
	if err != nil {
		return err
	}
	defer done()

	if !s.conn.desc.Properties.SupportsForcedRecognition {
		return soundtrigger.Errorf(op, soundtrigger.ErrUnsupported, "module %s", s.conn.name())
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	m, ok := s.table.get(h)
	if !ok {
		return soundtrigger.Errorf(op, soundtrigger.ErrInvalidHandle, "model %d", h)
	}
	if m.state != soundtrigger.StateActive {
		return soundtrigger.Errorf(op, soundtrigger.ErrInvalidState, "model %d is %s", h, m.state)
	}
	ev := soundtrigger.RecognitionEvent{Status: soundtrigger.StatusForced}
	if m.config != nil {
		ev.CaptureAvailable = m.config.CaptureRequested
		if m.kind == kindKeyphrase {
			ev.Phrases = append([]soundtrigger.PhraseRecognitionExtra(nil), m.config.PhraseExtras...)
		}
	}
	cb := s.cb
	s.disp.post(func() { cb.OnRecognition(h, ev) })
	return nil
}

// SetModelParameter implements [soundtrigger.Module].
func (s *session) SetModelParameter(ctx context.Context, h soundtrigger.ModelHandle, p soundtrigger.ModelParameter, v int32) error {
	const op = "SetModelParameter"
	done, err := s.begin(op)
	if err != nil {
		return err
	}
	defer done()

	m, err := s.lookup(op, h)
	if err != nil {
		return err
	}
	r, ok := s.conn.desc.Parameter(p)
	if !ok {
		return soundtrigger.Errorf(op, soundtrigger.ErrOutOfRange, "parameter %s not supported", p)
	}
	if !r.Contains(v) {
		return soundtrigger.Errorf(op, soundtrigger.ErrOutOfRange, "%s value %d outside [%d, %d]", p, v, r.Start, r.End)
	}
	return paramError(s.conn.guarded(ctx, op, func(ctx context.Context, d hal.Driver) error {
		return d.SetParameter(ctx, m.hw, p, v)
	}, nil))
}

// GetModelParameter implements [soundtrigger.Module].
func (s *session) GetModelParameter(ctx context.Context, h soundtrigger.ModelHandle, p soundtrigger.ModelParameter) (int32, error) {
	const op = "GetModelParameter"
	done, err := s.begin(op)
	if err != nil {
		return 0, err
	}
	defer done()

	m, err := s.lookup(op, h)
	if err != nil {
		return 0, err
	}
	if _, ok := s.conn.desc.Parameter(p); !ok {
		return 0, soundtrigger.Errorf(op, soundtrigger.ErrOutOfRange, "parameter %s not supported", p)
	}
	var v int32
	err = s.conn.guarded(ctx, op, func(ctx context.Context, d hal.Driver) error {
		var err error
		v, err = d.GetParameter(ctx, m.hw, p)
		return err
	}, nil)
	if err != nil {
		return 0, paramError(err)
	}
	return v, nil
}

// QueryModelParameterSupport implements [soundtrigger.Module]. A valid
// parameter the model does not support yields (nil, nil).
func (s *session) QueryModelParameterSupport(ctx context.Context, h soundtrigger.ModelHandle, p soundtrigger.ModelParameter) (*soundtrigger.ModelParameterRange, error) {
	const op = "QueryModelParameterSupport"
	done, err := s.begin(op)
	if err != nil {
		return nil, err
	}
	defer done()

	m, err := s.lookup(op, h)
	if err != nil {
		return nil, err
	}
	if !p.IsValid() {
		return nil, soundtrigger.Errorf(op, soundtrigger.ErrOutOfRange, "invalid parameter %d", int32(p))
	}
	if _, ok := s.conn.desc.Parameter(p); !ok {
		return nil, nil
	}
	var r *soundtrigger.ModelParameterRange
	err = s.conn.guarded(ctx, op, func(ctx context.Context, d hal.Driver) error {
		var err error
		r, err = d.QueryParameter(ctx, m.hw, p)
		return err
	}, nil)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ModelState implements [soundtrigger.Module]. It only reads and does not
// wait for the operation in flight.
func (s *session) ModelState(_ context.Context, h soundtrigger.ModelHandle) (soundtrigger.ModelState, error) {
	const op = "ModelState"
	if s.closing.Load() {
		return soundtrigger.StateUnloaded, soundtrigger.NewError(op, soundtrigger.ErrSessionClosed, nil)
	}
	m, err := s.lookup(op, h)
	if err != nil {
		return soundtrigger.StateUnloaded, err
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return m.state, nil
}

// Detach implements [soundtrigger.Module]. It is idempotent.
func (s *session) Detach(ctx context.Context) error {
	s.closing.Store(true)
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.disp.stop()

	s.stateMu.Lock()
	models := s.table.drain()
	for _, m := range models {
		s.conn.removeRoute(m.hw)
	}
	s.stateMu.Unlock()

	for _, m := range models {
		s.releaseModel(ctx, m)
	}
	s.core.detached(ctx, s)
	s.log().Info("session detached", "released_models", len(models))
	return nil
}

// onRecognition routes a hardware event to the client. Events ending the
// recognition return the model to loaded before delivery.
func (s *session) onRecognition(h soundtrigger.ModelHandle, ev soundtrigger.RecognitionEvent) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	m, ok := s.table.get(h)
	if !ok {
		return
	}
	if ev.Status.EndsRecognition() && m.state == soundtrigger.StateActive {
		s.setState(m, soundtrigger.StateLoaded)
	}
	cb := s.cb
	s.disp.post(func() { cb.OnRecognition(h, ev) })
}

// onModelUnloaded handles a model the hardware dropped on its own.
func (s *session) onModelUnloaded(h soundtrigger.ModelHandle) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	m, ok := s.table.remove(h)
	if !ok {
		return
	}
	s.setState(m, soundtrigger.StateUnloaded)
	cb := s.cb
	s.disp.post(func() { cb.OnModelUnloaded(h) })
}

// onModuleDied invalidates every model of the session and tells the client.
func (s *session) onModuleDied() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	for _, m := range s.table.drain() {
		s.setState(m, soundtrigger.StateUnloaded)
	}
	cb := s.cb
	s.disp.post(cb.OnModuleDied)
}

// abortRecognitions stops every running recognition because an external
// capture took the microphone. Clients see an aborted event per model.
func (s *session) abortRecognitions(ctx context.Context) {
	if s.closing.Load() {
		return
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.closed {
		return
	}

	var aborted []*model
	s.stateMu.Lock()
	for _, m := range s.table.models() {
		if m.state != soundtrigger.StateActive {
			continue
		}
		s.setState(m, soundtrigger.StateLoaded)
		aborted = append(aborted, m)
		h := m.handle
		cb := s.cb
		s.disp.post(func() {
			cb.OnRecognition(h, soundtrigger.RecognitionEvent{Status: soundtrigger.StatusAborted})
		})
	}
	s.stateMu.Unlock()

	for _, m := range aborted {
		_ = s.conn.release(ctx, "StopRecognition", func(ctx context.Context, d hal.Driver) error {
			return d.StopRecognition(ctx, m.hw)
		})
	}
	if len(aborted) > 0 {
		s.log().Info("recognitions aborted by external capture", "count", len(aborted))
	}
}

func (s *session) notifyAvailability(available bool) {
	cb := s.cb
	s.disp.post(func() { cb.OnRecognitionAvailabilityChange(available) })
}
