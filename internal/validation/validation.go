// Package validation implements the precondition layer of the middleware
// chain.
//
// [Middleware] rejects malformed or illegal requests before they reach the
// layer below, so no hardware side effect ever results from a request that
// was going to fail anyway. Each rejection names the precise error kind.
// Model state is read from the delegate through
// [soundtrigger.Module.ModelState] and module capabilities come from the
// immutable descriptors of ListModules; the only thing the decorator keeps
// itself is the phrase ids of keyphrase models loaded through it, needed to
// check recognition configs.
//
// The layer below still performs the authoritative checks. A transition that
// races with validation is caught there.
package validation

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/soundtrigger/pkg/soundtrigger"
)

// MaxConfidence is the highest legal confidence level in a recognition config.
const MaxConfidence = 100

// Middleware validates the global operations and wraps every attached
// session in a validating [soundtrigger.Module].
type Middleware struct {
	next soundtrigger.Middleware
}

// Compile-time interface assertion.
var _ soundtrigger.Middleware = (*Middleware)(nil)

// New returns a validating decorator around next.
func New(next soundtrigger.Middleware) *Middleware {
	return &Middleware{next: next}
}

// ListModules forwards to the delegate.
func (v *Middleware) ListModules(ctx context.Context) ([]soundtrigger.ModuleDescriptor, error) {
	return v.next.ListModules(ctx)
}

// Attach checks the callback and module handle, then forwards.
func (v *Middleware) Attach(ctx context.Context, h soundtrigger.ModuleHandle, cb soundtrigger.Callback) (soundtrigger.Module, error) {
	const op = "Attach"
	if cb == nil {
		return nil, soundtrigger.Errorf(op, soundtrigger.ErrInvalidArgument, "nil callback")
	}
	mods, err := v.next.ListModules(ctx)
	if err != nil {
		return nil, err
	}
	var desc *soundtrigger.ModuleDescriptor
	for i := range mods {
		if mods[i].Handle == h {
			desc = &mods[i]
			break
		}
	}
	if desc == nil {
		return nil, soundtrigger.Errorf(op, soundtrigger.ErrInvalidHandle, "module %d", h)
	}

	m, err := v.next.Attach(ctx, h, cb)
	if err != nil {
		return nil, err
	}
	return &module{next: m, desc: *desc, phrases: make(map[soundtrigger.ModelHandle][]int32)}, nil
}

// SetExternalCaptureState forwards to the delegate.
func (v *Middleware) SetExternalCaptureState(ctx context.Context, active bool) error {
	return v.next.SetExternalCaptureState(ctx, active)
}

type module struct {
	next soundtrigger.Module
	desc soundtrigger.ModuleDescriptor

	mu      sync.Mutex
	phrases map[soundtrigger.ModelHandle][]int32
}

// Compile-time interface assertion.
var _ soundtrigger.Module = (*module)(nil)

// state returns the delegate's view of h, with any error relabelled as op.
func (m *module) state(ctx context.Context, op string, h soundtrigger.ModelHandle) (soundtrigger.ModelState, error) {
	st, err := m.next.ModelState(ctx, h)
	if err != nil {
		if errors.Is(err, soundtrigger.ErrInvalidHandle) {
			m.forget(h)
		}
		var se *soundtrigger.Error
		if errors.As(err, &se) {
			relabelled := *se
			relabelled.Op = op
			return soundtrigger.StateUnloaded, &relabelled
		}
		return soundtrigger.StateUnloaded, err
	}
	return st, nil
}

func (m *module) LoadModel(ctx context.Context, sm soundtrigger.SoundModel) (soundtrigger.ModelHandle, error) {
	if len(sm.Data) == 0 {
		return 0, soundtrigger.Errorf("LoadModel", soundtrigger.ErrInvalidArgument, "empty model data")
	}
	return m.next.LoadModel(ctx, sm)
}

func (m *module) LoadPhraseModel(ctx context.Context, pm soundtrigger.PhraseSoundModel) (soundtrigger.ModelHandle, error) {
	if err := checkPhraseModel(m.desc.Properties, pm); err != nil {
		return 0, err
	}
	h, err := m.next.LoadPhraseModel(ctx, pm)
	if err != nil {
		return 0, err
	}
	m.prune(ctx)
	ids := make([]int32, len(pm.Phrases))
	for i, p := range pm.Phrases {
		ids[i] = p.ID
	}
	m.mu.Lock()
	m.phrases[h] = ids
	m.mu.Unlock()
	return h, nil
}

func (m *module) forget(h soundtrigger.ModelHandle) {
	m.mu.Lock()
	delete(m.phrases, h)
	m.mu.Unlock()
}

// prune drops the phrase ids of models the layer below no longer knows,
// such as models the hardware unloaded on its own.
func (m *module) prune(ctx context.Context) {
	m.mu.Lock()
	handles := make([]soundtrigger.ModelHandle, 0, len(m.phrases))
	for h := range m.phrases {
		handles = append(handles, h)
	}
	m.mu.Unlock()
	for _, h := range handles {
		if _, err := m.next.ModelState(ctx, h); errors.Is(err, soundtrigger.ErrInvalidHandle) {
			m.forget(h)
		}
	}
}

func checkPhraseModel(props soundtrigger.ModuleProperties, pm soundtrigger.PhraseSoundModel) error {
	const op = "LoadPhraseModel"
	if len(pm.Common.Data) == 0 {
		return soundtrigger.Errorf(op, soundtrigger.ErrInvalidArgument, "empty model data")
	}
	if len(pm.Phrases) == 0 {
		return soundtrigger.Errorf(op, soundtrigger.ErrInvalidArgument, "no phrases")
	}
	if int32(len(pm.Phrases)) > props.MaxKeyPhrases {
		return soundtrigger.Errorf(op, soundtrigger.ErrOutOfRange, "%d phrases, module allows %d", len(pm.Phrases), props.MaxKeyPhrases)
	}
	seen := make(map[int32]bool, len(pm.Phrases))
	for _, p := range pm.Phrases {
		if seen[p.ID] {
			return soundtrigger.Errorf(op, soundtrigger.ErrInvalidArgument, "duplicate phrase id %d", p.ID)
		}
		seen[p.ID] = true
		if int32(len(p.Users)) > props.MaxUsers {
			return soundtrigger.Errorf(op, soundtrigger.ErrOutOfRange, "phrase %d has %d users, module allows %d", p.ID, len(p.Users), props.MaxUsers)
		}
		if !props.RecognitionModes.Contains(p.RecognitionModes) {
			return soundtrigger.Errorf(op, soundtrigger.ErrOutOfRange, "phrase %d modes %s not in %s", p.ID, p.RecognitionModes, props.RecognitionModes)
		}
	}
	return nil
}

func (m *module) UnloadModel(ctx context.Context, h soundtrigger.ModelHandle) error {
	if _, err := m.state(ctx, "UnloadModel", h); err != nil {
		return err
	}
	err := m.next.UnloadModel(ctx, h)
	if err == nil {
		m.forget(h)
	}
	return err
}

func (m *module) StartRecognition(ctx context.Context, h soundtrigger.ModelHandle, cfg soundtrigger.RecognitionConfig) error {
	const op = "StartRecognition"
	st, err := m.state(ctx, op, h)
	if err != nil {
		return err
	}
	if st != soundtrigger.StateLoaded {
		return soundtrigger.Errorf(op, soundtrigger.ErrInvalidState, "model %d is %s", h, st)
	}
	m.mu.Lock()
	ids := m.phrases[h]
	m.mu.Unlock()
	if err := checkConfig(m.desc.Properties, ids, cfg); err != nil {
		return err
	}
	return m.next.StartRecognition(ctx, h, cfg)
}

func checkConfig(props soundtrigger.ModuleProperties, ids []int32, cfg soundtrigger.RecognitionConfig) error {
	const op = "StartRecognition"
	if !props.AudioCapabilities.Contains(cfg.AudioCapabilities) {
		return soundtrigger.Errorf(op, soundtrigger.ErrOutOfRange, "audio capabilities %#x not supported", uint32(cfg.AudioCapabilities))
	}
	for _, ex := range cfg.PhraseExtras {
		known := false
		for _, id := range ids {
			known = known || id == ex.ID
		}
		if !known {
			return soundtrigger.Errorf(op, soundtrigger.ErrOutOfRange, "unknown phrase id %d", ex.ID)
		}
		if !props.RecognitionModes.Contains(ex.RecognitionModes) {
			return soundtrigger.Errorf(op, soundtrigger.ErrOutOfRange, "phrase %d modes %s not in %s", ex.ID, ex.RecognitionModes, props.RecognitionModes)
		}
		if ex.ConfidenceLevel < 0 || ex.ConfidenceLevel > MaxConfidence {
			return soundtrigger.Errorf(op, soundtrigger.ErrOutOfRange, "phrase %d confidence %d", ex.ID, ex.ConfidenceLevel)
		}
		for _, l := range ex.Levels {
			if l.Level < 0 || l.Level > MaxConfidence {
				return soundtrigger.Errorf(op, soundtrigger.ErrOutOfRange, "phrase %d user %d confidence %d", ex.ID, l.UserID, l.Level)
			}
		}
	}
	return nil
}

func (m *module) StopRecognition(ctx context.Context, h soundtrigger.ModelHandle) error {
	if _, err := m.state(ctx, "StopRecognition", h); err != nil {
		return err
	}
	return m.next.StopRecognition(ctx, h)
}

func (m *module) ForceRecognitionEvent(ctx context.Context, h soundtrigger.ModelHandle) error {
	const op = "ForceRecognitionEvent"
	if !m.desc.Properties.SupportsForcedRecognition {
		return soundtrigger.Errorf(op, soundtrigger.ErrUnsupported, "module %s", m.desc.Name)
	}
	st, err := m.state(ctx, op, h)
	if err != nil {
		return err
	}
	if st != soundtrigger.StateActive {
		return soundtrigger.Errorf(op, soundtrigger.ErrInvalidState, "model %d is %s", h, st)
	}
	return m.next.ForceRecognitionEvent(ctx, h)
}

// supportedRange returns the range of p for model h as reported by the
// delegate. Parameters the module does not declare, or the model does not
// support, are out of range.
func (m *module) supportedRange(ctx context.Context, op string, h soundtrigger.ModelHandle, p soundtrigger.ModelParameter) (soundtrigger.ModelParameterRange, error) {
	if _, err := m.state(ctx, op, h); err != nil {
		return soundtrigger.ModelParameterRange{}, err
	}
	if _, ok := m.desc.Parameter(p); !ok {
		return soundtrigger.ModelParameterRange{}, soundtrigger.Errorf(op, soundtrigger.ErrOutOfRange, "parameter %s not declared by %s", p, m.desc.Name)
	}
	r, err := m.next.QueryModelParameterSupport(ctx, h, p)
	if err != nil {
		return soundtrigger.ModelParameterRange{}, err
	}
	if r == nil {
		return soundtrigger.ModelParameterRange{}, soundtrigger.Errorf(op, soundtrigger.ErrOutOfRange, "parameter %s not supported by model %d", p, h)
	}
	return *r, nil
}

func (m *module) SetModelParameter(ctx context.Context, h soundtrigger.ModelHandle, p soundtrigger.ModelParameter, value int32) error {
	const op = "SetModelParameter"
	r, err := m.supportedRange(ctx, op, h, p)
	if err != nil {
		return err
	}
	if !r.Contains(value) {
		return soundtrigger.Errorf(op, soundtrigger.ErrOutOfRange, "%s value %d outside [%d, %d]", p, value, r.Start, r.End)
	}
	return m.next.SetModelParameter(ctx, h, p, value)
}

func (m *module) GetModelParameter(ctx context.Context, h soundtrigger.ModelHandle, p soundtrigger.ModelParameter) (int32, error) {
	if _, err := m.supportedRange(ctx, "GetModelParameter", h, p); err != nil {
		return 0, err
	}
	return m.next.GetModelParameter(ctx, h, p)
}

func (m *module) QueryModelParameterSupport(ctx context.Context, h soundtrigger.ModelHandle, p soundtrigger.ModelParameter) (*soundtrigger.ModelParameterRange, error) {
	const op = "QueryModelParameterSupport"
	if _, err := m.state(ctx, op, h); err != nil {
		return nil, err
	}
	if !p.IsValid() {
		return nil, soundtrigger.Errorf(op, soundtrigger.ErrOutOfRange, "invalid parameter %d", int32(p))
	}
	return m.next.QueryModelParameterSupport(ctx, h, p)
}

func (m *module) ModelState(ctx context.Context, h soundtrigger.ModelHandle) (soundtrigger.ModelState, error) {
	return m.next.ModelState(ctx, h)
}

func (m *module) Detach(ctx context.Context) error {
	err := m.next.Detach(ctx)
	m.mu.Lock()
	clear(m.phrases)
	m.mu.Unlock()
	return err
}
