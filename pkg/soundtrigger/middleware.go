// Package soundtrigger defines the capability contract of the sound trigger
// middleware.
//
// A sound trigger module is an always-on, low-power audio pattern detector.
// Clients never talk to the hardware directly; they obtain a [Middleware],
// pick a module from [Middleware.ListModules] and call [Middleware.Attach] to
// open a session. The returned [Module] scopes every model handle the client
// creates, and all asynchronous notifications for those handles are delivered
// to the [Callback] given at attach time.
//
// The same two interfaces are implemented by the core implementation and by
// every decorator layered on top of it (validation, logging). A decorator's
// Attach must return a [Module] wrapped by a decorator of the same kind, so
// that every session call passes through the full chain.
//
// All methods must be safe for concurrent use. Calls on one [Module] are
// serialized by the implementation; calls on different modules proceed in
// parallel.
package soundtrigger

import "context"

// Middleware is the global (non-session) part of the contract.
type Middleware interface {
	// ListModules returns the descriptors of all available hardware modules in
	// registry order. The slice is a copy; callers may modify it.
	ListModules(ctx context.Context) ([]ModuleDescriptor, error)

	// Attach opens a new session on the module identified by handle. cb
	// receives every asynchronous event for models loaded through the returned
	// Module. Returns an error wrapping [ErrInvalidHandle] if handle does not
	// name a registered module.
	Attach(ctx context.Context, handle ModuleHandle, cb Callback) (Module, error)

	// SetExternalCaptureState tells the middleware whether another subsystem is
	// currently capturing audio. It applies to all modules and sessions.
	SetExternalCaptureState(ctx context.Context, active bool) error
}

// Module is the per-session part of the contract. A Module is created by
// [Middleware.Attach] and is valid until [Module.Detach]; after that every
// method returns an error wrapping [ErrSessionClosed].
type Module interface {
	// LoadModel loads a generic sound model and returns its new handle.
	LoadModel(ctx context.Context, model SoundModel) (ModelHandle, error)

	// LoadPhraseModel loads a keyphrase model and returns its new handle.
	LoadPhraseModel(ctx context.Context, model PhraseSoundModel) (ModelHandle, error)

	// UnloadModel unloads the model, stopping recognition first if active.
	// The handle is invalid afterwards.
	UnloadModel(ctx context.Context, handle ModelHandle) error

	// StartRecognition starts recognition on a loaded, inactive model.
	StartRecognition(ctx context.Context, handle ModelHandle, cfg RecognitionConfig) error

	// StopRecognition stops recognition. Stopping an inactive model is a
	// successful no-op.
	StopRecognition(ctx context.Context, handle ModelHandle) error

	// ForceRecognitionEvent synthesizes one recognition event with status
	// [StatusForced] for an active model.
	ForceRecognitionEvent(ctx context.Context, handle ModelHandle) error

	// SetModelParameter sets a runtime parameter of a loaded model.
	SetModelParameter(ctx context.Context, handle ModelHandle, param ModelParameter, value int32) error

	// GetModelParameter returns the current value of a runtime parameter.
	GetModelParameter(ctx context.Context, handle ModelHandle, param ModelParameter) (int32, error)

	// QueryModelParameterSupport returns the legal range of param for the
	// model, or nil if the model does not support it.
	QueryModelParameterSupport(ctx context.Context, handle ModelHandle, param ModelParameter) (*ModelParameterRange, error)

	// ModelState reports the lifecycle state of a model. It never changes
	// state and is how decorators inspect the session without keeping a copy.
	ModelState(ctx context.Context, handle ModelHandle) (ModelState, error)

	// Detach unloads every model of the session and closes it. Calling Detach
	// more than once is safe and returns nil.
	Detach(ctx context.Context) error
}

// Callback receives the asynchronous events of one session. Methods are
// invoked from a single dispatcher goroutine per session, in the order the
// underlying conditions occurred. Implementations should return quickly.
type Callback interface {
	// OnRecognition delivers a recognition result (success, abort, failure or
	// forced) for the model identified by handle.
	OnRecognition(handle ModelHandle, event RecognitionEvent)

	// OnModelUnloaded reports that the hardware unloaded the model on its own.
	// The handle is already invalid when this is called.
	OnModelUnloaded(handle ModelHandle)

	// OnRecognitionAvailabilityChange reports whether recognition can
	// currently be started, e.g. false while concurrent capture blocks it.
	OnRecognitionAvailabilityChange(available bool)

	// OnModuleDied reports that the hardware module went away. Every model of
	// the session has been unloaded; the session should be detached.
	OnModuleDied()
}
