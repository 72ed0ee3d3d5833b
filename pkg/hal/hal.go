// Package hal defines the boundary between the middleware core and the sound
// trigger hardware drivers.
//
// A [Factory] connects to one hardware module and returns a [Driver], the
// live connection through which models are loaded and recognition is started.
// The driver reports asynchronous events back through the [EventSink] passed
// to Connect. Model handles at this level ([ModelHandle]) belong to the
// hardware and are never shown to middleware clients.
//
// Driver methods may block on the hardware. They must honour ctx: when ctx is
// done the driver should abandon the call as soon as it can and return
// ctx.Err(). The core serializes driver calls per connection, so
// implementations do not need their own locking for calls, but events may be
// emitted from any goroutine.
package hal

import (
	"context"
	"errors"

	"github.com/MrWong99/soundtrigger/pkg/soundtrigger"
)

// Driver-level outcomes. The core translates them into the middleware error
// kinds; any other error is treated as a hardware failure.
var (
	// ErrNoSlots is returned by the load calls when every model slot is in use.
	ErrNoSlots = errors.New("hal: no free model slots")

	// ErrBusy is returned when the hardware is temporarily unable to serve the
	// request.
	ErrBusy = errors.New("hal: busy")

	// ErrUnsupported is returned for operations the hardware does not
	// implement.
	ErrUnsupported = errors.New("hal: unsupported")

	// ErrUnknownModel is returned for a hardware model handle the driver does
	// not know.
	ErrUnknownModel = errors.New("hal: unknown model")

	// ErrClosed is returned by any call after Close.
	ErrClosed = errors.New("hal: driver closed")
)

// ModelHandle is the hardware's own identifier for a loaded model.
type ModelHandle int32

// EventSink receives asynchronous notifications from a [Driver].
type EventSink interface {
	// OnRecognition reports a recognition result for a hardware model.
	OnRecognition(model ModelHandle, event soundtrigger.RecognitionEvent)

	// OnModelUnloaded reports that the hardware dropped a model on its own.
	OnModelUnloaded(model ModelHandle)

	// OnServiceDied reports that the connection is gone for good.
	OnServiceDied()
}

// Driver is a live connection to one hardware module.
type Driver interface {
	LoadModel(ctx context.Context, model soundtrigger.SoundModel) (ModelHandle, error)
	LoadPhraseModel(ctx context.Context, model soundtrigger.PhraseSoundModel) (ModelHandle, error)
	UnloadModel(ctx context.Context, model ModelHandle) error
	StartRecognition(ctx context.Context, model ModelHandle, cfg soundtrigger.RecognitionConfig) error
	StopRecognition(ctx context.Context, model ModelHandle) error
	SetParameter(ctx context.Context, model ModelHandle, param soundtrigger.ModelParameter, value int32) error
	GetParameter(ctx context.Context, model ModelHandle, param soundtrigger.ModelParameter) (int32, error)

	// QueryParameter returns the supported range of param for the model, or
	// nil if the model does not support it.
	QueryParameter(ctx context.Context, model ModelHandle, param soundtrigger.ModelParameter) (*soundtrigger.ModelParameterRange, error)

	// SetExternalCapture informs the hardware of a concurrent audio capture so
	// it can adjust power or sensitivity.
	SetExternalCapture(ctx context.Context, active bool) error

	// Close releases the connection. Calling Close more than once is safe.
	Close() error
}

// Factory connects to a hardware module. It is the only way the core obtains
// a [Driver], which keeps driver discovery out of the core.
type Factory interface {
	Connect(ctx context.Context, desc soundtrigger.ModuleDescriptor, sink EventSink) (Driver, error)
}

// FactoryFunc adapts a plain function to [Factory].
type FactoryFunc func(ctx context.Context, desc soundtrigger.ModuleDescriptor, sink EventSink) (Driver, error)

// Connect calls f.
func (f FactoryFunc) Connect(ctx context.Context, desc soundtrigger.ModuleDescriptor, sink EventSink) (Driver, error) {
	return f(ctx, desc, sink)
}
