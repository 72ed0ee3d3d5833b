package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/soundtrigger/internal/resilience"
	"github.com/MrWong99/soundtrigger/pkg/hal"
	"github.com/MrWong99/soundtrigger/pkg/soundtrigger"
)

// callerError marks a call that ended because the caller's own context was
// done, as opposed to the HAL timeout firing.
type callerError struct{ err error }

func (e callerError) Error() string { return e.err.Error() }
func (e callerError) Unwrap() error { return e.err }

// translate maps a driver error onto the middleware error kinds. Errors that
// already carry a kind are returned unchanged. The caller's own cancellation
// comes back as its context error, without a kind.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce callerError
	if errors.As(err, &ce) {
		return fmt.Errorf("soundtrigger: %s: %w", op, ce.err)
	}
	var se *soundtrigger.Error
	if errors.As(err, &se) {
		return err
	}
	kind := soundtrigger.ErrHardwareFailure
	switch {
	case errors.Is(err, hal.ErrNoSlots):
		kind = soundtrigger.ErrResourceExhausted
	case errors.Is(err, hal.ErrBusy):
		kind = soundtrigger.ErrResourceContention
	case errors.Is(err, hal.ErrUnsupported):
		kind = soundtrigger.ErrUnsupported
	}
	return soundtrigger.NewError(op, kind, err)
}

// isCallerDone reports whether err ended a call because the caller's own
// context was done.
func isCallerDone(err error) bool {
	var ce callerError
	return errors.As(err, &ce)
}

// isFault reports whether a driver error counts against the module's circuit
// breaker. Refusals and caller cancellations say nothing about the health of
// the hardware.
func isFault(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, hal.ErrNoSlots),
		errors.Is(err, hal.ErrBusy),
		errors.Is(err, hal.ErrUnsupported),
		errors.Is(err, hal.ErrUnknownModel),
		errors.Is(err, context.Canceled),
		errors.Is(err, resilience.ErrOpen),
		isCallerDone(err):
		return false
	}
	return true
}

// paramError reports a parameter the hardware does not support for the model
// as out of range, like one the module never declared.
func paramError(err error) error {
	var se *soundtrigger.Error
	if errors.As(err, &se) && se.Kind == soundtrigger.ErrUnsupported {
		return soundtrigger.NewError(se.Op, soundtrigger.ErrOutOfRange, se.Err)
	}
	return err
}
