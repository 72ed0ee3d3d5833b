package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/MrWong99/soundtrigger/internal/resilience"
	"github.com/MrWong99/soundtrigger/pkg/hal"
	"github.com/MrWong99/soundtrigger/pkg/soundtrigger"
)

func TestTranslate(t *testing.T) {
	dsp := errors.New("dsp watchdog reset")
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no slots", hal.ErrNoSlots, soundtrigger.ErrResourceExhausted},
		{"wrapped no slots", fmt.Errorf("keyphrases: %w", hal.ErrNoSlots), soundtrigger.ErrResourceExhausted},
		{"busy", hal.ErrBusy, soundtrigger.ErrResourceContention},
		{"unsupported", hal.ErrUnsupported, soundtrigger.ErrUnsupported},
		{"closed", hal.ErrClosed, soundtrigger.ErrHardwareFailure},
		{"timeout", context.DeadlineExceeded, soundtrigger.ErrHardwareFailure},
		{"anything else", dsp, soundtrigger.ErrHardwareFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translate("LoadModel", tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("translate(%v) = %v, want kind %v", tt.err, got, tt.want)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("translate(%v) lost the cause", tt.err)
			}
		})
	}

	if translate("LoadModel", nil) != nil {
		t.Error("translate(nil) != nil")
	}
	caller := translate("LoadModel", callerError{err: context.DeadlineExceeded})
	if !errors.Is(caller, context.DeadlineExceeded) || soundtrigger.Kind(caller) != nil {
		t.Errorf("caller deadline translated to %v, want the bare context error", caller)
	}

	kinded := soundtrigger.NewError("StartRecognition", soundtrigger.ErrInvalidState, nil)
	if got := translate("LoadModel", kinded); got != error(kinded) {
		t.Errorf("kinded error was rewrapped: %v", got)
	}
}

func TestIsFault(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{hal.ErrNoSlots, false},
		{hal.ErrBusy, false},
		{hal.ErrUnsupported, false},
		{hal.ErrUnknownModel, false},
		{context.Canceled, false},
		{resilience.ErrOpen, false},
		{callerError{err: context.DeadlineExceeded}, false},
		{fmt.Errorf("load: %w", callerError{err: context.Canceled}), false},
		{context.DeadlineExceeded, true},
		{hal.ErrClosed, true},
		{errors.New("dsp fault"), true},
	}
	for _, tt := range tests {
		if got := isFault(tt.err); got != tt.want {
			t.Errorf("isFault(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestParamError(t *testing.T) {
	err := paramError(translate("SetModelParameter", hal.ErrUnsupported))
	if !errors.Is(err, soundtrigger.ErrOutOfRange) {
		t.Errorf("err = %v, want ErrOutOfRange", err)
	}
	hw := translate("SetModelParameter", errors.New("dsp fault"))
	if paramError(hw) != hw {
		t.Error("paramError changed a hardware failure")
	}
}
