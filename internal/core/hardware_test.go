package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/soundtrigger/internal/core"
	"github.com/MrWong99/soundtrigger/internal/resilience"
	"github.com/MrWong99/soundtrigger/pkg/hal"
	halmock "github.com/MrWong99/soundtrigger/pkg/hal/mock"
	"github.com/MrWong99/soundtrigger/pkg/soundtrigger"
	"github.com/MrWong99/soundtrigger/pkg/soundtrigger/mock"
)

type mockFixture struct {
	core    *core.Core
	factory *halmock.Factory
	driver  *halmock.Driver
	module  soundtrigger.ModuleHandle
}

func newMockFixture(t *testing.T, desc soundtrigger.ModuleDescriptor, opts ...core.Option) *mockFixture {
	t.Helper()
	drv := &halmock.Driver{ParamRange: &soundtrigger.ModelParameterRange{Start: -10, End: 10}}
	f := &halmock.Factory{Driver: drv}
	reg := hal.NewRegistry()
	h, err := reg.Register(desc, f)
	if err != nil {
		t.Fatal(err)
	}
	base := []core.Option{core.WithMetrics(testMetrics(t)), core.WithHALTimeout(50 * time.Millisecond)}
	c := core.New(reg, append(base, opts...)...)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return &mockFixture{core: c, factory: f, driver: drv, module: h}
}

func (f *mockFixture) attach(t *testing.T) soundtrigger.Module {
	t.Helper()
	m, err := f.core.Attach(context.Background(), f.module, &mock.Callback{})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestHardware_ErrorTranslation(t *testing.T) {
	tests := []struct {
		name   string
		hwErr  error
		want   error
		starts int
	}{
		{"busy", hal.ErrBusy, soundtrigger.ErrResourceContention, 1},
		{"unsupported", hal.ErrUnsupported, soundtrigger.ErrUnsupported, 1},
		{"fault", errors.New("dsp watchdog"), soundtrigger.ErrHardwareFailure, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMockFixture(t, testDescriptor("dsp0"))
			ctx := context.Background()
			m := f.attach(t)
			h := mustLoad(t, m)

			f.driver.SetErr(func(d *halmock.Driver) { d.StartErr = tt.hwErr })
			err := m.StartRecognition(ctx, h, soundtrigger.RecognitionConfig{})
			wantKind(t, err, tt.want)
			if !errors.Is(err, tt.hwErr) {
				t.Errorf("err = %v, lost the driver cause", err)
			}
			wantState(t, m, h, soundtrigger.StateLoaded)
		})
	}
}

func TestHardware_LoadNoSlots(t *testing.T) {
	f := newMockFixture(t, testDescriptor("dsp0"))
	m := f.attach(t)
	f.driver.SetErr(func(d *halmock.Driver) { d.LoadErr = hal.ErrNoSlots })

	_, err := m.LoadModel(context.Background(), genericModel)
	wantKind(t, err, soundtrigger.ErrResourceExhausted)
}

func TestHardware_StopOnLoadedSkipsDriver(t *testing.T) {
	f := newMockFixture(t, testDescriptor("dsp0"))
	m := f.attach(t)
	h := mustLoad(t, m)

	for range 3 {
		if err := m.StopRecognition(context.Background(), h); err != nil {
			t.Fatal(err)
		}
	}
	if n := f.driver.CountOp("StopRecognition"); n != 0 {
		t.Errorf("driver StopRecognition called %d times for a loaded model", n)
	}
}

func TestHardware_ReleaseFailuresStillRelease(t *testing.T) {
	f := newMockFixture(t, testDescriptor("dsp0"))
	ctx := context.Background()
	m := f.attach(t)
	h := mustLoad(t, m)
	if err := m.StartRecognition(ctx, h, soundtrigger.RecognitionConfig{}); err != nil {
		t.Fatal(err)
	}
	f.driver.SetErr(func(d *halmock.Driver) {
		d.StopErr = errors.New("dsp refused")
		d.UnloadErr = errors.New("dsp refused")
	})

	if err := m.StopRecognition(ctx, h); err != nil {
		t.Fatalf("StopRecognition = %v, want success", err)
	}
	wantState(t, m, h, soundtrigger.StateLoaded)
	if err := m.UnloadModel(ctx, h); err != nil {
		t.Fatalf("UnloadModel = %v, want success", err)
	}
	_, err := m.ModelState(ctx, h)
	wantKind(t, err, soundtrigger.ErrInvalidHandle)
}

func TestHardware_CallTimesOut(t *testing.T) {
	f := newMockFixture(t, testDescriptor("dsp0"))
	m := f.attach(t)
	block := make(chan struct{})
	defer close(block)
	f.driver.SetBlock(block)

	start := time.Now()
	_, err := m.LoadModel(context.Background(), genericModel)
	wantKind(t, err, soundtrigger.ErrHardwareFailure)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded cause", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("LoadModel took %v despite the HAL timeout", d)
	}
}

func TestHardware_CallerCancellation(t *testing.T) {
	f := newMockFixture(t, testDescriptor("dsp0"), core.WithHALTimeout(time.Minute),
		core.WithBreaker(resilience.BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}))
	impatient := f.attach(t)
	other := f.attach(t)
	block := make(chan struct{})
	f.driver.SetBlock(block)

	for range 5 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		_, err := impatient.LoadModel(ctx, genericModel)
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("err = %v, want the caller's deadline", err)
		}
		if k := soundtrigger.Kind(err); k != nil {
			t.Fatalf("err = %v carries kind %v, want none", err, k)
		}
	}
	close(block)
	f.driver.SetBlock(nil)

	if err := f.core.Healthy(f.module); err != nil {
		t.Errorf("Healthy = %v after caller deadlines", err)
	}
	if _, err := other.LoadModel(context.Background(), genericModel); err != nil {
		t.Errorf("LoadModel in another session = %v, want success", err)
	}
}

// lastRecognitionOp returns the last start or stop the driver saw for hw.
func lastRecognitionOp(d *halmock.Driver, hw hal.ModelHandle) string {
	last := ""
	for _, c := range d.Snapshot() {
		if c.Model == hw && (c.Op == "StartRecognition" || c.Op == "StopRecognition") {
			last = c.Op
		}
	}
	return last
}

func TestHardware_LateStartIsUndone(t *testing.T) {
	f := newMockFixture(t, testDescriptor("dsp0"))
	ctx := context.Background()
	m := f.attach(t)
	h := mustLoad(t, m)

	release := make(chan struct{})
	f.driver.Stall("StartRecognition", release)
	wantKind(t, m.StartRecognition(ctx, h, soundtrigger.RecognitionConfig{}), soundtrigger.ErrHardwareFailure)
	wantState(t, m, h, soundtrigger.StateLoaded)
	close(release)

	deadline := time.Now().Add(waitTimeout)
	for lastRecognitionOp(f.driver, 100) != "StopRecognition" {
		if time.Now().After(deadline) {
			t.Fatalf("late start never stopped, driver saw %v", f.driver.Ops())
		}
		time.Sleep(5 * time.Millisecond)
	}
	wantState(t, m, h, soundtrigger.StateLoaded)
}

func TestHardware_LateStartKeepsRetriedRecognition(t *testing.T) {
	f := newMockFixture(t, testDescriptor("dsp0"), core.WithHALTimeout(100*time.Millisecond))
	ctx := context.Background()
	m := f.attach(t)
	h := mustLoad(t, m)

	release := make(chan struct{})
	f.driver.Stall("StartRecognition", release)
	wantKind(t, m.StartRecognition(ctx, h, soundtrigger.RecognitionConfig{}), soundtrigger.ErrHardwareFailure)

	// The retry queues behind the stalled call, which then completes late.
	retry := make(chan error, 1)
	go func() { retry <- m.StartRecognition(ctx, h, soundtrigger.RecognitionConfig{}) }()
	time.Sleep(10 * time.Millisecond)
	close(release)
	if err := <-retry; err != nil {
		t.Fatalf("retried StartRecognition: %v", err)
	}

	// Give the abandoned call's undo time to run.
	time.Sleep(100 * time.Millisecond)
	wantState(t, m, h, soundtrigger.StateActive)
	if op := lastRecognitionOp(f.driver, 100); op != "StartRecognition" {
		t.Errorf("hardware last saw %s, want it still recognizing; ops %v", op, f.driver.Ops())
	}
}

func TestHardware_StartOnActiveDuringCaptureIsInvalidState(t *testing.T) {
	f := newMockFixture(t, testDescriptor("dsp0"), core.WithHALTimeout(time.Second))
	ctx := context.Background()
	m := f.attach(t)
	h := mustLoad(t, m)
	if err := m.StartRecognition(ctx, h, soundtrigger.RecognitionConfig{}); err != nil {
		t.Fatal(err)
	}

	// Hold the capture change in the driver, before recognitions are aborted.
	release := make(chan struct{})
	f.driver.Stall("SetExternalCapture", release)
	done := make(chan error, 1)
	go func() { done <- f.core.SetExternalCaptureState(ctx, true) }()
	deadline := time.Now().Add(waitTimeout)
	for f.driver.CountOp("SetExternalCapture") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("capture change never reached the driver")
		}
		time.Sleep(time.Millisecond)
	}

	wantKind(t, m.StartRecognition(ctx, h, soundtrigger.RecognitionConfig{}), soundtrigger.ErrInvalidState)
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("SetExternalCaptureState: %v", err)
	}
}

func TestHardware_StopAndDetachProceedWhenHardwareHangs(t *testing.T) {
	f := newMockFixture(t, testDescriptor("dsp0"), core.WithHALTimeout(time.Minute))
	m := f.attach(t)
	h := mustLoad(t, m)
	if err := m.StartRecognition(context.Background(), h, soundtrigger.RecognitionConfig{}); err != nil {
		t.Fatal(err)
	}
	block := make(chan struct{})
	defer close(block)
	f.driver.SetBlock(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.StopRecognition(ctx, h); err != nil {
		t.Fatalf("StopRecognition = %v, want success", err)
	}
	wantState(t, m, h, soundtrigger.StateLoaded)

	done := make(chan error, 1)
	go func() { done <- m.Detach(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Detach: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Detach blocked on hung hardware")
	}
	if f.core.Sessions() != 0 {
		t.Errorf("Sessions = %d after detach", f.core.Sessions())
	}
}

func TestHardware_BreakerOpensOnRepeatedFaults(t *testing.T) {
	f := newMockFixture(t, testDescriptor("dsp0"),
		core.WithBreaker(resilience.BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}))
	ctx := context.Background()
	m := f.attach(t)
	h := mustLoad(t, m)
	f.driver.SetErr(func(d *halmock.Driver) { d.StartErr = errors.New("dsp fault") })

	for range 2 {
		wantKind(t, m.StartRecognition(ctx, h, soundtrigger.RecognitionConfig{}), soundtrigger.ErrHardwareFailure)
	}
	if err := f.core.Healthy(f.module); err == nil {
		t.Error("Healthy = nil with the breaker open")
	}

	err := m.StartRecognition(ctx, h, soundtrigger.RecognitionConfig{})
	wantKind(t, err, soundtrigger.ErrHardwareFailure)
	if !errors.Is(err, resilience.ErrOpen) {
		t.Errorf("err = %v, want breaker rejection", err)
	}
	if n := f.driver.CountOp("StartRecognition"); n != 2 {
		t.Errorf("driver saw %d starts, want 2", n)
	}

	// Releases bypass the breaker.
	if err := m.UnloadModel(ctx, h); err != nil {
		t.Fatal(err)
	}
	if n := f.driver.CountOp("UnloadModel"); n != 1 {
		t.Errorf("driver saw %d unloads, want 1", n)
	}
}

func TestHardware_RefusalsDoNotTripBreaker(t *testing.T) {
	f := newMockFixture(t, testDescriptor("dsp0"),
		core.WithBreaker(resilience.BreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}))
	m := f.attach(t)
	f.driver.SetErr(func(d *halmock.Driver) { d.LoadErr = hal.ErrNoSlots })

	for range 3 {
		_, err := m.LoadModel(context.Background(), genericModel)
		wantKind(t, err, soundtrigger.ErrResourceExhausted)
	}
	if err := f.core.Healthy(f.module); err != nil {
		t.Errorf("Healthy = %v after expected refusals", err)
	}
}

func TestHardware_Healthy(t *testing.T) {
	f := newMockFixture(t, testDescriptor("dsp0"))
	if err := f.core.Healthy(f.module); err != nil {
		t.Errorf("idle module unhealthy: %v", err)
	}
	wantKind(t, f.core.Healthy(f.module+5), soundtrigger.ErrInvalidHandle)
}

func TestHardware_UnsupportedParameterIsOutOfRange(t *testing.T) {
	f := newMockFixture(t, testDescriptor("dsp0"))
	ctx := context.Background()
	m := f.attach(t)
	h := mustLoad(t, m)
	f.driver.SetErr(func(d *halmock.Driver) {
		d.SetParamErr = hal.ErrUnsupported
		d.GetParamErr = hal.ErrUnsupported
	})

	wantKind(t, m.SetModelParameter(ctx, h, soundtrigger.ParamThresholdFactor, 1), soundtrigger.ErrOutOfRange)
	_, err := m.GetModelParameter(ctx, h, soundtrigger.ParamThresholdFactor)
	wantKind(t, err, soundtrigger.ErrOutOfRange)
}

func TestHardware_UndeclaredParameterSkipsDriver(t *testing.T) {
	desc := testDescriptor("dsp0")
	desc.Parameters = nil
	f := newMockFixture(t, desc)
	ctx := context.Background()
	m := f.attach(t)
	h := mustLoad(t, m)

	r, err := m.QueryModelParameterSupport(ctx, h, soundtrigger.ParamThresholdFactor)
	if r != nil || err != nil {
		t.Fatalf("QueryModelParameterSupport = %+v, %v; want nil, nil", r, err)
	}
	wantKind(t, m.SetModelParameter(ctx, h, soundtrigger.ParamThresholdFactor, 0), soundtrigger.ErrOutOfRange)
	if n := f.driver.CountOp("QueryParameter") + f.driver.CountOp("SetParameter"); n != 0 {
		t.Errorf("driver saw %d parameter calls", n)
	}
}

func TestHardware_ConnectFailure(t *testing.T) {
	f := newMockFixture(t, testDescriptor("dsp0"))
	f.factory.ConnectErr = errors.New("no such device")

	_, err := f.core.Attach(context.Background(), f.module, &mock.Callback{})
	wantKind(t, err, soundtrigger.ErrHardwareFailure)
	if f.core.Sessions() != 0 {
		t.Errorf("failed attach left %d sessions", f.core.Sessions())
	}
}

func TestHardware_ConnectionClosedOnLastDetach(t *testing.T) {
	f := newMockFixture(t, testDescriptor("dsp0"))
	ctx := context.Background()
	a := f.attach(t)
	b := f.attach(t)
	if n := f.factory.Connects(); n != 1 {
		t.Fatalf("Connects = %d, want 1", n)
	}

	if err := a.Detach(ctx); err != nil {
		t.Fatal(err)
	}
	if n := f.driver.Closes(); n != 0 {
		t.Fatalf("driver closed with a session still attached")
	}
	if err := b.Detach(ctx); err != nil {
		t.Fatal(err)
	}
	if n := f.driver.Closes(); n != 1 {
		t.Errorf("Closes = %d, want 1", n)
	}
}
