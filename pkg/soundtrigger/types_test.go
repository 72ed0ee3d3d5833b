package soundtrigger

import "testing"

func TestRecognitionModes(t *testing.T) {
	m := ModeVoiceTrigger | ModeUserIdentification
	if !m.Contains(ModeVoiceTrigger) {
		t.Error("Contains(voice_trigger) = false")
	}
	if m.Contains(ModeVoiceTrigger | ModeGenericTrigger) {
		t.Error("Contains(voice_trigger|generic_trigger) = true")
	}
	if got := m.String(); got != "voice_trigger|user_identification" {
		t.Errorf("String() = %q", got)
	}
	if got := RecognitionModes(0).String(); got != "none" {
		t.Errorf("String() = %q, want none", got)
	}
}

func TestModuleDescriptor_ParameterAndClone(t *testing.T) {
	d := ModuleDescriptor{
		Name: "dsp",
		Parameters: []ParameterSupport{
			{Param: ParamThresholdFactor, Range: ModelParameterRange{Start: -10, End: 10}},
		},
	}
	r, ok := d.Parameter(ParamThresholdFactor)
	if !ok || r.Start != -10 || r.End != 10 {
		t.Fatalf("Parameter = %+v, %v", r, ok)
	}
	if _, ok := d.Parameter(ParamInvalid); ok {
		t.Error("Parameter(invalid) reported as declared")
	}

	c := d.Clone()
	c.Parameters[0].Range.End = 99
	if d.Parameters[0].Range.End != 10 {
		t.Error("Clone shares the Parameters slice with the original")
	}
}

func TestRecognitionStatus_EndsRecognition(t *testing.T) {
	for _, s := range []RecognitionStatus{StatusSuccess, StatusAborted, StatusFailure} {
		if !s.EndsRecognition() {
			t.Errorf("%s.EndsRecognition() = false, want true", s)
		}
	}
	if StatusForced.EndsRecognition() {
		t.Error("forced.EndsRecognition() = true, want false")
	}
}

func TestParseModelParameter(t *testing.T) {
	if got := ParseModelParameter("threshold_factor"); got != ParamThresholdFactor {
		t.Errorf("ParseModelParameter = %v", got)
	}
	if got := ParseModelParameter("gain"); got != ParamInvalid {
		t.Errorf("ParseModelParameter(gain) = %v, want invalid", got)
	}
}
