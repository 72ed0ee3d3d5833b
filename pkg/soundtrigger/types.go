package soundtrigger

import "strings"

// ModuleHandle identifies a hardware module. Handles are assigned by the
// module registry and are stable for the lifetime of the process.
type ModuleHandle int32

// ModelHandle identifies a loaded model within one session. Handles are
// opaque: callers must not derive meaning from the numeric value, and a handle
// is never valid in a session other than the one that created it.
type ModelHandle int32

// RecognitionModes is a bitmask of recognition modes supported by a module or
// requested for a keyphrase.
type RecognitionModes uint32

const (
	// ModeVoiceTrigger is simple voice trigger recognition.
	ModeVoiceTrigger RecognitionModes = 1 << iota

	// ModeUserIdentification adds speaker identification to the trigger.
	ModeUserIdentification

	// ModeUserAuthentication adds speaker authentication to the trigger.
	ModeUserAuthentication

	// ModeGenericTrigger is recognition of a non-speech generic sound model.
	ModeGenericTrigger
)

// Contains reports whether every bit of other is set in m.
func (m RecognitionModes) Contains(other RecognitionModes) bool {
	return m&other == other
}

// String returns a '|' separated list of mode names.
func (m RecognitionModes) String() string {
	names := []struct {
		bit  RecognitionModes
		name string
	}{
		{ModeVoiceTrigger, "voice_trigger"},
		{ModeUserIdentification, "user_identification"},
		{ModeUserAuthentication, "user_authentication"},
		{ModeGenericTrigger, "generic_trigger"},
	}
	var parts []string
	for _, n := range names {
		if m&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// AudioCapabilities is a bitmask of audio pre-processing features.
type AudioCapabilities uint32

const (
	// AudioEchoCancellation is acoustic echo cancellation.
	AudioEchoCancellation AudioCapabilities = 1 << iota

	// AudioNoiseSuppression is noise suppression.
	AudioNoiseSuppression
)

// Contains reports whether every bit of other is set in c.
func (c AudioCapabilities) Contains(other AudioCapabilities) bool {
	return c&other == other
}

// ModuleProperties describes the static capabilities of a hardware module.
type ModuleProperties struct {
	Implementor string
	Description string
	Version     int32
	UUID        string

	// MaxSoundModels is the number of model slots of the module. Zero means
	// the module cannot load any model.
	MaxSoundModels int32

	// MaxKeyPhrases is the maximum number of keyphrases across all loaded
	// keyphrase models.
	MaxKeyPhrases int32

	// MaxUsers is the maximum number of users per keyphrase.
	MaxUsers int32

	RecognitionModes RecognitionModes

	// CaptureTransition reports whether audio capture can continue from the
	// trigger into the recognized utterance.
	CaptureTransition bool

	MaxBufferMs int32

	// ConcurrentCapture reports whether recognition keeps running while
	// another subsystem captures audio.
	ConcurrentCapture bool

	// TriggerInEvent reports whether the trigger audio is returned in the
	// event data.
	TriggerInEvent bool

	PowerConsumptionMw int32

	AudioCapabilities AudioCapabilities

	// SupportsForcedRecognition reports whether ForceRecognitionEvent may be
	// used with this module.
	SupportsForcedRecognition bool
}

// ModelParameter identifies a runtime-tunable model parameter.
type ModelParameter int32

const (
	// ParamInvalid is never a valid parameter.
	ParamInvalid ModelParameter = -1

	// ParamThresholdFactor scales the detection threshold of a model.
	ParamThresholdFactor ModelParameter = 0
)

// IsValid reports whether p names a known parameter.
func (p ModelParameter) IsValid() bool {
	return p == ParamThresholdFactor
}

// String returns the parameter's name.
func (p ModelParameter) String() string {
	switch p {
	case ParamThresholdFactor:
		return "threshold_factor"
	default:
		return "invalid"
	}
}

// ParseModelParameter converts a configuration name back into a
// [ModelParameter]. It returns [ParamInvalid] for unknown names.
func ParseModelParameter(name string) ModelParameter {
	if name == ParamThresholdFactor.String() {
		return ParamThresholdFactor
	}
	return ParamInvalid
}

// ModelParameterRange is the inclusive range of legal values of a parameter.
type ModelParameterRange struct {
	Start int32
	End   int32
}

// Contains reports whether v lies within the range.
func (r ModelParameterRange) Contains(v int32) bool {
	return v >= r.Start && v <= r.End
}

// ParameterSupport pairs a declared parameter with its legal range.
type ParameterSupport struct {
	Param ModelParameter
	Range ModelParameterRange
}

// ModuleDescriptor describes one hardware module as returned by
// [Middleware.ListModules]. Descriptors are immutable.
type ModuleDescriptor struct {
	Handle     ModuleHandle
	Name       string
	Properties ModuleProperties

	// Parameters lists the model parameters the module declares, with the
	// range each one supports.
	Parameters []ParameterSupport
}

// Parameter returns the declared range of p, if the module declares it.
func (d ModuleDescriptor) Parameter(p ModelParameter) (ModelParameterRange, bool) {
	for _, ps := range d.Parameters {
		if ps.Param == p {
			return ps.Range, true
		}
	}
	return ModelParameterRange{}, false
}

// Clone returns a deep copy of d.
func (d ModuleDescriptor) Clone() ModuleDescriptor {
	if d.Parameters != nil {
		d.Parameters = append([]ParameterSupport(nil), d.Parameters...)
	}
	return d
}

// SoundModel is a generic sound model payload.
type SoundModel struct {
	// VendorUUID identifies the model format understood by the hardware.
	VendorUUID string

	// UUID identifies this particular model.
	UUID string

	// Data is the opaque model blob.
	Data []byte
}

// Phrase is one keyphrase of a [PhraseSoundModel].
type Phrase struct {
	ID               int32
	RecognitionModes RecognitionModes
	Users            []int32
	Locale           string
	Text             string
}

// PhraseSoundModel is a keyphrase model: a sound model plus the phrases it
// recognizes.
type PhraseSoundModel struct {
	Common  SoundModel
	Phrases []Phrase
}

// ConfidenceLevel is a per-user confidence requirement.
type ConfidenceLevel struct {
	UserID int32
	Level  int32
}

// PhraseRecognitionExtra carries per-phrase recognition parameters in a
// [RecognitionConfig] and per-phrase results in a [RecognitionEvent].
type PhraseRecognitionExtra struct {
	ID               int32
	RecognitionModes RecognitionModes
	ConfidenceLevel  int32
	Levels           []ConfidenceLevel
}

// RecognitionConfig configures one StartRecognition call.
type RecognitionConfig struct {
	// CaptureRequested asks the hardware to keep capturing audio after a
	// trigger so the client can read the utterance.
	CaptureRequested bool

	PhraseExtras      []PhraseRecognitionExtra
	AudioCapabilities AudioCapabilities

	// Data is opaque vendor-specific configuration.
	Data []byte
}

// RecognitionStatus is the outcome reported by a [RecognitionEvent].
type RecognitionStatus int

const (
	StatusSuccess RecognitionStatus = iota
	StatusAborted
	StatusFailure
	StatusForced
)

// String returns the status name.
func (s RecognitionStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusAborted:
		return "aborted"
	case StatusFailure:
		return "failure"
	case StatusForced:
		return "forced"
	default:
		return "unknown"
	}
}

// EndsRecognition reports whether a model returns to [StateLoaded] after an
// event with this status. Only forced events leave recognition running.
func (s RecognitionStatus) EndsRecognition() bool {
	return s != StatusForced
}

// RecognitionEvent is delivered through [Callback.OnRecognition].
type RecognitionEvent struct {
	Status            RecognitionStatus
	CaptureAvailable  bool
	CaptureSession    int32
	CaptureDelayMs    int32
	CapturePreambleMs int32
	TriggerInData     bool
	Data              []byte

	// Phrases is set for keyphrase models and lists the phrases that fired.
	Phrases []PhraseRecognitionExtra
}

// ModelState is the lifecycle state of a loaded model.
type ModelState int

const (
	// StateUnloaded means the handle does not (or no longer) exist.
	StateUnloaded ModelState = iota

	// StateLoaded means the model is loaded and not recognizing.
	StateLoaded

	// StateActive means recognition is running.
	StateActive
)

// String returns the state name.
func (s ModelState) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}
