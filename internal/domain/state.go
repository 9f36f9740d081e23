package domain

type State string

const (
	StateIdle               State = "idle"
	StateAwaitingPermission State = "awaiting_permission"
	StateRecording          State = "recording"
	StateEntitlementCheck   State = "entitlement_check"
	StateDispatching        State = "dispatching"
	StateSynthesizing       State = "synthesizing"
	StatePlaying            State = "playing"
	StateSettling           State = "settling"
	StateError              State = "error"
)

type Affordance string

const (
	AffordanceNone       Affordance = ""
	AffordanceSubscribe  Affordance = "subscribe"
	AffordanceBuyCredits Affordance = "buy_credits"
	AffordanceManualPlay Affordance = "manual_play"
	AffordanceSignIn     Affordance = "sign_in"
)

const GreetingText = "I'm your personal assistant, ask me anything about your body."

// View is the UI-facing snapshot rendered after every transition.
type View struct {
	State State `json:"state"`
	// Failure is set while State is StateError.
	Failure FailureKind `json:"failure,omitempty"`
	// Message is the user-visible error or warning text.
	Message       string     `json:"message,omitempty"`
	Warning       bool       `json:"warning,omitempty"`
	Caption       string     `json:"caption,omitempty"`
	AssistantText string     `json:"assistantText,omitempty"`
	Affordance    Affordance `json:"affordance,omitempty"`
	AudioURI      string     `json:"audioUri,omitempty"`
}

// Busy reports whether a turn is in flight.
func (v View) Busy() bool {
	return v.State != StateIdle && v.State != StateError
}
