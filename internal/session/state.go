package session

import (
	"time"

	"intake-bridge/internal/core"
	"intake-bridge/pkg"
)

// Phase is the lifecycle position of a call.
type Phase string

const (
	PhaseInit            Phase = "INIT"
	PhaseStreamStarting  Phase = "STREAM_STARTING"
	PhaseGreeted         Phase = "GREETED"
	PhaseAwaitingConsent Phase = "AWAITING_CONSENT"
	PhaseIntakeActive    Phase = "INTAKE_ACTIVE"
	PhaseCloseRequested  Phase = "CLOSE_REQUESTED"
	PhaseClosed          Phase = "CLOSED"
	PhaseError           Phase = "ERROR"
)

// Terminal reports whether the call is over.
func (p Phase) Terminal() bool {
	return p == PhaseClosed || p == PhaseError
}

// transitions lists every legal phase change.  CLOSED and ERROR are
// reachable from every live phase and lead nowhere.  GREETED is only
// reachable from STREAM_STARTING, which is what makes the greeting
// one-shot.
var transitions = map[Phase][]Phase{
	PhaseInit:            {PhaseStreamStarting, PhaseIntakeActive},
	PhaseStreamStarting:  {PhaseGreeted, PhaseIntakeActive},
	PhaseGreeted:         {PhaseAwaitingConsent, PhaseIntakeActive},
	PhaseAwaitingConsent: {PhaseIntakeActive},
	PhaseIntakeActive:    {PhaseCloseRequested},
	PhaseCloseRequested:  {},
}

func canTransition(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	if to.Terminal() {
		return true
	}
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// VoiceProfile names the synthesized voice in use.  It is recorded with
// assistant messages and otherwise informational.
type VoiceProfile string

const (
	VoiceIntro    VoiceProfile = "intro"
	VoiceQuestion VoiceProfile = "question"
)

// Session is the state of one call.  Only the controller's event loop reads
// or writes it.
type Session struct {
	ID              string
	ConversationRef string
	StreamSID       string
	CallSID         string
	Phase           Phase
	VoiceProfile    VoiceProfile
	PendingClose    bool
	Coverage        *core.Coverage
	Clinical        pkg.ClinicalFields
	Transcript      []pkg.Message
	StartedAt       time.Time

	ModelOpen         bool
	SessionConfigured bool
	StreamStarted     bool

	// completing is set once the caller confirmed the close.
	completing bool
	// pendingScripted counts scripted utterances whose response has not been
	// created yet; scriptedResponses holds the ids once it has.  Items from
	// those responses were already logged when they were spoken.
	pendingScripted   int
	scriptedResponses map[string]bool
	// activeResponse is the model response currently in flight.  Responses
	// cut off by an interrupt land in cancelledResponses; their partial
	// items never reach the transcript.
	activeResponse     string
	cancelledResponses map[string]bool
	seenItems          map[string]bool
}

func newSession(id string, categories []core.Category, now time.Time) *Session {
	return &Session{
		ID:                 id,
		Phase:              PhaseInit,
		VoiceProfile:       VoiceIntro,
		Coverage:           core.NewCoverage(categories),
		Clinical:           pkg.ClinicalFields{},
		StartedAt:          now,
		scriptedResponses:  make(map[string]bool),
		cancelledResponses: make(map[string]bool),
		seenItems:          make(map[string]bool),
	}
}
