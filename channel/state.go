package channel

import "strings"

// State is the FreeSWITCH channel-state enum of spec §3, ordered so
// that comparisons (current >= target, current.IsTerminal()) are
// meaningful.
type State int

const (
	StateNew State = iota
	StateInit
	StateRouting
	StateSoftExecute
	StateExecute
	StateExchangeMedia
	StatePark
	StateConsumeMedia
	StateHibernate
	StateReset
	StateHangup
	StateReporting
	StateDestroy
	StateNone
)

var stateNames = [...]string{
	"NEW", "INIT", "ROUTING", "SOFT_EXECUTE", "EXECUTE", "EXCHANGE_MEDIA",
	"PARK", "CONSUME_MEDIA", "HIBERNATE", "RESET", "HANGUP", "REPORTING",
	"DESTROY", "NONE",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// IsTerminal reports whether s is HANGUP or beyond: no further commands
// may be sent against a channel once it has reached a terminal state
// (spec §3 Channel invariant).
func (s State) IsTerminal() bool {
	return s >= StateHangup
}

var csStateNames = map[string]State{
	"CS_NEW":            StateNew,
	"CS_INIT":           StateInit,
	"CS_ROUTING":        StateRouting,
	"CS_SOFT_EXECUTE":   StateSoftExecute,
	"CS_EXECUTE":        StateExecute,
	"CS_EXCHANGE_MEDIA": StateExchangeMedia,
	"CS_PARK":           StatePark,
	"CS_CONSUME_MEDIA":  StateConsumeMedia,
	"CS_HIBERNATE":      StateHibernate,
	"CS_RESET":          StateReset,
	"CS_HANGUP":         StateHangup,
	"CS_REPORTING":      StateReporting,
	"CS_DESTROY":        StateDestroy,
	"CS_NONE":           StateNone,
}

// stateFromNumber converts Channel-State-Number (the preferred source,
// per spec §3) to a State.
func stateFromNumber(n int) (State, bool) {
	if n < 0 || n >= len(stateNames) {
		return 0, false
	}
	return State(n), true
}

// stateFromString converts a "CS_*" Channel-State value to a State.
func stateFromString(s string) (State, bool) {
	st, ok := csStateNames[strings.TrimSpace(s)]
	return st, ok
}

// CallState is the call-progress enum of spec §3, derived from
// Channel-Call-State (EARLY_MEDIA normalizes to EARLY).
type CallState int

const (
	CallStateDown CallState = iota
	CallStateDialing
	CallStateRinging
	CallStateEarly
	CallStateActive
	CallStateHeld
	CallStateRingWait
	CallStateHangup
	CallStateUnheld
)

var callStateNames = [...]string{
	"DOWN", "DIALING", "RINGING", "EARLY", "ACTIVE", "HELD", "RING_WAIT",
	"HANGUP", "UNHELD",
}

func (s CallState) String() string {
	if s < 0 || int(s) >= len(callStateNames) {
		return "UNKNOWN"
	}
	return callStateNames[s]
}

var csCallStateNames = map[string]CallState{
	"DOWN":        CallStateDown,
	"DIALING":     CallStateDialing,
	"RINGING":     CallStateRinging,
	"EARLY":       CallStateEarly,
	"EARLY_MEDIA": CallStateEarly,
	"ACTIVE":      CallStateActive,
	"HELD":        CallStateHeld,
	"RING_WAIT":   CallStateRingWait,
	"HANGUP":      CallStateHangup,
	"UNHELD":      CallStateUnheld,
}

func callStateFromString(s string) (CallState, bool) {
	st, ok := csCallStateNames[strings.TrimSpace(s)]
	return st, ok
}
