package relay

import "fmt"

// State is a relay session lifecycle state.
type State int

const (
	// StateInitializing: telephony accepted, session registered.
	StateInitializing State = iota
	// StateNegotiating: waiting for the AI link and its handshake.
	StateNegotiating
	// StateActive: handshake sent; frames flow both ways.
	StateActive
	// StateClosing: telephony gone; tearing down.
	StateClosing
	// StateClosed: removed from the registry. Terminal.
	StateClosed
)

var stateNames = [...]string{
	StateInitializing: "initializing",
	StateNegotiating:  "negotiating",
	StateActive:       "active",
	StateClosing:      "closing",
	StateClosed:       "closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions lists the legal successor states of each state. Anything not
// listed is rejected by [canTransition].
var transitions = map[State][]State{
	StateInitializing: {StateNegotiating, StateClosing},
	StateNegotiating:  {StateActive, StateClosing},
	StateActive:       {StateClosing},
	StateClosing:      {StateClosed},
}

// canTransition reports whether from → to is a legal transition.
func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
