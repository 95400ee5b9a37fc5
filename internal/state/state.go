// Package state owns the canonical kill switch state and the legal
// transition graph between states.
package state

import (
	"fmt"
	"strings"
	"time"
)

// State is the kill switch position.
type State string

const (
	Active     State = "ACTIVE"
	Killed     State = "KILLED"
	Recovering State = "RECOVERING"
	Disabled   State = "DISABLED"
)

// ParseState accepts any casing of a known state name.
func ParseState(s string) (State, error) {
	switch st := State(strings.ToUpper(strings.TrimSpace(s))); st {
	case Active, Killed, Recovering, Disabled:
		return st, nil
	}
	return "", fmt.Errorf("unknown kill switch state %q", s)
}

// TradingAllowed reports whether orders may be placed in this state.
// DISABLED means the switch was bypassed by configuration.
func (s State) TradingAllowed() bool {
	return s == Active || s == Disabled
}

// TriggeredBy identifies the origin of a transition.
type TriggeredBy string

const (
	ByManualCLI   TriggeredBy = "manual_cli"
	BySystem      TriggeredBy = "system"
	ByAutoTrigger TriggeredBy = "auto_trigger"
	ByRecovery    TriggeredBy = "recovery"
)

// TransitionRecord is the audited, immutable description of one state change.
type TransitionRecord struct {
	EventID       string      `json:"event_id"`
	Timestamp     time.Time   `json:"timestamp"`
	PreviousState State       `json:"previous_state"`
	NewState      State       `json:"new_state"`
	TriggeredBy   TriggeredBy `json:"triggered_by"`
	Reason        string      `json:"reason"`
	Actor         string      `json:"actor,omitempty"`
}

// runtimeEdges is the transition graph reachable from the command surface.
// Edges touching DISABLED are only taken while the store is opened.
var runtimeEdges = map[State][]State{
	Active:     {Killed},
	Killed:     {Recovering},
	Recovering: {Active, Killed},
}

func allowed(from, to State) bool {
	for _, s := range runtimeEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}
