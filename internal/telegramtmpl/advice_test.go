package telegramtmpl

import (
	"strings"
	"testing"

	"github.com/GoPolymarket/polymarket-killswitch/internal/state"
)

func TestBuildOperatorActionsForKill(t *testing.T) {
	actions := BuildOperatorActions(state.TransitionRecord{
		PreviousState: state.Active,
		NewState:      state.Killed,
		Reason:        "exchange connectivity lost",
	})
	if len(actions) != 3 {
		t.Fatalf("expected 3 actions, got %v", actions)
	}
	if !strings.Contains(actions[0], "exchange connectivity lost") {
		t.Fatalf("expected reason in first action, got %v", actions)
	}
}

func TestBuildRiskHints(t *testing.T) {
	hints := BuildRiskHints(state.TransitionRecord{
		PreviousState: state.Recovering,
		NewState:      state.Killed,
		TriggeredBy:   state.BySystem,
		Reason:        "recovery session lost on restart",
	})
	if len(hints) != 2 {
		t.Fatalf("expected restart and supersession hints, got %v", hints)
	}
}

func TestNoActionsForPlainArm(t *testing.T) {
	actions := BuildOperatorActions(state.TransitionRecord{PreviousState: state.Disabled, NewState: state.Active})
	if len(actions) != 0 {
		t.Fatalf("expected no actions, got %v", actions)
	}
}
