package telegramtmpl

import (
	"strings"

	"github.com/GoPolymarket/polymarket-killswitch/internal/state"
)

// BuildOperatorActions returns the next steps an operator should take after
// a transition, most important first.
func BuildOperatorActions(rec state.TransitionRecord) []string {
	actions := make([]string, 0, 3)
	switch rec.NewState {
	case state.Killed:
		if r := strings.TrimSpace(rec.Reason); r != "" {
			actions = append(actions, "Investigate the trigger: "+r)
		}
		actions = append(actions, "Check health with `killswitch health` before requesting recovery.")
		actions = append(actions, "Recover with `killswitch recover --reason ...` and the approval code.")
	case state.Recovering:
		actions = append(actions, "Cooldown running. Any new breach re-kills and cancels the session.")
	case state.Active:
		if rec.PreviousState == state.Recovering {
			actions = append(actions, "Position limits are restored gradually. Watch fills closely.")
		}
	case state.Disabled:
		actions = append(actions, "Triggers are not enforced while disabled. Set mode=active and restart to re-arm.")
	}
	return actions
}

// BuildRiskHints flags transitions that deserve extra attention.
func BuildRiskHints(rec state.TransitionRecord) []string {
	var hints []string
	if rec.NewState == state.Killed && rec.PreviousState == state.Recovering {
		hints = append(hints, "Killed during recovery: the previous recovery session was discarded.")
	}
	if strings.HasPrefix(rec.Reason, "metrics unavailable") {
		hints = append(hints, "Metric collection is failing. Host telemetry may be degraded.")
	}
	if rec.TriggeredBy == state.BySystem && strings.Contains(rec.Reason, "restart") {
		hints = append(hints, "Process restarted mid-recovery. A new approval is required.")
	}
	return hints
}
