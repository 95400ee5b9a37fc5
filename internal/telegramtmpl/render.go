// Package telegramtmpl renders kill switch alerts for Telegram's HTML parse
// mode.
package telegramtmpl

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/GoPolymarket/polymarket-killswitch/internal/state"
)

// TransitionData is the renderable form of a transition alert.
type TransitionData struct {
	Title       string
	From        string
	To          string
	TriggeredBy string
	Reason      string
	Actor       string
	EventID     string
	At          time.Time
	Actions     []string
	RiskHints   []string
}

// EscalationData describes a position limit step during recovery.
type EscalationData struct {
	SessionID string
	Phase     string
	Factor    float64
}

// BuildTransitionData normalizes a record into a renderable payload.
func BuildTransitionData(rec state.TransitionRecord) TransitionData {
	actions := BuildOperatorActions(rec)
	if len(actions) > 3 {
		actions = actions[:3]
	}
	return TransitionData{
		Title:       titleFor(rec),
		From:        string(rec.PreviousState),
		To:          string(rec.NewState),
		TriggeredBy: string(rec.TriggeredBy),
		Reason:      strings.TrimSpace(rec.Reason),
		Actor:       strings.TrimSpace(rec.Actor),
		EventID:     rec.EventID,
		At:          rec.Timestamp.UTC(),
		Actions:     actions,
		RiskHints:   BuildRiskHints(rec),
	}
}

func titleFor(rec state.TransitionRecord) string {
	switch rec.NewState {
	case state.Killed:
		return "KILL SWITCH TRIPPED"
	case state.Recovering:
		return "Recovery Started"
	case state.Active:
		if rec.PreviousState == state.Recovering {
			return "Trading Restored"
		}
		return "Kill Switch Armed"
	case state.Disabled:
		return "Kill Switch Disabled"
	}
	return "Kill Switch Transition"
}

// RenderTransitionHTML renders a transition alert. User-supplied text is
// escaped.
func RenderTransitionHTML(d TransitionData) string {
	var b strings.Builder
	b.WriteString("<b>" + d.Title + "</b>\n")
	b.WriteString(fmt.Sprintf("State: %s → %s\n", d.From, d.To))
	b.WriteString(fmt.Sprintf("Triggered By: %s\n", d.TriggeredBy))
	if d.Reason != "" {
		b.WriteString("Reason: " + html.EscapeString(d.Reason) + "\n")
	}
	if d.Actor != "" {
		b.WriteString("Actor: " + html.EscapeString(d.Actor) + "\n")
	}
	if !d.At.IsZero() {
		b.WriteString("At: " + d.At.Format(time.RFC3339) + "\n")
	}
	if d.EventID != "" {
		b.WriteString("Event: <code>" + d.EventID + "</code>\n")
	}
	if len(d.Actions) > 0 {
		b.WriteString("\n<b>Next Steps</b>\n")
		for _, a := range d.Actions {
			b.WriteString("- " + html.EscapeString(a) + "\n")
		}
	}
	if len(d.RiskHints) > 0 {
		b.WriteString("\n<b>Risk Hints</b>\n")
		for _, h := range d.RiskHints {
			b.WriteString("- " + html.EscapeString(h) + "\n")
		}
	}
	return strings.TrimSpace(b.String())
}

// RenderEscalationHTML renders a position limit step.
func RenderEscalationHTML(d EscalationData) string {
	var b strings.Builder
	b.WriteString("<b>Position Limits Escalated</b>\n")
	b.WriteString(fmt.Sprintf("Factor: %.0f%%\nPhase: %s\n", d.Factor*100, strings.ToUpper(strings.TrimSpace(d.Phase))))
	if d.SessionID != "" {
		b.WriteString("Session: <code>" + d.SessionID + "</code>\n")
	}
	return strings.TrimSpace(b.String())
}
