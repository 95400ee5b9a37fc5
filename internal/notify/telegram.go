package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/GoPolymarket/polymarket-killswitch/internal/state"
	"github.com/GoPolymarket/polymarket-killswitch/internal/telegramtmpl"
)

// Notifier sends alerts to a Telegram chat via the Bot API.
type Notifier struct {
	botToken   string
	chatID     string
	httpClient *http.Client
	enabled    bool
	baseURL    string // overridable for testing; defaults to Telegram API
}

// NewNotifier creates a Notifier. Notifications are enabled only when both
// botToken and chatID are non-empty.
func NewNotifier(botToken, chatID string) *Notifier {
	return &Notifier{
		botToken:   botToken,
		chatID:     chatID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		enabled:    botToken != "" && chatID != "",
	}
}

// Enabled reports whether the notifier is active.
func (n *Notifier) Enabled() bool { return n.enabled }

// maxMessageRunes is the Bot API limit on one message.
const maxMessageRunes = 4096

// Send posts a message to the configured Telegram chat. Messages longer than
// the Bot API limit are cut.
func (n *Notifier) Send(ctx context.Context, msg string) error {
	if !n.enabled {
		return nil
	}
	if r := []rune(msg); len(r) > maxMessageRunes {
		msg = string(r[:maxMessageRunes-1]) + "…"
	}

	endpoint := n.baseURL
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.botToken)
	}
	form := url.Values{
		"chat_id":                  {n.chatID},
		"text":                     {msg},
		"parse_mode":               {"HTML"},
		"disable_web_page_preview": {"true"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusOK || !body.OK {
		return fmt.Errorf("notify: telegram %d: %s", resp.StatusCode, body.Description)
	}
	return nil
}

// NotifyKilled sends a kill alert.
func (n *Notifier) NotifyKilled(ctx context.Context, rec state.TransitionRecord) error {
	return n.sendTransition(ctx, rec)
}

// NotifyRecovering sends a recovery-started alert.
func (n *Notifier) NotifyRecovering(ctx context.Context, rec state.TransitionRecord) error {
	return n.sendTransition(ctx, rec)
}

// NotifyRestored sends an alert when trading resumes after cooldown.
func (n *Notifier) NotifyRestored(ctx context.Context, rec state.TransitionRecord) error {
	return n.sendTransition(ctx, rec)
}

// NotifyEscalation sends a position limit step alert.
func (n *Notifier) NotifyEscalation(ctx context.Context, sessionID, phase string, factor float64) error {
	return n.Send(ctx, telegramtmpl.RenderEscalationHTML(telegramtmpl.EscalationData{
		SessionID: sessionID,
		Phase:     phase,
		Factor:    factor,
	}))
}

// Name identifies the notifier as an event sink.
func (n *Notifier) Name() string { return "telegram" }

// Publish routes a committed transition to the matching alert.
func (n *Notifier) Publish(ctx context.Context, rec state.TransitionRecord) error {
	switch rec.NewState {
	case state.Killed:
		return n.NotifyKilled(ctx, rec)
	case state.Recovering:
		return n.NotifyRecovering(ctx, rec)
	case state.Active:
		if rec.PreviousState == state.Recovering {
			return n.NotifyRestored(ctx, rec)
		}
	}
	return n.sendTransition(ctx, rec)
}

func (n *Notifier) sendTransition(ctx context.Context, rec state.TransitionRecord) error {
	return n.Send(ctx, telegramtmpl.RenderTransitionHTML(telegramtmpl.BuildTransitionData(rec)))
}
