package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/GoPolymarket/polymarket-killswitch/internal/state"
)

type capture struct {
	mu    sync.Mutex
	texts []string
}

func (c *capture) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.texts) == 0 {
		return ""
	}
	return c.texts[len(c.texts)-1]
}

func notifierFor(server *httptest.Server) *Notifier {
	return &Notifier{
		botToken:   "test-token",
		chatID:     "test-chat",
		httpClient: server.Client(),
		enabled:    true,
		baseURL:    server.URL,
	}
}

func testNotifier(t *testing.T) (*Notifier, *capture) {
	t.Helper()
	c := &capture{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		c.texts = append(c.texts, r.FormValue("text"))
		c.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}))
	t.Cleanup(server.Close)
	return notifierFor(server), c
}

func TestNotifierEnabledNeedsBothCredentials(t *testing.T) {
	cases := []struct {
		token, chat string
		want        bool
	}{
		{"", "", false},
		{"bot123", "", false},
		{"", "chat456", false},
		{"bot123", "chat456", true},
	}
	for _, tc := range cases {
		if got := NewNotifier(tc.token, tc.chat).Enabled(); got != tc.want {
			t.Errorf("NewNotifier(%q, %q).Enabled() = %t, want %t", tc.token, tc.chat, got, tc.want)
		}
	}
	if err := NewNotifier("", "").Send(context.Background(), "dropped"); err != nil {
		t.Fatalf("disabled send should be a no-op: %v", err)
	}
}

func TestSendPostsForm(t *testing.T) {
	var method string
	var form map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		form = map[string]string{
			"chat_id":    r.FormValue("chat_id"),
			"text":       r.FormValue("text"),
			"parse_mode": r.FormValue("parse_mode"),
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	if err := notifierFor(server).Send(context.Background(), "<b>halt</b>"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if method != http.MethodPost {
		t.Fatalf("expected POST, got %s", method)
	}
	want := map[string]string{"chat_id": "test-chat", "text": "<b>halt</b>", "parse_mode": "HTML"}
	for k, v := range want {
		if form[k] != v {
			t.Errorf("%s: expected %q, got %q", k, v, form[k])
		}
	}
}

func TestSendReportsTelegramDescription(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"http error", http.StatusBadRequest, `{"ok":false,"description":"bad request"}`, "bad request"},
		{"ok false", http.StatusOK, `{"ok":false,"description":"chat not found"}`, "chat not found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			err := notifierFor(server).Send(context.Background(), "test")
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestPublishKilled(t *testing.T) {
	n, c := testNotifier(t)
	rec := state.TransitionRecord{
		PreviousState: state.Active,
		NewState:      state.Killed,
		TriggeredBy:   state.ByAutoTrigger,
		Reason:        "drawdown 16.2% > 15.0%",
	}
	if err := n.Publish(context.Background(), rec); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg := c.last()
	if !strings.Contains(msg, "KILL SWITCH TRIPPED") {
		t.Fatalf("expected kill alert, got %q", msg)
	}
	if !strings.Contains(msg, "drawdown 16.2% &gt; 15.0%") {
		t.Fatalf("expected escaped reason, got %q", msg)
	}
}

func TestPublishRestored(t *testing.T) {
	n, c := testNotifier(t)
	rec := state.TransitionRecord{PreviousState: state.Recovering, NewState: state.Active, TriggeredBy: state.BySystem}
	if err := n.Publish(context.Background(), rec); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !strings.Contains(c.last(), "Trading Restored") {
		t.Fatalf("expected restored alert, got %q", c.last())
	}
}

func TestNotifyEscalation(t *testing.T) {
	n, c := testNotifier(t)
	if err := n.NotifyEscalation(context.Background(), "s-1", "COMPLETE", 1); err != nil {
		t.Fatalf("notify escalation: %v", err)
	}
	if !strings.Contains(c.last(), "Factor: 100%") {
		t.Fatalf("expected factor, got %q", c.last())
	}
}

func TestNotifyKilledDisabled(t *testing.T) {
	n := NewNotifier("", "")
	if err := n.NotifyKilled(context.Background(), state.TransitionRecord{NewState: state.Killed}); err != nil {
		t.Fatalf("disabled notify should succeed: %v", err)
	}
	if n.Name() != "telegram" {
		t.Fatalf("expected sink name telegram, got %s", n.Name())
	}
}

func TestSendTruncatesLongMessages(t *testing.T) {
	n, c := testNotifier(t)
	if err := n.Send(context.Background(), strings.Repeat("x", maxMessageRunes+100)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := len([]rune(c.last())); got != maxMessageRunes {
		t.Fatalf("expected %d runes, got %d", maxMessageRunes, got)
	}
}
