package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/GoPolymarket/polymarket-killswitch/internal/health"
	"github.com/GoPolymarket/polymarket-killswitch/internal/killswitch"
	"github.com/GoPolymarket/polymarket-killswitch/internal/recovery"
	"github.com/GoPolymarket/polymarket-killswitch/internal/state"
)

// Error is a non-2xx reply decoded from ErrorResponse.
type Error struct {
	Status  int
	Code    string
	Message string
	Health  *health.Result
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %s (HTTP %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("api: %s: %s", e.Code, e.Message)
}

// AuditQuery selects records for Client.Audit. Zero fields match everything.
type AuditQuery struct {
	Since       time.Time
	Until       time.Time
	TriggeredBy string
	NewState    string
	Actor       string
}

func (q AuditQuery) values() url.Values {
	v := url.Values{}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		v.Set("until", q.Until.UTC().Format(time.RFC3339))
	}
	if q.TriggeredBy != "" {
		v.Set("triggered_by", q.TriggeredBy)
	}
	if q.NewState != "" {
		v.Set("new_state", q.NewState)
	}
	if q.Actor != "" {
		v.Set("actor", q.Actor)
	}
	return v
}

// Client talks to a running kill switch over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient accepts "host:port" or a full http(s) URL.
func NewClient(addr string, timeout time.Duration) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{baseURL: base, http: &http.Client{Timeout: timeout}}
}

func (c *Client) State(ctx context.Context) (StateResponse, error) {
	var out StateResponse
	err := c.do(ctx, http.MethodGet, "/api/state", nil, &out)
	return out, err
}

func (c *Client) Trigger(ctx context.Context, reason, actor string) (killswitch.TriggerResult, error) {
	var out killswitch.TriggerResult
	err := c.do(ctx, http.MethodPost, "/api/trigger", TriggerRequest{Reason: reason, Actor: actor}, &out)
	return out, err
}

func (c *Client) Recover(ctx context.Context, reason, approvalCode, actor string) (recovery.SessionView, error) {
	var out recovery.SessionView
	err := c.do(ctx, http.MethodPost, "/api/recover", RecoverRequest{
		Reason:       reason,
		ApprovalCode: approvalCode,
		Actor:        actor,
	}, &out)
	return out, err
}

// Health returns the probe result. A failing probe is not an error.
func (c *Client) Health(ctx context.Context) (health.Result, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/health", nil)
	if err != nil {
		return health.Result{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return health.Result{}, fmt.Errorf("api: health: %w", err)
	}
	defer drain(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return health.Result{}, decodeError(resp)
	}
	var out health.Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return health.Result{}, fmt.Errorf("api: decode health: %w", err)
	}
	return out, nil
}

// Audit streams matching records to fn in ledger order. Corrupt ledger
// lines reported by the server are passed to onCorrupt, when set.
func (c *Client) Audit(ctx context.Context, q AuditQuery, fn func(state.TransitionRecord) error, onCorrupt func(msg string)) error {
	path := "/api/audit"
	if v := q.values(); len(v) > 0 {
		path += "?" + v.Encode()
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: audit: %w", err)
	}
	defer drain(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var probe struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(line, &probe); err == nil && probe.Error != "" {
			if onCorrupt != nil {
				onCorrupt(probe.Message)
			}
			continue
		}
		var rec state.TransitionRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("api: decode audit record: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return sc.Err()
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("api: encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer drain(resp.Body)
	if resp.StatusCode/100 != 2 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Error == "" {
		return &Error{Status: resp.StatusCode, Code: CodeInternal, Message: strings.TrimSpace(string(body))}
	}
	return &Error{Status: resp.StatusCode, Code: er.Error, Message: er.Message, Health: er.Health}
}
