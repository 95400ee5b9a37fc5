package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoPolymarket/polymarket-killswitch/internal/api"
	"github.com/GoPolymarket/polymarket-killswitch/internal/config"
	"github.com/GoPolymarket/polymarket-killswitch/internal/health"
	"github.com/GoPolymarket/polymarket-killswitch/internal/killswitch"
	"github.com/GoPolymarket/polymarket-killswitch/internal/recovery"
)

const testCode = "s3cret-approval"

type switchableProvider struct {
	mu   sync.Mutex
	snap health.Snapshot
}

func (p *switchableProvider) Snapshot(context.Context) (health.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap, nil
}

func (p *switchableProvider) setCPU(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.CPUPercent = v
}

type harness struct {
	addr     string
	provider *switchableProvider
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	t.Setenv("KILLSWITCH_CLI_TEST_CODE", testCode)
	t.Setenv("KILL_SWITCH_APPROVAL_CODE", "")
	cfg := config.Default()
	cfg.KillSwitch.Audit.Dir = t.TempDir()
	cfg.KillSwitch.Recovery.ApprovalCodeEnvVar = "KILLSWITCH_CLI_TEST_CODE"

	p := &switchableProvider{snap: health.Snapshot{
		MemoryAvailableMB: 8192,
		CPUPercent:        12,
		ExchangeConnected: true,
		PriceDataAge:      2 * time.Second,
	}}
	svc, err := killswitch.Open(killswitch.Options{Config: cfg, Provider: p})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	ts := httptest.NewServer(api.NewServer("127.0.0.1:0", svc, svc.Registry(), nil).Handler())
	t.Cleanup(ts.Close)
	return &harness{addr: ts.URL, provider: p}
}

func (h *harness) run(args ...string) (string, string, int) {
	var stdout, stderr bytes.Buffer
	root := newRootCmd(&stdout, &stderr)
	root.SetArgs(append([]string{"--addr", h.addr, "--actor", "tester"}, args...))
	err := root.Execute()
	return stdout.String(), stderr.String(), exitCode(err)
}

func TestTriggerExitCodes(t *testing.T) {
	h := newHarness(t)

	out, _, code := h.run("trigger", "--reason", "manual stop")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "Kill switch is now KILLED")

	_, _, code = h.run("trigger", "--reason", "again")
	assert.Equal(t, exitPrecondition, code)

	_, _, code = h.run("trigger")
	assert.Equal(t, exitOther, code)
}

func TestRecoverExitCodes(t *testing.T) {
	h := newHarness(t)

	_, _, code := h.run("recover", "--reason", "fixed", "--code", testCode)
	assert.Equal(t, exitPrecondition, code, "recovering while ACTIVE")

	_, _, code = h.run("trigger", "--reason", "manual stop")
	require.Equal(t, exitOK, code)

	_, _, code = h.run("recover", "--reason", "fixed", "--code", "wrong")
	assert.Equal(t, exitApproval, code)

	_, _, code = h.run("recover", "--reason", "fixed")
	assert.Equal(t, exitApproval, code, "missing code")

	h.provider.setCPU(99)
	out, _, code := h.run("recover", "--reason", "fixed", "--code", testCode)
	assert.Equal(t, exitHealth, code)
	assert.Contains(t, out, "FAIL")
	assert.Contains(t, out, "cpu_percent=99 > 80")

	h.provider.setCPU(12)
	out, _, code = h.run("recover", "--reason", "fixed", "--code", testCode)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "Phase: COOLDOWN")

	out, _, code = h.run("status")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "RECOVERING")
	assert.Contains(t, out, "Recovery session:")
}

func TestRecoverReadsCodeFromNamedEnv(t *testing.T) {
	h := newHarness(t)
	_, _, code := h.run("trigger", "--reason", "manual stop")
	require.Equal(t, exitOK, code)

	t.Setenv("KILLSWITCH_CLI_UNSET_CODE", "")
	_, _, code = h.run("recover", "--reason", "fixed", "--code-env", "KILLSWITCH_CLI_UNSET_CODE")
	assert.Equal(t, exitApproval, code)

	out, _, code := h.run("recover", "--reason", "fixed", "--code-env", "KILLSWITCH_CLI_TEST_CODE")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "Phase: COOLDOWN")
}

func TestHealthExitCode(t *testing.T) {
	h := newHarness(t)

	out, _, code := h.run("health")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "ok")

	h.provider.setCPU(95)
	_, _, code = h.run("health", "-o", "json")
	assert.Equal(t, exitHealth, code)
}

func TestAuditOutput(t *testing.T) {
	h := newHarness(t)
	_, _, code := h.run("trigger", "--reason", "manual stop")
	require.Equal(t, exitOK, code)

	out, _, code := h.run("audit", "--since", "1h")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "TIMESTAMP")
	assert.Contains(t, out, "manual_cli")
	assert.Contains(t, out, "tester")

	out, _, code = h.run("audit", "-o", "json", "--state", "KILLED")
	assert.Equal(t, exitOK, code)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"reason":"manual stop"`)

	_, _, code = h.run("audit", "--since", "last tuesday")
	assert.Equal(t, exitOther, code)
}

func TestUnreachableServerExitsOther(t *testing.T) {
	var stdout, stderr bytes.Buffer
	root := newRootCmd(&stdout, &stderr)
	root.SetArgs([]string{"--addr", "127.0.0.1:1", "--timeout", "1s", "status"})
	assert.Equal(t, exitOther, exitCode(root.Execute()))
}

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{errors.New("boom"), exitOther},
		{&api.Error{Code: string(recovery.ReasonNotKilled)}, exitPrecondition},
		{&api.Error{Code: api.CodeInvalidTransition}, exitPrecondition},
		{&api.Error{Code: string(recovery.ReasonInvalidApproval)}, exitApproval},
		{&api.Error{Code: string(recovery.ReasonApprovalUnavailable)}, exitApproval},
		{&api.Error{Code: string(recovery.ReasonRateLimited)}, exitApproval},
		{fmt.Errorf("wrapped: %w", &api.Error{Code: string(recovery.ReasonHealthFailed)}), exitHealth},
		{&api.Error{Code: api.CodeAuditWriteFailed}, exitOther},
		{&exitError{code: exitHealth, msg: "x"}, exitHealth},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, exitCode(tc.err), "%v", tc.err)
	}
}

func TestParseWhen(t *testing.T) {
	now := time.Date(2025, 12, 28, 12, 0, 0, 0, time.UTC)

	got, err := parseWhen("", now)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	got, err = parseWhen("24h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-24*time.Hour), got)

	got, err = parseWhen("2025-12-01T00:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC), got)

	_, err = parseWhen("soon", now)
	assert.Error(t, err)
}

func TestLoadConfigDefaultsAndEnv(t *testing.T) {
	t.Setenv("KILL_SWITCH_MODE", "disabled")
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, config.ModeDisabled, cfg.KillSwitch.Mode)

	t.Setenv("KILL_SWITCH_MODE", "paused")
	_, err = loadConfig("")
	var cerr *config.Error
	require.ErrorAs(t, err, &cerr)
}
