// Package health evaluates whether the platform is healthy enough to leave
// the KILLED state.
package health

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/GoPolymarket/polymarket-killswitch/internal/clock"
	"github.com/GoPolymarket/polymarket-killswitch/internal/config"
)

const (
	CheckMemory   = "memory_available_mb"
	CheckCPU      = "cpu_percent"
	CheckExchange = "exchange_connected"
	CheckPriceAge = "price_data_age_seconds"
	// CheckSnapshot is reported only when no snapshot could be collected.
	CheckSnapshot = "snapshot"

	DefaultTimeout = 2 * time.Second
)

// checkOrder is the order failures are reported in.
var checkOrder = []string{CheckSnapshot, CheckMemory, CheckCPU, CheckExchange, CheckPriceAge}

// Snapshot is a point-in-time view of the metrics health depends on.
type Snapshot struct {
	MemoryAvailableMB float64
	CPUPercent        float64
	ExchangeConnected bool
	PriceDataAge      time.Duration
	CollectedAt       time.Time
}

type CheckOutcome struct {
	Name          string  `json:"name"`
	Passed        bool    `json:"passed"`
	ObservedValue float64 `json:"observed_value"`
	Threshold     float64 `json:"threshold"`
	Message       string  `json:"message"`
}

type Result struct {
	Checks    map[string]CheckOutcome `json:"checks"`
	Passed    bool                    `json:"passed"`
	Timestamp time.Time               `json:"timestamp"`
}

// Failures returns the failed checks in a stable order.
func (r Result) Failures() []CheckOutcome {
	var out []CheckOutcome
	for _, name := range checkOrder {
		if c, ok := r.Checks[name]; ok && !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// Summary joins the failure messages, e.g. "memory_available_mb=400 < 512".
func (r Result) Summary() string {
	failed := r.Failures()
	if len(failed) == 0 {
		return "all checks passed"
	}
	msgs := make([]string, len(failed))
	for i, c := range failed {
		msgs[i] = c.Message
	}
	return strings.Join(msgs, "; ")
}

type Thresholds struct {
	MinMemoryMB float64
	MaxCPUPct   float64
	MaxPriceAge time.Duration
}

func ThresholdsFromConfig(c config.TriggerConfig) Thresholds {
	return Thresholds{
		MinMemoryMB: float64(c.MinMemoryMB),
		MaxCPUPct:   float64(c.MaxCPUPct),
		MaxPriceAge: c.MaxPriceAge(),
	}
}

// Provider collects a snapshot, possibly doing I/O.
type Provider interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

type ProviderFunc func(ctx context.Context) (Snapshot, error)

func (f ProviderFunc) Snapshot(ctx context.Context) (Snapshot, error) { return f(ctx) }

// TimeoutError is reported when a snapshot is not collected in time. It is
// surfaced as a failed check, never propagated to the caller.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("health snapshot timed out after %s", e.Timeout)
}

type Evaluator struct {
	th      Thresholds
	timeout time.Duration
	clock   clock.Clock
	logger  *zap.Logger
}

func NewEvaluator(th Thresholds, timeout time.Duration, clk clock.Clock, logger *zap.Logger) *Evaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{th: th, timeout: timeout, clock: clk, logger: logger}
}

func (e *Evaluator) Thresholds() Thresholds { return e.th }

// Check evaluates a snapshot. It has no side effects.
func (e *Evaluator) Check(s Snapshot) Result {
	th := e.th
	ageSec := s.PriceDataAge.Seconds()
	maxAgeSec := th.MaxPriceAge.Seconds()

	checks := map[string]CheckOutcome{
		CheckMemory: outcome(CheckMemory, s.MemoryAvailableMB >= th.MinMemoryMB,
			s.MemoryAvailableMB, th.MinMemoryMB, ">=", "<"),
		CheckCPU: outcome(CheckCPU, s.CPUPercent <= th.MaxCPUPct,
			s.CPUPercent, th.MaxCPUPct, "<=", ">"),
		CheckPriceAge: outcome(CheckPriceAge, ageSec <= maxAgeSec,
			ageSec, maxAgeSec, "<=", ">"),
	}

	connected := CheckOutcome{Name: CheckExchange, Passed: s.ExchangeConnected, Threshold: 1}
	if s.ExchangeConnected {
		connected.ObservedValue = 1
		connected.Message = "exchange_connected=true"
	} else {
		connected.Message = "exchange_connected=false"
	}
	checks[CheckExchange] = connected

	passed := true
	for _, c := range checks {
		passed = passed && c.Passed
	}
	return Result{Checks: checks, Passed: passed, Timestamp: s.CollectedAt}
}

// Probe collects a snapshot under the evaluator's timeout and checks it.
// A slow or failing provider yields a failed result rather than an error.
func (e *Evaluator) Probe(ctx context.Context, p Provider) Result {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type reply struct {
		snap Snapshot
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		snap, err := p.Snapshot(ctx)
		ch <- reply{snap: snap, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			e.logger.Warn("health snapshot failed", zap.Error(r.err))
			return e.failed(fmt.Sprintf("health snapshot failed: %v", r.err))
		}
		if r.snap.CollectedAt.IsZero() {
			r.snap.CollectedAt = e.clock.Now()
		}
		return e.Check(r.snap)
	case <-ctx.Done():
		err := &TimeoutError{Timeout: e.timeout}
		e.logger.Warn("health snapshot timed out", zap.Duration("timeout", e.timeout))
		return e.failed(err.Error())
	}
}

func (e *Evaluator) failed(msg string) Result {
	return Result{
		Checks: map[string]CheckOutcome{
			CheckSnapshot: {Name: CheckSnapshot, Passed: false, Message: msg},
		},
		Passed:    false,
		Timestamp: e.clock.Now(),
	}
}

func outcome(name string, passed bool, observed, threshold float64, okOp, failOp string) CheckOutcome {
	op := okOp
	if !passed {
		op = failOp
	}
	return CheckOutcome{
		Name:          name,
		Passed:        passed,
		ObservedValue: observed,
		Threshold:     threshold,
		Message:       fmt.Sprintf("%s=%s %s %s", name, formatNum(observed), op, formatNum(threshold)),
	}
}

func formatNum(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
