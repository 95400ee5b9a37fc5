// Package trigger watches live metrics and trips the kill switch on the
// first breached threshold.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GoPolymarket/polymarket-killswitch/internal/config"
	"github.com/GoPolymarket/polymarket-killswitch/internal/health"
	"github.com/GoPolymarket/polymarket-killswitch/internal/state"
)

// Metrics is the live view the evaluator inspects on every pass.
type Metrics struct {
	DrawdownPct       float64
	ExchangeConnected bool
	PriceDataAge      time.Duration
	MemoryAvailableMB float64
	CPUPercent        float64
}

// Source collects metrics. Implementations should honour ctx.
type Source interface {
	Metrics(ctx context.Context) (Metrics, error)
}

type SourceFunc func(ctx context.Context) (Metrics, error)

func (f SourceFunc) Metrics(ctx context.Context) (Metrics, error) { return f(ctx) }

// Transitioner is the part of the state store the evaluator needs.
type Transitioner interface {
	State() state.State
	Transition(to state.State, by state.TriggeredBy, reason, actor string) (state.TransitionRecord, error)
}

type Thresholds struct {
	MaxDrawdownPct float64
	MinMemoryMB    float64
	MaxCPUPct      float64
	MaxPriceAge    time.Duration
}

func ThresholdsFromConfig(c config.TriggerConfig) Thresholds {
	return Thresholds{
		MaxDrawdownPct: c.MaxDrawdownPct,
		MinMemoryMB:    float64(c.MinMemoryMB),
		MaxCPUPct:      float64(c.MaxCPUPct),
		MaxPriceAge:    c.MaxPriceAge(),
	}
}

type Options struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxFailures int
	Logger      *zap.Logger
}

type Evaluator struct {
	store  Transitioner
	th     Thresholds
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	failures int
}

func New(store Transitioner, th Thresholds, opts Options) *Evaluator {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = health.DefaultTimeout
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 3
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{store: store, th: th, opts: opts, logger: logger}
}

// Breach returns the reason for the highest-priority breached threshold:
// drawdown, exchange connectivity, price staleness, memory, then CPU.
func (e *Evaluator) Breach(m Metrics) (string, bool) {
	th := e.th
	switch {
	case m.DrawdownPct > th.MaxDrawdownPct:
		return fmt.Sprintf("drawdown %.1f%% > %.1f%%", m.DrawdownPct, th.MaxDrawdownPct), true
	case !m.ExchangeConnected:
		return "exchange connectivity lost", true
	case m.PriceDataAge > th.MaxPriceAge:
		return fmt.Sprintf("price data stale: age %.0fs > %.0fs",
			m.PriceDataAge.Seconds(), th.MaxPriceAge.Seconds()), true
	case m.MemoryAvailableMB < th.MinMemoryMB:
		return fmt.Sprintf("memory_available_mb=%.0f < %.0f", m.MemoryAvailableMB, th.MinMemoryMB), true
	case m.CPUPercent > th.MaxCPUPct:
		return fmt.Sprintf("cpu_percent=%.1f > %.1f", m.CPUPercent, th.MaxCPUPct), true
	}
	return "", false
}

// Evaluate kills the switch on the first breach. It is a no-op when the
// switch is already KILLED or DISABLED, and when another caller won the race
// to KILLED.
func (e *Evaluator) Evaluate(m Metrics) (*state.TransitionRecord, error) {
	if idle(e.store.State()) {
		return nil, nil
	}
	reason, ok := e.Breach(m)
	if !ok {
		return nil, nil
	}
	return e.kill(reason)
}

// Tick collects metrics once under the configured timeout and evaluates
// them. Consecutive collection failures trip the switch once they reach
// MaxFailures.
func (e *Evaluator) Tick(ctx context.Context, src Source) (*state.TransitionRecord, error) {
	if idle(e.store.State()) {
		e.resetFailures()
		return nil, nil
	}

	cctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	m, err := src.Metrics(cctx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.mu.Lock()
		e.failures++
		n := e.failures
		e.mu.Unlock()

		e.logger.Warn("trigger: metrics collection failed",
			zap.Int("consecutive", n),
			zap.Int("max", e.opts.MaxFailures),
			zap.Error(err),
		)
		if n < e.opts.MaxFailures {
			return nil, nil
		}
		e.resetFailures()
		return e.kill(fmt.Sprintf("metrics unavailable: %v", err))
	}

	e.resetFailures()
	return e.Evaluate(m)
}

// Run evaluates on every interval until ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context, src Source) error {
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	e.logger.Info("trigger loop started", zap.Duration("interval", e.opts.Interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.Tick(ctx, src); err != nil && ctx.Err() == nil {
				e.logger.Error("trigger: evaluation failed", zap.Error(err))
			}
		}
	}
}

func (e *Evaluator) kill(reason string) (*state.TransitionRecord, error) {
	rec, err := e.store.Transition(state.Killed, state.ByAutoTrigger, reason, "")
	if err != nil {
		var inv *state.InvalidTransitionError
		if errors.As(err, &inv) {
			return nil, nil
		}
		return nil, fmt.Errorf("trigger: kill: %w", err)
	}
	e.logger.Warn("kill switch tripped", zap.String("reason", reason))
	return &rec, nil
}

func (e *Evaluator) resetFailures() {
	e.mu.Lock()
	e.failures = 0
	e.mu.Unlock()
}

func idle(st state.State) bool {
	return st == state.Killed || st == state.Disabled
}
