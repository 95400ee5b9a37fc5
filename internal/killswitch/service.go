// Package killswitch wires the state store, audit ledger, triggers and
// recovery coordinator into the service the API and CLI talk to.
package killswitch

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GoPolymarket/polymarket-killswitch/internal/clock"
	"github.com/GoPolymarket/polymarket-killswitch/internal/config"
	"github.com/GoPolymarket/polymarket-killswitch/internal/events"
	"github.com/GoPolymarket/polymarket-killswitch/internal/health"
	"github.com/GoPolymarket/polymarket-killswitch/internal/ledger"
	"github.com/GoPolymarket/polymarket-killswitch/internal/metrics"
	"github.com/GoPolymarket/polymarket-killswitch/internal/recovery"
	"github.com/GoPolymarket/polymarket-killswitch/internal/risk"
	"github.com/GoPolymarket/polymarket-killswitch/internal/state"
	"github.com/GoPolymarket/polymarket-killswitch/internal/trigger"
)

const notifyTimeout = 10 * time.Second

// EscalationListener is told about every position limit step.
type EscalationListener interface {
	NotifyEscalation(ctx context.Context, sessionID, phase string, factor float64) error
}

// Runner is an extra background loop started by Run, e.g. the price feed.
type Runner func(ctx context.Context) error

type Options struct {
	Config   config.Config
	Logger   *zap.Logger
	Clock    clock.Clock
	Registry *prometheus.Registry
	// Provider supplies health snapshots for probes and the trigger loop.
	Provider  health.Provider
	Sinks     []events.Sink
	Listeners []EscalationListener
	Runners   []Runner
}

// TriggerResult reports the outcome of a manual kill.
type TriggerResult struct {
	Applied bool                    `json:"applied"`
	State   state.State             `json:"state"`
	Record  *state.TransitionRecord `json:"record,omitempty"`
}

type Service struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     clock.Clock
	registry  *prometheus.Registry
	metrics   *metrics.Recorder
	ledger    *ledger.Ledger
	store     *state.Store
	health    *health.Evaluator
	provider  health.Provider
	trigger   *trigger.Evaluator
	recovery  *recovery.Coordinator
	events    *events.Dispatcher
	drawdown  *risk.DrawdownTracker
	gate      *risk.Gate
	listeners []EscalationListener
	runners   []Runner
}

// Open restores the switch from the audit ledger and builds every
// component. The caller must Close the service.
func Open(opts Options) (*Service, error) {
	cfg := opts.Config
	if opts.Provider == nil {
		return nil, fmt.Errorf("killswitch: health provider is required")
	}
	s := &Service{
		cfg:       cfg,
		logger:    opts.Logger,
		clock:     opts.Clock,
		registry:  opts.Registry,
		provider:  opts.Provider,
		listeners: opts.Listeners,
		runners:   opts.Runners,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = metrics.NewRecorder(s.registry)

	ks := cfg.KillSwitch
	l, err := ledger.Open(ledger.Options{
		Dir:          ks.Audit.Dir,
		MaxFileBytes: ks.Audit.MaxFileBytes,
		Logger:       s.logger.Named("ledger"),
	})
	if err != nil {
		return nil, err
	}
	s.ledger = l

	var last *state.TransitionRecord
	if rec, ok := l.Last(); ok {
		last = &rec
	}
	store, err := state.Open(&observedAppender{ledger: l, metrics: s.metrics}, state.Options{
		Clock:    s.clock,
		Logger:   s.logger.Named("state"),
		Disabled: ks.Mode == config.ModeDisabled,
		Last:     last,
	})
	if err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("killswitch: restore state: %w", err)
	}
	s.store = store
	s.metrics.SetState(store.State())

	s.events = events.NewDispatcher(events.DefaultQueueSize, s.logger.Named("events"), s.metrics, opts.Sinks...)
	store.OnTransition(func(rec state.TransitionRecord) {
		s.metrics.ObserveTransition(rec)
		s.events.Enqueue(rec)
	})

	s.health = health.NewEvaluator(health.ThresholdsFromConfig(ks.Triggers), ks.HealthTimeout(), s.clock, s.logger.Named("health"))
	s.drawdown = risk.NewDrawdownTracker(cfg.Risk.AccountCapitalUSDC)
	s.gate = risk.NewGate(risk.ConfigFrom(cfg.Risk), s)

	s.trigger = trigger.New(store, trigger.ThresholdsFromConfig(ks.Triggers), trigger.Options{
		Interval:    ks.EvaluationInterval(),
		Timeout:     ks.HealthTimeout(),
		MaxFailures: ks.MaxMetricFailures,
		Logger:      s.logger.Named("trigger"),
	})

	s.recovery = recovery.New(store, s.Health, recovery.Options{
		Clock:                s.clock,
		Logger:               s.logger.Named("recovery"),
		Cooldown:             ks.Recovery.Cooldown(),
		Escalation:           ks.Recovery.Escalation(),
		Tick:                 ks.Recovery.EscalationTick(),
		ApprovalCode:         ks.Recovery.ApprovalCode,
		MaxAttemptsPerMinute: ks.Recovery.MaxAttemptsPerMinute,
		OnEscalate:           s.escalated,
	})
	s.metrics.SetPositionLimitFactor(s.recovery.PositionLimitFactor())

	s.logger.Info("kill switch ready",
		zap.String("state", string(store.State())),
		zap.String("mode", ks.Mode),
		zap.String("audit_dir", ks.Audit.Dir),
	)
	return s, nil
}

// State is a non-blocking read of the committed state.
func (s *Service) State() state.State { return s.store.State() }

// TradingAllowed is true in ACTIVE and DISABLED.
func (s *Service) TradingAllowed() bool { return s.store.State().TradingAllowed() }

func (s *Service) PositionLimitFactor() float64 {
	f := s.recovery.PositionLimitFactor()
	s.metrics.SetPositionLimitFactor(f)
	return f
}

// Session returns the live recovery session, if any.
func (s *Service) Session() (recovery.SessionView, bool) { return s.recovery.Session() }

// Trigger kills the switch on operator request. It is a no-op when the
// switch is already KILLED or DISABLED.
func (s *Service) Trigger(_ context.Context, reason, actor string) (TriggerResult, error) {
	if st := s.store.State(); st == state.Killed || st == state.Disabled {
		return TriggerResult{Applied: false, State: st}, nil
	}
	rec, err := s.store.Transition(state.Killed, state.ByManualCLI, reason, actor)
	if err != nil {
		var inv *state.InvalidTransitionError
		if errors.As(err, &inv) {
			return TriggerResult{Applied: false, State: s.store.State()}, nil
		}
		return TriggerResult{}, err
	}
	s.metrics.SetPositionLimitFactor(0)
	return TriggerResult{Applied: true, State: rec.NewState, Record: &rec}, nil
}

// RequestRecovery asks to leave KILLED. Denials are *recovery.DeniedError.
func (s *Service) RequestRecovery(ctx context.Context, reason, approvalCode, actor string) (recovery.SessionView, error) {
	v, err := s.recovery.RequestRecovery(ctx, recovery.Request{
		Reason:       reason,
		ApprovalCode: approvalCode,
		Actor:        actor,
		RequestedAt:  s.clock.Now(),
	})
	var denied *recovery.DeniedError
	if errors.As(err, &denied) {
		s.metrics.ObserveRecoveryDenied(string(denied.Reason))
	}
	return v, err
}

// Health probes the platform under the configured timeout.
func (s *Service) Health(ctx context.Context) health.Result {
	res := s.health.Probe(ctx, s.provider)
	s.metrics.ObserveHealth(res)
	return res
}

// Audit lazily streams ledger records in [since, until].
func (s *Service) Audit(since, until time.Time, filter ledger.Filter) iter.Seq2[state.TransitionRecord, error] {
	return s.ledger.Query(since, until, filter)
}

// AuditFiles lists ledger files for retention tooling.
func (s *Service) AuditFiles() ([]ledger.FileInfo, error) { return s.ledger.ListFiles() }

// RecordEquity feeds the drawdown trigger.
func (s *Service) RecordEquity(equityUSDC float64) { s.drawdown.RecordEquity(equityUSDC) }

func (s *Service) DrawdownPct() float64 { return s.drawdown.DrawdownPct() }

// CheckOrder runs an order through the risk gate.
func (s *Service) CheckOrder(tokenID string, amountUSDC float64) error {
	return s.gate.Allow(tokenID, amountUSDC)
}

// RecordFill moves the per-market exposure the gate caps. Sells pass a
// negative amount. It returns the resulting exposure.
func (s *Service) RecordFill(tokenID string, amountUSDC float64) float64 {
	if amountUSDC >= 0 {
		s.gate.AddPosition(tokenID, amountUSDC)
	} else {
		s.gate.RemovePosition(tokenID, -amountUSDC)
	}
	return s.gate.Position(tokenID)
}

// SetOpenOrders reports the engine's current resting order count.
func (s *Service) SetOpenOrders(n int) { s.gate.SetOpenOrders(n) }

func (s *Service) Registry() *prometheus.Registry { return s.registry }

// EvaluateNow runs one trigger pass outside the periodic loop.
func (s *Service) EvaluateNow(ctx context.Context) (*state.TransitionRecord, error) {
	return s.trigger.Tick(ctx, s.source())
}

// Run starts the trigger loop, event dispatcher and extra runners, and
// blocks until ctx is cancelled or one of them fails.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.trigger.Run(ctx, s.source()) })
	g.Go(func() error { return s.events.Run(ctx) })
	for _, r := range s.runners {
		g.Go(func() error { return r(ctx) })
	}
	return g.Wait()
}

// Close stops recovery timers and closes the ledger.
func (s *Service) Close() error {
	s.recovery.Close()
	return s.ledger.Close()
}

func (s *Service) source() trigger.Source {
	return trigger.HealthSource{Provider: s.provider, Drawdown: s.drawdown}
}

func (s *Service) escalated(v recovery.SessionView) {
	s.metrics.SetPositionLimitFactor(v.PositionLimitFactor)
	for _, l := range s.listeners {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()
			if err := l.NotifyEscalation(ctx, v.ID, string(v.Phase), v.PositionLimitFactor); err != nil {
				s.logger.Warn("escalation notify failed", zap.Error(err))
			}
		}()
	}
}

// observedAppender counts failed appends before the store sees them.
type observedAppender struct {
	ledger  *ledger.Ledger
	metrics *metrics.Recorder
}

func (a *observedAppender) Append(rec state.TransitionRecord) error {
	if err := a.ledger.Append(rec); err != nil {
		a.metrics.ObserveAuditError()
		return err
	}
	return nil
}
