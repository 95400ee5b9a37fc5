// Package recovery gates the way back from KILLED: approval, health and a
// cooldown, followed by a staged restoration of position limits.
package recovery

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GoPolymarket/polymarket-killswitch/internal/clock"
	"github.com/GoPolymarket/polymarket-killswitch/internal/health"
	"github.com/GoPolymarket/polymarket-killswitch/internal/state"
)

const (
	DefaultCooldown = 300 * time.Second
	DefaultTick     = 60 * time.Second
)

var errSuperseded = errors.New("recovery: session superseded")

// Store is the part of the state store the coordinator drives.
type Store interface {
	State() state.State
	Apply(req state.Request) (state.TransitionRecord, error)
	OnTransition(h state.Hook)
}

// HealthCheck probes platform health at request time.
type HealthCheck func(ctx context.Context) health.Result

type Request struct {
	Reason       string
	ApprovalCode string
	Actor        string
	RequestedAt  time.Time
}

type Options struct {
	Clock      clock.Clock
	Logger     *zap.Logger
	Cooldown   time.Duration
	Escalation []time.Duration
	Tick       time.Duration
	// ApprovalCode resolves the shared secret at request time.
	ApprovalCode func() (string, error)
	// MaxAttemptsPerMinute bounds approval attempts. Zero disables limiting.
	MaxAttemptsPerMinute int
	// OnEscalate is called outside any lock whenever the factor steps up.
	OnEscalate func(SessionView)
}

// Coordinator owns the single live recovery session.
type Coordinator struct {
	store    Store
	health   HealthCheck
	clock    clock.Clock
	logger   *zap.Logger
	cooldown time.Duration
	tick     time.Duration
	sched    schedule
	code     func() (string, error)
	limiter  *rate.Limiter
	onEsc    func(SessionView)

	mu   sync.Mutex
	live *session
}

// New creates a coordinator and registers its supersession hook on store.
func New(store Store, check HealthCheck, opts Options) *Coordinator {
	c := &Coordinator{
		store:    store,
		health:   check,
		clock:    opts.Clock,
		logger:   opts.Logger,
		cooldown: opts.Cooldown,
		tick:     opts.Tick,
		sched:    schedule(opts.Escalation),
		code:     opts.ApprovalCode,
		onEsc:    opts.OnEscalate,
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.cooldown <= 0 {
		c.cooldown = DefaultCooldown
	}
	if c.tick <= 0 {
		c.tick = DefaultTick
	}
	if opts.MaxAttemptsPerMinute > 0 {
		n := opts.MaxAttemptsPerMinute
		c.limiter = rate.NewLimiter(rate.Limit(float64(n)/60), n)
	}
	store.OnTransition(c.supersede)
	return c
}

// RequestRecovery validates the preconditions in order (state, approval,
// health) and on success enters RECOVERING with a fresh cooldown session.
func (c *Coordinator) RequestRecovery(ctx context.Context, req Request) (SessionView, error) {
	if st := c.store.State(); st != state.Killed {
		return SessionView{}, notKilled(st)
	}
	if err := c.checkApproval(req.ApprovalCode); err != nil {
		c.logger.Warn("recovery denied", zap.String("actor", req.Actor), zap.Error(err))
		return SessionView{}, err
	}

	res := c.health(ctx)
	if !res.Passed {
		err := &DeniedError{
			Reason: ReasonHealthFailed,
			Detail: "health check failed: " + res.Summary(),
			Health: &res,
		}
		c.logger.Warn("recovery denied", zap.String("actor", req.Actor), zap.Error(err))
		return SessionView{}, err
	}

	var view SessionView
	_, err := c.store.Apply(state.Request{
		To:          state.Recovering,
		TriggeredBy: state.ByRecovery,
		Reason:      req.Reason,
		Actor:       req.Actor,
		OnCommit: func(rec state.TransitionRecord) {
			c.mu.Lock()
			defer c.mu.Unlock()
			s := &session{
				id:          uuid.NewString(),
				phase:       PhaseCooldown,
				startedAt:   rec.Timestamp,
				cooldownEnd: rec.Timestamp.Add(c.cooldown),
			}
			s.cooldown = c.clock.AfterFunc(c.cooldown, func() { c.finishCooldown(s) })
			c.live = s
			view = s.view()
		},
	})
	if err != nil {
		var inv *state.InvalidTransitionError
		if errors.As(err, &inv) {
			return SessionView{}, notKilled(inv.From)
		}
		return SessionView{}, err
	}

	c.logger.Info("recovery session started",
		zap.String("session_id", view.ID),
		zap.String("actor", req.Actor),
		zap.Time("cooldown_end", view.CooldownEnd),
	)
	return view, nil
}

// Session returns the live session, bringing its escalation up to date.
func (c *Coordinator) Session() (SessionView, bool) {
	c.mu.Lock()
	s := c.live
	if s == nil {
		c.mu.Unlock()
		return SessionView{}, false
	}
	changed := c.sched.advance(s, c.clock.Now())
	v := s.view()
	c.mu.Unlock()

	if changed {
		c.escalated(v)
	}
	return v, true
}

// PositionLimitFactor is 0 while trading is halted, the session factor
// while escalating and 1 otherwise.
func (c *Coordinator) PositionLimitFactor() float64 {
	switch c.store.State() {
	case state.Killed, state.Recovering:
		return 0
	}
	v, ok := c.Session()
	if !ok {
		return 1
	}
	if v.Phase == PhaseCooldown {
		// ACTIVE is already visible but the commit callback has not run yet.
		return 0
	}
	return v.PositionLimitFactor
}

// Close stops the live session's timers. Used on shutdown only.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live != nil {
		c.live.stopTimers()
	}
}

func (c *Coordinator) checkApproval(code string) error {
	if c.limiter != nil && !c.limiter.AllowN(c.clock.Now(), 1) {
		return &DeniedError{Reason: ReasonRateLimited, Detail: "too many recovery attempts"}
	}
	if c.code == nil {
		return &DeniedError{Reason: ReasonApprovalUnavailable, Detail: "approval code source not configured"}
	}
	expected, err := c.code()
	if err != nil {
		return &DeniedError{Reason: ReasonApprovalUnavailable, Detail: err.Error()}
	}
	got := sha256.Sum256([]byte(code))
	want := sha256.Sum256([]byte(expected))
	if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
		return &DeniedError{Reason: ReasonInvalidApproval, Detail: "approval code does not match"}
	}
	return nil
}

// finishCooldown runs on the cooldown timer. The guard makes it a no-op
// once the session has been superseded.
func (c *Coordinator) finishCooldown(s *session) {
	var v SessionView
	_, err := c.store.Apply(state.Request{
		To:          state.Active,
		TriggeredBy: state.BySystem,
		Reason:      "cooldown elapsed",
		Guard: func(state.State) error {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.live != s {
				return errSuperseded
			}
			return nil
		},
		OnCommit: func(rec state.TransitionRecord) {
			c.mu.Lock()
			defer c.mu.Unlock()
			s.cooldown = nil
			s.phase = PhaseEscalating
			s.activeAt = rec.Timestamp
			s.factor = c.sched.factor(0)
			if len(c.sched) == 0 {
				s.phase = PhaseComplete
			} else {
				c.scheduleTickLocked(s)
			}
			v = s.view()
		},
	})
	if err != nil {
		var inv *state.InvalidTransitionError
		if errors.Is(err, errSuperseded) || errors.As(err, &inv) {
			c.logger.Debug("stale cooldown timer ignored", zap.String("session_id", s.id))
			return
		}
		// Stays RECOVERING with trading halted until an operator acts.
		c.logger.Error("cooldown completion failed", zap.String("session_id", s.id), zap.Error(err))
		return
	}
	c.logger.Info("recovery cooldown elapsed",
		zap.String("session_id", v.ID),
		zap.Float64("position_limit_factor", v.PositionLimitFactor),
	)
}

func (c *Coordinator) scheduleTickLocked(s *session) {
	s.tick = c.clock.AfterFunc(c.tick, func() { c.onTick(s) })
}

func (c *Coordinator) onTick(s *session) {
	c.mu.Lock()
	if c.live != s {
		c.mu.Unlock()
		return
	}
	changed := c.sched.advance(s, c.clock.Now())
	s.tick = nil
	if s.phase == PhaseEscalating {
		c.scheduleTickLocked(s)
	}
	v := s.view()
	c.mu.Unlock()

	if changed {
		c.escalated(v)
	}
}

// supersede runs inside the store's critical section on every transition.
func (c *Coordinator) supersede(rec state.TransitionRecord) {
	if rec.NewState != state.Killed {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live == nil {
		return
	}
	c.live.stopTimers()
	c.logger.Info("recovery session superseded",
		zap.String("session_id", c.live.id),
		zap.String("phase", string(c.live.phase)),
		zap.String("kill_event_id", rec.EventID),
	)
	c.live = nil
}

func (c *Coordinator) escalated(v SessionView) {
	c.logger.Info("position limit escalated",
		zap.String("session_id", v.ID),
		zap.String("phase", string(v.Phase)),
		zap.Float64("position_limit_factor", v.PositionLimitFactor),
	)
	if c.onEsc != nil {
		c.onEsc(v)
	}
}

func notKilled(st state.State) error {
	return &DeniedError{
		Reason: ReasonNotKilled,
		Detail: fmt.Sprintf("recovery requires state KILLED, current state is %s", st),
	}
}
