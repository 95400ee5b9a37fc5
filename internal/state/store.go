package state

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GoPolymarket/polymarket-killswitch/internal/clock"
)

// Appender durably persists a record before it is acknowledged.
type Appender interface {
	Append(rec TransitionRecord) error
}

// Options configure Open.
type Options struct {
	Clock  clock.Clock
	Logger *zap.Logger
	// Disabled selects the load-time DISABLED mode.
	Disabled bool
	// Last is the newest record already in the ledger, if any.
	Last *TransitionRecord
}

// Request describes a transition. Guard runs inside the critical section
// before the append and can veto the transition; OnCommit runs inside the
// critical section after the new state is stored.
type Request struct {
	To          State
	TriggeredBy TriggeredBy
	Reason      string
	Actor       string
	Guard       func(from State) error
	OnCommit    func(rec TransitionRecord)
}

// Hook observes committed transitions inside the critical section. Hooks
// must not call back into the Store.
type Hook func(rec TransitionRecord)

// Store is the single owner of the kill switch state. Every mutation goes
// through Apply, which serializes legality check, audit append and swap.
type Store struct {
	mu       sync.Mutex
	current  atomic.Value // State
	appender Appender
	clock    clock.Clock
	logger   *zap.Logger
	lastTS   time.Time
	hooks    []Hook
}

// Open restores the state from the ledger tail and applies the configured
// mode. Load-time edges are audited like any other transition.
func Open(appender Appender, opts Options) (*Store, error) {
	if appender == nil {
		return nil, fmt.Errorf("state store: appender is required")
	}
	s := &Store{
		appender: appender,
		clock:    opts.Clock,
		logger:   opts.Logger,
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	initial := Active
	if opts.Last != nil {
		initial = opts.Last.NewState
		s.lastTS = opts.Last.Timestamp
	}
	s.current.Store(initial)

	s.mu.Lock()
	defer s.mu.Unlock()

	if initial == Recovering {
		if _, err := s.commitLocked(Recovering, Request{
			To:          Killed,
			TriggeredBy: BySystem,
			Reason:      "recovery session lost on restart",
		}); err != nil {
			return nil, err
		}
		initial = Killed
	}

	switch {
	case opts.Disabled && initial != Disabled:
		if _, err := s.commitLocked(initial, Request{
			To:          Disabled,
			TriggeredBy: BySystem,
			Reason:      "configured mode=disabled",
		}); err != nil {
			return nil, err
		}
	case !opts.Disabled && initial == Disabled:
		if _, err := s.commitLocked(initial, Request{
			To:          Active,
			TriggeredBy: BySystem,
			Reason:      "configured mode=active",
		}); err != nil {
			return nil, err
		}
	}

	s.logger.Info("kill switch state loaded",
		zap.String("state", string(s.State())),
		zap.Bool("restored", opts.Last != nil),
	)
	return s, nil
}

// State returns the last committed state without blocking.
func (s *Store) State() State {
	return s.current.Load().(State)
}

// OnTransition registers a hook for every committed transition.
func (s *Store) OnTransition(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

// Transition moves to the given state along a runtime edge.
func (s *Store) Transition(to State, by TriggeredBy, reason, actor string) (TransitionRecord, error) {
	return s.Apply(Request{To: to, TriggeredBy: by, Reason: reason, Actor: actor})
}

// Apply validates the edge, runs the guard, appends the record and only then
// swaps the in-memory state.
func (s *Store) Apply(req Request) (TransitionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.State()
	if !allowed(from, req.To) {
		return TransitionRecord{}, &InvalidTransitionError{From: from, To: req.To}
	}
	if req.Guard != nil {
		if err := req.Guard(from); err != nil {
			return TransitionRecord{}, err
		}
	}
	return s.commitLocked(from, req)
}

func (s *Store) commitLocked(from State, req Request) (TransitionRecord, error) {
	rec := TransitionRecord{
		EventID:       uuid.NewString(),
		Timestamp:     s.nextTimestampLocked(),
		PreviousState: from,
		NewState:      req.To,
		TriggeredBy:   req.TriggeredBy,
		Reason:        req.Reason,
		Actor:         req.Actor,
	}
	if err := s.appender.Append(rec); err != nil {
		s.logger.Error("audit append failed, state unchanged",
			zap.String("from", string(from)),
			zap.String("to", string(req.To)),
			zap.Error(err),
		)
		return TransitionRecord{}, &AuditWriteError{Err: err}
	}
	s.current.Store(req.To)
	s.lastTS = rec.Timestamp

	if req.OnCommit != nil {
		req.OnCommit(rec)
	}
	for _, h := range s.hooks {
		h(rec)
	}

	s.logger.Info("kill switch transition",
		zap.String("event_id", rec.EventID),
		zap.String("from", string(from)),
		zap.String("to", string(req.To)),
		zap.String("triggered_by", string(req.TriggeredBy)),
		zap.String("reason", req.Reason),
		zap.String("actor", req.Actor),
	)
	return rec, nil
}

func (s *Store) nextTimestampLocked() time.Time {
	now := s.clock.Now().UTC()
	if now.Before(s.lastTS) {
		return s.lastTS
	}
	return now
}
