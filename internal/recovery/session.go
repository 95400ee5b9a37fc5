package recovery

import (
	"time"

	"github.com/GoPolymarket/polymarket-killswitch/internal/clock"
)

type Phase string

const (
	PhaseCooldown   Phase = "COOLDOWN"
	PhaseEscalating Phase = "ESCALATING"
	PhaseComplete   Phase = "COMPLETE"
)

// SessionView is a read-only copy of the live recovery session.
type SessionView struct {
	ID                  string     `json:"id"`
	Phase               Phase      `json:"phase"`
	StartedAt           time.Time  `json:"started_at"`
	CooldownEnd         time.Time  `json:"cooldown_end"`
	ActiveAt            *time.Time `json:"active_at,omitempty"`
	PositionLimitFactor float64    `json:"position_limit_factor"`
}

// session is owned by the Coordinator and only touched under its mutex.
// Once discarded it is never mutated again.
type session struct {
	id          string
	phase       Phase
	startedAt   time.Time
	cooldownEnd time.Time
	activeAt    time.Time
	step        int
	factor      float64

	cooldown clock.Timer
	tick     clock.Timer
}

func (s *session) view() SessionView {
	v := SessionView{
		ID:                  s.id,
		Phase:               s.phase,
		StartedAt:           s.startedAt,
		CooldownEnd:         s.cooldownEnd,
		PositionLimitFactor: s.factor,
	}
	if !s.activeAt.IsZero() {
		at := s.activeAt
		v.ActiveAt = &at
	}
	return v
}

func (s *session) stopTimers() {
	if s.cooldown != nil {
		s.cooldown.Stop()
		s.cooldown = nil
	}
	if s.tick != nil {
		s.tick.Stop()
		s.tick = nil
	}
}

// schedule maps time since re-ACTIVE to a position limit factor. With N
// intervals the factor climbs from 0.5 to 1.0 in N equal steps.
type schedule []time.Duration

func (sc schedule) factor(step int) float64 {
	if len(sc) == 0 {
		return 1
	}
	return 0.5 + float64(step)*0.5/float64(len(sc))
}

// stepAt returns how many intervals have fully elapsed.
func (sc schedule) stepAt(elapsed time.Duration) int {
	step := 0
	for _, iv := range sc {
		if elapsed < iv {
			break
		}
		step++
	}
	return step
}

// advance moves an escalating session forward to now. It reports whether
// the factor changed. The step never decreases.
func (sc schedule) advance(s *session, now time.Time) bool {
	if s.phase != PhaseEscalating {
		return false
	}
	step := sc.stepAt(now.Sub(s.activeAt))
	if step <= s.step {
		return false
	}
	s.step = step
	s.factor = sc.factor(step)
	if step >= len(sc) {
		s.phase = PhaseComplete
		s.factor = 1
	}
	return true
}
