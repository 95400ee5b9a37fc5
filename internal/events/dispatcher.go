// Package events fans committed transitions out to alert and messaging
// sinks without ever blocking the state store.
package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/GoPolymarket/polymarket-killswitch/internal/state"
)

const (
	DefaultQueueSize = 256
	drainTimeout     = 5 * time.Second
)

// Sink receives transition records.
type Sink interface {
	Name() string
	Publish(ctx context.Context, rec state.TransitionRecord) error
}

// Observer is notified about dispatch outcomes. *metrics.Recorder
// satisfies it.
type Observer interface {
	ObserveEventDropped()
	ObservePublish(sink string, err error)
}

// Dispatcher queues records and delivers them to every sink in order.
type Dispatcher struct {
	queue    chan state.TransitionRecord
	sinks    []Sink
	logger   *zap.Logger
	observer Observer
}

func NewDispatcher(size int, logger *zap.Logger, observer Observer, sinks ...Sink) *Dispatcher {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:    make(chan state.TransitionRecord, size),
		sinks:    sinks,
		logger:   logger,
		observer: observer,
	}
}

// Enqueue never blocks; a full queue drops the record with a warning. The
// audit ledger remains the source of truth.
func (d *Dispatcher) Enqueue(rec state.TransitionRecord) {
	select {
	case d.queue <- rec:
	default:
		d.logger.Warn("event queue full, dropping transition",
			zap.String("event_id", rec.EventID),
			zap.String("new_state", string(rec.NewState)),
		)
		if d.observer != nil {
			d.observer.ObserveEventDropped()
		}
	}
}

// Run delivers queued records until ctx is cancelled, then drains what is
// left with a short deadline.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return nil
		case rec := <-d.queue:
			d.deliver(ctx, rec)
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case rec := <-d.queue:
			d.deliver(ctx, rec)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, rec state.TransitionRecord) {
	for _, s := range d.sinks {
		err := s.Publish(ctx, rec)
		if err != nil {
			d.logger.Warn("event sink publish failed",
				zap.String("sink", s.Name()),
				zap.String("event_id", rec.EventID),
				zap.Error(err),
			)
		}
		if d.observer != nil {
			d.observer.ObservePublish(s.Name(), err)
		}
	}
}
