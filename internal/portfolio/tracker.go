// Package portfolio polls account value from the Polymarket Data API and
// feeds it to the drawdown trigger.
package portfolio

import (
	"context"
	"sync"
	"time"

	"github.com/GoPolymarket/polymarket-go-sdk/pkg/data"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// EquitySink receives every successfully synced account value.
type EquitySink interface {
	RecordEquity(equityUSDC float64)
}

type valueFunc func(ctx context.Context) (float64, error)

// Tracker periodically syncs total portfolio value.
type Tracker struct {
	fetch        valueFunc
	sink         EquitySink
	logger       *zap.Logger
	syncInterval time.Duration

	mu         sync.RWMutex
	totalValue float64
	lastSync   time.Time
}

// NewTracker syncs the value of userAddr at the given interval.
func NewTracker(dataClient data.Client, userAddr common.Address, syncInterval time.Duration, sink EquitySink, logger *zap.Logger) *Tracker {
	fetch := func(ctx context.Context) (float64, error) {
		values, err := dataClient.Value(ctx, &data.ValueRequest{User: userAddr})
		if err != nil {
			return 0, err
		}
		var total float64
		for _, v := range values {
			f, _ := v.Value.Float64()
			total += f
		}
		return total, nil
	}
	return newTracker(fetch, syncInterval, sink, logger)
}

func newTracker(fetch valueFunc, syncInterval time.Duration, sink EquitySink, logger *zap.Logger) *Tracker {
	if syncInterval <= 0 {
		syncInterval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		fetch:        fetch,
		sink:         sink,
		logger:       logger,
		syncInterval: syncInterval,
	}
}

// Sync fetches the current value and forwards it to the sink. A failed
// fetch leaves the previous value in place.
func (t *Tracker) Sync(ctx context.Context) error {
	total, err := t.fetch(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.totalValue = total
	t.lastSync = time.Now()
	t.mu.Unlock()

	if t.sink != nil {
		t.sink.RecordEquity(total)
	}
	return nil
}

// TotalValue returns the cached total portfolio value.
func (t *Tracker) TotalValue() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalValue
}

// LastSync returns the time of the last successful sync.
func (t *Tracker) LastSync() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastSync
}

// Run syncs immediately and then on every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	if err := t.Sync(ctx); err != nil {
		t.logger.Warn("portfolio initial sync failed", zap.Error(err))
	}

	ticker := time.NewTicker(t.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := t.Sync(ctx); err != nil {
				t.logger.Warn("portfolio sync failed", zap.Error(err))
			}
		}
	}
}
