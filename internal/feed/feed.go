// Package feed tracks how fresh the exchange's price data is.
package feed

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/GoPolymarket/polymarket-go-sdk/pkg/clob/ws"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/GoPolymarket/polymarket-killswitch/internal/clock"
)

// Subscriber is the part of the CLOB websocket client the feed needs.
type Subscriber interface {
	SubscribeOrderbook(ctx context.Context, assetIDs []string) (<-chan ws.OrderbookEvent, error)
}

// Resubscribe delays grow exponentially between these bounds and reset once
// a subscription delivers data.
const (
	resubscribeInitial = 2 * time.Second
	resubscribeMax     = time.Minute
)

// PriceClock records when each tracked asset last received an orderbook
// update. Assets that never updated age from the moment tracking started.
type PriceClock struct {
	mu      sync.RWMutex
	clock   clock.Clock
	started time.Time
	updated map[string]time.Time

	retryInitial time.Duration
	retryMax     time.Duration
}

func NewPriceClock(clk clock.Clock, assetIDs ...string) *PriceClock {
	if clk == nil {
		clk = clock.Real()
	}
	p := &PriceClock{
		clock:   clk,
		started: clk.Now(),
		updated: make(map[string]time.Time, len(assetIDs)),

		retryInitial: resubscribeInitial,
		retryMax:     resubscribeMax,
	}
	for _, id := range assetIDs {
		p.updated[id] = time.Time{}
	}
	return p
}

func (p *PriceClock) Update(event ws.OrderbookEvent) {
	if event.AssetID == "" {
		return
	}
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updated[event.AssetID] = now
}

// MaxAge returns the age of the stalest tracked asset. With nothing tracked
// it is zero.
func (p *PriceClock) MaxAge(now time.Time) time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var worst time.Duration
	for _, at := range p.updated {
		if at.IsZero() {
			at = p.started
		}
		if age := now.Sub(at); age > worst {
			worst = age
		}
	}
	return worst
}

// AssetIDs returns all tracked assets, sorted.
func (p *PriceClock) AssetIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.updated))
	for id := range p.updated {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run subscribes to orderbook updates and records them until ctx is done.
// Failed or closed subscriptions are retried with capped exponential
// backoff; staleness keeps growing in the meantime so the trigger sees the
// outage.
func (p *PriceClock) Run(ctx context.Context, sub Subscriber, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	assets := p.AssetIDs()
	if len(assets) == 0 {
		logger.Info("price feed disabled: no assets configured")
		<-ctx.Done()
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.retryInitial
	bo.MaxInterval = p.retryMax
	for {
		ch, err := sub.SubscribeOrderbook(ctx, assets)
		if err != nil {
			logger.Warn("orderbook subscribe failed", zap.Error(err))
		} else {
			logger.Info("orderbook subscribed", zap.Int("assets", len(assets)))
			if p.consume(ctx, ch) > 0 {
				bo.Reset()
			}
		}
		wait := bo.NextBackOff()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
			logger.Info("resubscribing to orderbook", zap.Duration("after", wait))
		}
	}
}

// consume applies events until ch closes or ctx is done and returns how
// many it saw.
func (p *PriceClock) consume(ctx context.Context, ch <-chan ws.OrderbookEvent) int {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return n
		case ev, ok := <-ch:
			if !ok {
				return n
			}
			p.Update(ev)
			n++
		}
	}
}
