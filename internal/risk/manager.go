// Package risk is the trading-side view of the kill switch: an order gate
// that honours the switch state and position-limit factor, and a drawdown
// tracker that feeds the triggers.
package risk

import (
	"errors"
	"fmt"
	"sync"

	"github.com/GoPolymarket/polymarket-killswitch/internal/config"
)

// ErrTradingHalted is returned while the kill switch blocks trading.
var ErrTradingHalted = errors.New("trading halted by kill switch")

// Switch is the part of the kill switch the gate consults on every order.
type Switch interface {
	TradingAllowed() bool
	PositionLimitFactor() float64
}

type Config struct {
	MaxOpenOrders        int
	MaxPositionPerMarket float64
}

func ConfigFrom(c config.RiskConfig) Config {
	return Config{MaxOpenOrders: c.MaxOpenOrders, MaxPositionPerMarket: c.MaxPositionPerMarket}
}

// Gate decides whether a new order may be placed.
type Gate struct {
	mu         sync.RWMutex
	cfg        Config
	sw         Switch
	openOrders int
	positions  map[string]float64 // tokenID → USDC exposure
}

func NewGate(cfg Config, sw Switch) *Gate {
	return &Gate{
		cfg:       cfg,
		sw:        sw,
		positions: make(map[string]float64),
	}
}

// Allow checks the kill switch first, then the order count, then the
// per-market position cap scaled by the current position-limit factor.
func (g *Gate) Allow(tokenID string, amountUSDC float64) error {
	if !g.sw.TradingAllowed() {
		return ErrTradingHalted
	}
	factor := g.sw.PositionLimitFactor()

	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.openOrders >= g.cfg.MaxOpenOrders {
		return fmt.Errorf("max open orders reached: %d/%d", g.openOrders, g.cfg.MaxOpenOrders)
	}
	limit := g.cfg.MaxPositionPerMarket * factor
	pos := g.positions[tokenID]
	if pos+amountUSDC > limit {
		return fmt.Errorf("position limit for %s: %.2f+%.2f > %.2f (factor %.2f)", tokenID, pos, amountUSDC, limit, factor)
	}
	return nil
}

func (g *Gate) SetOpenOrders(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.openOrders = n
}

func (g *Gate) AddPosition(tokenID string, amountUSDC float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[tokenID] += amountUSDC
}

func (g *Gate) RemovePosition(tokenID string, amountUSDC float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[tokenID] -= amountUSDC
	if g.positions[tokenID] <= 0 {
		delete(g.positions, tokenID)
	}
}

func (g *Gate) Position(tokenID string) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.positions[tokenID]
}
