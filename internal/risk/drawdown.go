package risk

import "sync"

// DrawdownTracker measures peak-to-trough equity decline in percent.
type DrawdownTracker struct {
	mu     sync.RWMutex
	peak   float64
	equity float64
}

// NewDrawdownTracker starts with capital as both peak and current equity.
func NewDrawdownTracker(capital float64) *DrawdownTracker {
	return &DrawdownTracker{peak: capital, equity: capital}
}

// RecordEquity sets the current account equity in USDC.
func (d *DrawdownTracker) RecordEquity(equity float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.equity = equity
	if equity > d.peak {
		d.peak = equity
	}
}

func (d *DrawdownTracker) Equity() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.equity
}

// DrawdownPct returns (peak-equity)/peak as a percentage, never negative.
func (d *DrawdownTracker) DrawdownPct() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.peak <= 0 || d.equity >= d.peak {
		return 0
	}
	return (d.peak - d.equity) / d.peak * 100
}
