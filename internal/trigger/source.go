package trigger

import (
	"context"

	"github.com/GoPolymarket/polymarket-killswitch/internal/health"
)

// DrawdownReader reports the current peak-to-trough drawdown in percent.
type DrawdownReader interface {
	DrawdownPct() float64
}

// HealthSource combines a health snapshot with the portfolio drawdown.
type HealthSource struct {
	Provider health.Provider
	Drawdown DrawdownReader
}

func (s HealthSource) Metrics(ctx context.Context) (Metrics, error) {
	snap, err := s.Provider.Snapshot(ctx)
	if err != nil {
		return Metrics{}, err
	}
	m := Metrics{
		ExchangeConnected: snap.ExchangeConnected,
		PriceDataAge:      snap.PriceDataAge,
		MemoryAvailableMB: snap.MemoryAvailableMB,
		CPUPercent:        snap.CPUPercent,
	}
	if s.Drawdown != nil {
		m.DrawdownPct = s.Drawdown.DrawdownPct()
	}
	return m, nil
}
