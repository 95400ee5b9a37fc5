package health

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"

	"github.com/GoPolymarket/polymarket-killswitch/internal/clock"
)

const defaultCPUSample = 200 * time.Millisecond

// PriceAger reports how stale the freshest tracked price data is.
type PriceAger interface {
	MaxAge(now time.Time) time.Duration
}

// SystemProvider collects host resources with gopsutil and delegates
// exchange and price freshness to injected collaborators.
type SystemProvider struct {
	// Exchange returns nil when the exchange is reachable. A nil probe
	// reports the exchange as connected.
	Exchange func(ctx context.Context) error
	Prices   PriceAger
	// CPUSample is the window cpu_percent is averaged over.
	CPUSample time.Duration
	Clock     clock.Clock
}

func (p *SystemProvider) Snapshot(ctx context.Context) (Snapshot, error) {
	clk := p.Clock
	if clk == nil {
		clk = clock.Real()
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("health: read memory: %w", err)
	}

	sample := p.CPUSample
	if sample <= 0 {
		sample = defaultCPUSample
	}
	pcts, err := cpu.PercentWithContext(ctx, sample, false)
	if err != nil {
		return Snapshot{}, fmt.Errorf("health: read cpu: %w", err)
	}
	if len(pcts) == 0 {
		return Snapshot{}, fmt.Errorf("health: read cpu: no samples")
	}

	connected := true
	if p.Exchange != nil {
		connected = p.Exchange(ctx) == nil
	}

	now := clk.Now()
	var age time.Duration
	if p.Prices != nil {
		age = p.Prices.MaxAge(now)
	}

	return Snapshot{
		MemoryAvailableMB: float64(vm.Available) / (1024 * 1024),
		CPUPercent:        pcts[0],
		ExchangeConnected: connected,
		PriceDataAge:      age,
		CollectedAt:       now,
	}, nil
}
