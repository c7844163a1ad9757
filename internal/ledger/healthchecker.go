package ledger

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// HealthChecker monitors the ledger's SQLite connection via periodic pings.
// It implements health.HealthChecker without importing that package, so
// that internal/ledger never depends on internal/health.
type HealthChecker struct {
	ledger       *Ledger
	healthy      atomic.Int32
	log          zerolog.Logger
	probeTimeout time.Duration
}

// NewHealthChecker creates a checker for the given ledger.
func NewHealthChecker(l *Ledger, log zerolog.Logger, probeTimeout time.Duration) *HealthChecker {
	hc := &HealthChecker{ledger: l, log: log, probeTimeout: probeTimeout}
	hc.healthy.Store(0)
	return hc
}

func (hc *HealthChecker) Name() string    { return "ledger" }
func (hc *HealthChecker) IsHealthy() bool { return hc.healthy.Load() == 1 }

func (hc *HealthChecker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	check := func() {
		to := hc.probeTimeout
		if to <= 0 {
			to = 2 * time.Second
		}
		checkCtx, cancel := context.WithTimeout(ctx, to)
		defer cancel()
		if err := hc.ledger.HealthPing(checkCtx); err != nil {
			hc.log.Error().Stack().Err(err).Str("checker", hc.Name()).Msg("ledger health check failed")
			hc.healthy.Store(0)
			return
		}
		hc.healthy.Store(1)
	}

	check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
