package vectorsink

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// HealthChecker monitors the Weaviate connection via periodic schema pings.
type HealthChecker struct {
	sink         *Sink
	healthy      atomic.Int32
	log          zerolog.Logger
	probeTimeout time.Duration
}

// NewHealthChecker creates a checker for the given sink.
func NewHealthChecker(s *Sink, log zerolog.Logger, probeTimeout time.Duration) *HealthChecker {
	hc := &HealthChecker{sink: s, log: log, probeTimeout: probeTimeout}
	hc.healthy.Store(0)
	return hc
}

func (hc *HealthChecker) Name() string    { return "vectorsink" }
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
		if err := hc.sink.HealthPing(checkCtx); err != nil {
			hc.log.Error().Stack().Err(err).Str("checker", hc.Name()).Msg("vector sink health check failed")
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
