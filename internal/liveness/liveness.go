// Package liveness implements the hub's Liveness Monitor: a single
// background task that periodically sweeps the Registry Store, demoting
// records whose heartbeat has gone stale to offline.
package liveness

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Sweeper is the narrow slice of internal/store.Store the monitor needs.
type Sweeper interface {
	Sweep(threshold time.Duration)
}

// Monitor runs the periodic liveness sweep.
type Monitor struct {
	store            Sweeper
	sweepInterval    time.Duration
	offlineThreshold time.Duration
}

// New creates a Monitor. sweepInterval defaults to 10s and offlineThreshold
// to 30s when zero is passed.
func New(store Sweeper, sweepInterval, offlineThreshold time.Duration) *Monitor {
	if sweepInterval <= 0 {
		sweepInterval = 10 * time.Second
	}
	if offlineThreshold <= 0 {
		offlineThreshold = 30 * time.Second
	}
	return &Monitor{store: store, sweepInterval: sweepInterval, offlineThreshold: offlineThreshold}
}

// Run blocks, ticking every sweepInterval until ctx is cancelled. Each tick
// runs on an errgroup so a slow sweep never blocks the monitor from
// observing cancellation.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	g, gctx := errgroup.WithContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case <-ticker.C:
			g.Go(func() error {
				m.store.Sweep(m.offlineThreshold)
				return nil
			})
			select {
			case <-gctx.Done():
				return g.Wait()
			default:
			}
		}
	}
}
