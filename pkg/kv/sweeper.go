package kv

import (
	"context"
	"time"

	"github.com/roseybot/rosey/pkg/log"
	"github.com/roseybot/rosey/pkg/metrics"
)

// sweepErrorBackoff delays the loop after a failed pass so a broken database
// does not produce a tight error spin.
const sweepErrorBackoff = 5 * time.Second

// Sweeper periodically removes expired KV rows. Reads already treat expired
// rows as missing; the sweeper just reclaims the space.
type Sweeper struct {
	store    *Store
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper that runs every interval.
func NewSweeper(store *Store, interval time.Duration) *Sweeper {
	return &Sweeper{store: store, interval: interval}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	log.Logger.Info().Dur("interval", s.interval).Msg("KV sweeper started")
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	log.Logger.Info().Msg("KV sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.sweep(ctx) {
				select {
				case <-ctx.Done():
					return
				case <-time.After(sweepErrorBackoff):
				}
			}
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) bool {
	removed, err := s.store.SweepExpired(ctx)
	if err != nil {
		log.Logger.Error().Err(err).Msg("KV sweep failed")
		return false
	}
	metrics.RecordKVSweep(removed)
	if removed > 0 {
		log.Logger.Info().Int64("removed", removed).Msg("KV sweep removed expired keys")
	}
	return true
}
