package storage

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Purger is the part of FileManager the sweeper needs.
type Purger interface {
	PurgeOlderThan(ctx context.Context, prefix string, ageDays int) (int, error)
	RetentionDays() int
}

// Sweeper periodically expires the purgeable prefixes. It runs beside request
// traffic and never holds locks that uploads or downloads wait on.
type Sweeper struct {
	purger   Purger
	interval time.Duration
	prefixes []string
}

func NewSweeper(p Purger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Sweeper{purger: p, interval: interval, prefixes: PurgeablePrefixes}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce purges every purgeable prefix and returns the number of removed objects.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	total := 0
	for _, prefix := range s.prefixes {
		n, err := s.purger.PurgeOlderThan(ctx, prefix, s.purger.RetentionDays())
		if err != nil {
			log.Error().Err(err).Str("prefix", prefix).Msg("storage: sweep failed")
			continue
		}
		total += n
	}
	log.Debug().Int("removed", total).Msg("storage: sweep finished")
	return total
}
