// Package maintenance schedules the periodic housekeeping jobs that
// don't belong on any request path: reaping connections whose clients
// stopped syncing, and reaping idle per-owner ingestion locks.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"copytrade-broker/config"
)

// ConnectionReaper is the narrow surface over the MT5Connection store.
type ConnectionReaper interface {
	ReapIdleConnections(ctx context.Context, maxIdle time.Duration) (int64, error)
}

// LockReaper is the narrow surface over the reconciler's per-owner lock
// table.
type LockReaper interface {
	ReapIdleLocks(maxIdle time.Duration) int
}

type Scheduler struct {
	cron *cron.Cron
}

// New builds the scheduler but does not start it; call Start once the
// rest of the dependency graph is wired.
func New(cfg *config.Config, conns ConnectionReaper, locks LockReaper) *Scheduler {
	c := cron.New()

	interval := cronSpecEverySeconds(cfg.StaleSessionInterval)

	c.AddFunc(interval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		n, err := conns.ReapIdleConnections(ctx, cfg.StaleSessionMaxIdle)
		if err != nil {
			log.Error().Err(err).Msg("stale connection reap failed")
			return
		}
		if n > 0 {
			log.Info().Int64("reaped", n).Msg("marked stale mt5 connections disconnected")
		}
	})

	c.AddFunc(interval, func() {
		n := locks.ReapIdleLocks(cfg.StaleSessionMaxIdle)
		if n > 0 {
			log.Info().Int("reaped", n).Msg("reaped idle ingestion locks")
		}
	})

	return &Scheduler{cron: c}
}

func (s *Scheduler) Start() { s.cron.Start() }

func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }

// cronSpecEverySeconds converts a Go duration into the "@every" spec
// cron/v3 understands; the cron library's own interval primitive is
// simpler here than writing out five-field crontab syntax for a
// configurable period.
func cronSpecEverySeconds(d time.Duration) string {
	if d <= 0 {
		d = time.Minute
	}
	return "@every " + d.String()
}
