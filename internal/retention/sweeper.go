// Package retention runs the background sweep that expires sessions older
// than the retention window.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Cleaner deletes expired sessions. Implemented by the orchestration facade.
type Cleaner interface {
	DeleteExpiredSessions(ctx context.Context, olderThan time.Duration, maxJobs int) (int, error)
}

// Sweeper periodically expires old sessions. Runs are single-flight: an
// iteration still in progress causes the next tick to be skipped rather than
// overlapped.
type Sweeper struct {
	cleaner   Cleaner
	olderThan time.Duration
	interval  time.Duration
	batchSize int
	cron      *cron.Cron
}

func New(cleaner Cleaner, olderThan, interval time.Duration, batchSize int) *Sweeper {
	return &Sweeper{
		cleaner:   cleaner,
		olderThan: olderThan,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Start begins the sweep schedule. Call Stop to shut down.
func (s *Sweeper) Start() {
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))
	s.cron.Schedule(cron.Every(s.interval), cron.FuncJob(s.sweep))
	s.cron.Start()
	slog.Info("retention sweeper started",
		"interval", s.interval, "retention", s.olderThan, "batchSize", s.batchSize)
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweep() {
	// Each sweep is bounded independently of the schedule.
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()
	if _, err := s.cleaner.DeleteExpiredSessions(ctx, s.olderThan, s.batchSize); err != nil {
		slog.Warn("retention sweep failed", "error", err)
	}
}
