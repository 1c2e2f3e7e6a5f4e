package batch

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scheduler triggers daily runs on an interval. It stands in for an
// external cron when the service runs standalone.
type Scheduler struct {
	proc     *Processor
	interval time.Duration
}

// NewScheduler creates a Scheduler. interval <= 0 defaults to 24h.
func NewScheduler(proc *Processor, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Scheduler{proc: proc, interval: interval}
}

// Run starts the trigger loop. It blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "batch.scheduler"))
	log.Info("starting batch scheduler", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("batch scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.proc.RunDaily(ctx); err != nil {
				log.Error("scheduled run failed", zap.Error(err))
			}
		}
	}
}
