// Package batch drives the daily source metrics recomputation: scan for
// active (brand, org) pairs, then recompute their daily aggregates in
// fixed-size concurrent batches with pauses in between.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lumenview/visibility-cli/internal/model"
	"github.com/lumenview/visibility-cli/internal/resilience"
	"github.com/lumenview/visibility-cli/internal/store"
)

// Store is the slice of the store the processor needs.
type Store interface {
	ScanActivePairs(ctx context.Context, start, end time.Time) ([]model.BrandActivity, error)
	RecomputeSourceMetrics(ctx context.Context, brandID, orgID string, day time.Time) error
}

// State tracks where a run currently is.
type State string

const (
	StateIdle     State = "IDLE"
	StateScanning State = "SCANNING"
	StateBatching State = "BATCHING"
	StateDone     State = "DONE"
	StateFailed   State = "FAILED"
)

// Config controls batch sizing and pacing.
type Config struct {
	// BatchSize is how many recompute jobs run concurrently per batch.
	BatchSize int
	// DailyPause is the pause between batches in a daily run; the pause is
	// the backpressure valve protecting the database.
	DailyPause time.Duration
	// BackfillPause is the shorter pause used between backfill batches.
	BackfillPause time.Duration
	// HighPriorityCount and MediumPriorityCount split the recency-ordered
	// scan into priority tiers.
	HighPriorityCount   int
	MediumPriorityCount int
	// Window is how far back the daily scan looks.
	Window time.Duration
	// Retry is the per-job retry policy.
	Retry resilience.RetryConfig
}

// DefaultConfig returns the production batch configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:           10,
		DailyPause:          time.Second,
		BackfillPause:       500 * time.Millisecond,
		HighPriorityCount:   5,
		MediumPriorityCount: 15,
		Window:              24 * time.Hour,
		Retry:               resilience.ProviderRetryConfig(),
	}
}

// Stats summarizes one completed run. TotalProcessed counts attempted jobs;
// Skipped counts jobs abandoned on cancellation.
type Stats struct {
	TotalProcessed int       `json:"totalProcessed"`
	Successful     int       `json:"successful"`
	Failed         int       `json:"failed"`
	Skipped        int       `json:"skipped"`
	DurationMillis int64     `json:"durationMillis"`
	StartTime      time.Time `json:"startTime"`
}

// Status reports processor health for the API surface.
type Status struct {
	State               State      `json:"state"`
	IsHealthy           bool       `json:"isHealthy"`
	LastProcessingTime  *time.Time `json:"lastProcessingTime,omitempty"`
	LastProcessingStats *Stats     `json:"lastProcessingStats,omitempty"`
	// ProcessingRate is jobs per minute over the last run. RateDefined is
	// false when the run was too fast to measure.
	ProcessingRate float64 `json:"processingRate"`
	RateDefined    bool    `json:"rateDefined"`
}

// healthyWindow is how recent the last run must be for the processor to
// report healthy.
const healthyWindow = time.Hour

// healthySuccessRate is the minimum success fraction when jobs ran.
const healthySuccessRate = 0.9

// Processor recomputes source metrics for active brand/org pairs.
type Processor struct {
	store Store
	cfg   Config
	now   func() time.Time

	mu       sync.Mutex
	state    State
	lastTime *time.Time
	lastRun  *Stats
}

// New creates a Processor.
func New(st Store, cfg Config) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	return &Processor{
		store: st,
		cfg:   cfg,
		now:   time.Now,
		state: StateIdle,
	}
}

type job struct {
	pair     model.BrandActivity
	day      time.Time
	priority model.Priority
}

// RunDaily scans the trailing window for active pairs and recomputes
// today's aggregates for each.
func (p *Processor) RunDaily(ctx context.Context) (Stats, error) {
	end := p.now().UTC()
	start := end.Add(-p.cfg.Window)
	return p.run(ctx, []scan{{start: start, end: end, day: end}}, p.cfg.DailyPause)
}

// RunRange recomputes aggregates for every calendar day from start through
// end inclusive, scanning each day independently. Range validation belongs
// to the caller.
func (p *Processor) RunRange(ctx context.Context, start, end time.Time) (Stats, error) {
	var scans []scan
	first, _ := store.DayWindow(start)
	last, _ := store.DayWindow(end)
	for day := first; !day.After(last); day = day.Add(24 * time.Hour) {
		dayStart, dayEnd := store.DayWindow(day)
		scans = append(scans, scan{start: dayStart, end: dayEnd, day: day})
	}
	return p.run(ctx, scans, p.cfg.BackfillPause)
}

type scan struct {
	start, end time.Time
	day        time.Time
}

// run executes scan+batch for each day independently: an earlier day's
// recomputes are already persisted before a later day's scan can fail.
func (p *Processor) run(ctx context.Context, scans []scan, pause time.Duration) (Stats, error) {
	startedAt := p.now().UTC()
	log := zap.L().With(zap.String("component", "batch.processor"))

	var stats Stats
	for _, sc := range scans {
		if ctx.Err() != nil {
			break
		}

		p.setState(StateScanning)
		pairs, err := p.store.ScanActivePairs(ctx, sc.start, sc.end)
		if err != nil {
			p.setState(StateFailed)
			return Stats{}, eris.Wrapf(err, "batch: scan active pairs %s", sc.day.Format("2006-01-02"))
		}

		jobs := make([]job, 0, len(pairs))
		for i, pair := range pairs {
			jobs = append(jobs, job{pair: pair, day: sc.day, priority: priorityFor(i, p.cfg)})
		}
		log.Info("scan complete",
			zap.String("day", sc.day.Format("2006-01-02")),
			zap.Int("jobs", len(jobs)),
		)

		p.setState(StateBatching)
		p.process(ctx, jobs, pause, log, &stats)
	}

	stats.StartTime = startedAt
	stats.DurationMillis = p.now().UTC().Sub(startedAt).Milliseconds()

	p.finish(stats)
	log.Info("run complete",
		zap.Int("total_processed", stats.TotalProcessed),
		zap.Int("successful", stats.Successful),
		zap.Int("failed", stats.Failed),
		zap.Int("skipped", stats.Skipped),
		zap.Int64("duration_ms", stats.DurationMillis),
	)
	return stats, nil
}

// process works through jobs in fixed batches, accumulating into stats.
// Cancellation is honored at batch boundaries: an in-flight batch always
// drains.
func (p *Processor) process(ctx context.Context, jobs []job, pause time.Duration, log *zap.Logger, stats *Stats) {
	for offset := 0; offset < len(jobs); offset += p.cfg.BatchSize {
		if ctx.Err() != nil {
			stats.Skipped += len(jobs) - offset
			log.Warn("run cancelled", zap.Int("skipped", stats.Skipped))
			break
		}

		batchEnd := offset + p.cfg.BatchSize
		if batchEnd > len(jobs) {
			batchEnd = len(jobs)
		}
		batch := jobs[offset:batchEnd]

		var mu sync.Mutex
		g := new(errgroup.Group)
		for _, j := range batch {
			g.Go(func() error {
				err := resilience.Do(ctx, p.cfg.Retry, func(ctx context.Context) error {
					return p.store.RecomputeSourceMetrics(ctx, j.pair.BrandID, j.pair.OrgID, j.day)
				})

				mu.Lock()
				defer mu.Unlock()
				stats.TotalProcessed++
				if err != nil {
					stats.Failed++
					log.Error("recompute failed",
						zap.String("brand_id", j.pair.BrandID),
						zap.String("org_id", j.pair.OrgID),
						zap.String("day", j.day.Format("2006-01-02")),
						zap.String("priority", string(j.priority)),
						zap.Error(err),
					)
				} else {
					stats.Successful++
				}
				return nil
			})
		}
		g.Wait()

		if batchEnd < len(jobs) && pause > 0 {
			timer := time.NewTimer(pause)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
	}
}

func priorityFor(index int, cfg Config) model.Priority {
	switch {
	case index < cfg.HighPriorityCount:
		return model.PriorityHigh
	case index < cfg.HighPriorityCount+cfg.MediumPriorityCount:
		return model.PriorityMedium
	default:
		return model.PriorityLow
	}
}

func (p *Processor) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Processor) finish(stats Stats) {
	now := p.now().UTC()
	p.mu.Lock()
	p.state = StateDone
	p.lastTime = &now
	p.lastRun = &stats
	p.mu.Unlock()
}

// Status reports the current state and health of the processor. Healthy
// means a run finished within the last hour and, when jobs were processed,
// at least 90% of them succeeded. A recent run that found nothing to do is
// healthy.
func (p *Processor) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{State: p.state}
	if p.lastRun == nil || p.lastTime == nil {
		return st
	}

	stats := *p.lastRun
	last := *p.lastTime
	st.LastProcessingTime = &last
	st.LastProcessingStats = &stats

	// The rate is undefined for an instantaneous or empty run.
	if stats.DurationMillis > 0 && stats.TotalProcessed > 0 {
		st.ProcessingRate = float64(stats.TotalProcessed) / float64(stats.DurationMillis) * 60000
		st.RateDefined = true
	}

	if p.now().UTC().Sub(last) >= healthyWindow {
		return st
	}
	if stats.TotalProcessed > 0 {
		rate := float64(stats.Successful) / float64(stats.TotalProcessed)
		st.IsHealthy = rate > healthySuccessRate
		return st
	}
	st.IsHealthy = true
	return st
}
