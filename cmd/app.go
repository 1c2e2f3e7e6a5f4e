package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/lumenview/visibility-cli/internal/batch"
	"github.com/lumenview/visibility-cli/internal/config"
	"github.com/lumenview/visibility-cli/internal/extract"
	"github.com/lumenview/visibility-cli/internal/registry"
	"github.com/lumenview/visibility-cli/internal/resilience"
	"github.com/lumenview/visibility-cli/internal/resolve"
	"github.com/lumenview/visibility-cli/internal/store"
	"github.com/lumenview/visibility-cli/pkg/anthropic"
	"github.com/lumenview/visibility-cli/pkg/sitemeta"
)

// app wires the store, extractor, registry and batch processor together for
// the commands that need them.
type app struct {
	store     store.Store
	extractor *extract.Extractor
	registry  *registry.Registry
	processor *batch.Processor
}

func initApp(ctx context.Context) (*app, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	extractor, err := initExtractor()
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{
		store:     st,
		extractor: extractor,
		registry:  registry.New(st, initResolver(st)),
		processor: batch.New(st, batchConfig(cfg.Batch)),
	}, nil
}

func (a *app) Close() {
	a.store.Close()
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "visibility.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initExtractor() (*extract.Extractor, error) {
	if cfg.Extract.ShapesPath == "" {
		return extract.New(), nil
	}
	shapes, err := extract.LoadShapes(cfg.Extract.ShapesPath)
	if err != nil {
		return nil, eris.Wrap(err, "load extractor shapes")
	}
	return extract.NewWithShapes(shapes), nil
}

func initResolver(st store.Store) *resolve.Resolver {
	if !cfg.Resolver.LiveLookup {
		return resolve.New(st, nil, nil)
	}

	meta := sitemeta.NewClient(
		sitemeta.WithRateLimit(cfg.Resolver.FetchRatePerSec, cfg.Resolver.FetchBurst),
	)
	var llm anthropic.Client
	if cfg.Anthropic.Key != "" {
		llm = anthropic.NewClient(cfg.Anthropic.Key)
	}
	return resolve.New(st, meta, llm, resolve.WithModel(cfg.Anthropic.Model))
}

func batchConfig(bc config.BatchConfig) batch.Config {
	out := batch.DefaultConfig()
	if bc.BatchSize > 0 {
		out.BatchSize = bc.BatchSize
	}
	if bc.DailyPauseMs > 0 {
		out.DailyPause = time.Duration(bc.DailyPauseMs) * time.Millisecond
	}
	if bc.BackfillPauseMs > 0 {
		out.BackfillPause = time.Duration(bc.BackfillPauseMs) * time.Millisecond
	}
	if bc.HighPriorityCount > 0 {
		out.HighPriorityCount = bc.HighPriorityCount
	}
	if bc.MediumPriorityCount > 0 {
		out.MediumPriorityCount = bc.MediumPriorityCount
	}
	if bc.WindowHours > 0 {
		out.Window = time.Duration(bc.WindowHours) * time.Hour
	}
	retry := resilience.FromRetryConfig(bc.RetryMaxAttempts, bc.RetryBackoffMs, bc.RetryMaxBackoffMs, bc.RetryMultiplier, bc.RetryJitter)
	retry.ShouldRetry = func(error) bool { return true }
	out.Retry = retry
	return out
}
