// Package registry persists extracted citations as deduplicated sources and
// links them to the results that cited them.
package registry

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lumenview/visibility-cli/internal/model"
	"github.com/lumenview/visibility-cli/internal/resolve"
	"github.com/lumenview/visibility-cli/internal/store"
)

// SourceStore is the slice of the store the registry needs.
type SourceStore interface {
	GetSourceByURL(ctx context.Context, url string) (*model.Source, error)
	CreateSourceLinked(ctx context.Context, src *model.Source, resultID string) error
	LinkResultSource(ctx context.Context, resultID, sourceID string) error
}

// TypeResolver classifies the hostname of a newly sighted source.
type TypeResolver interface {
	Resolve(ctx context.Context, hostname, correlationID string) resolve.Info
}

// Summary tallies one RegisterAndLink call. Partial failure is expected
// operation, not an error: a citation that cannot be persisted costs one
// Failed count and nothing else.
type Summary struct {
	Created int `json:"created"`
	Linked  int `json:"linked"`
	Failed  int `json:"failed"`
}

// Registry registers citations concurrently. The sources.url unique
// constraint is the only dedup primitive: writers insert optimistically and
// recover when another writer got there first.
type Registry struct {
	store       SourceStore
	resolver    TypeResolver
	concurrency int
}

// New creates a Registry. resolver may be nil; sources are then registered
// without a type.
func New(st SourceStore, resolver TypeResolver) *Registry {
	return &Registry{
		store:       st,
		resolver:    resolver,
		concurrency: 8,
	}
}

// RegisterAndLink persists each citation and links it to resultID. Citations
// are processed concurrently with no ordering guarantees.
func (r *Registry) RegisterAndLink(ctx context.Context, resultID string, citations []model.Citation) Summary {
	if len(citations) == 0 {
		return Summary{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	var created, linked, failed atomic.Int64

	for _, citation := range citations {
		g.Go(func() error {
			log := zap.L().With(
				zap.String("result_id", resultID),
				zap.String("url", citation.URL),
			)

			wasCreated, err := r.register(gctx, resultID, citation)
			if err != nil {
				failed.Add(1)
				log.Error("citation registration failed", zap.Error(err))
				return nil // don't abort the batch on individual failure
			}

			if wasCreated {
				created.Add(1)
				log.Debug("source created")
			} else {
				linked.Add(1)
				log.Debug("source linked")
			}
			return nil
		})
	}

	g.Wait()

	summary := Summary{
		Created: int(created.Load()),
		Linked:  int(linked.Load()),
		Failed:  int(failed.Load()),
	}
	zap.L().Info("citations registered",
		zap.String("result_id", resultID),
		zap.Int("created", summary.Created),
		zap.Int("linked", summary.Linked),
		zap.Int("failed", summary.Failed),
	)
	return summary
}

// register returns whether this call created the source row. A lost create
// race degrades into a link against the winner's row.
func (r *Registry) register(ctx context.Context, resultID string, citation model.Citation) (bool, error) {
	existing, err := r.store.GetSourceByURL(ctx, citation.URL)
	if err == nil {
		return false, r.store.LinkResultSource(ctx, resultID, existing.ID)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	src := &model.Source{
		URL:      citation.URL,
		Hostname: citation.Hostname,
	}
	if citation.Title != "" {
		title := citation.Title
		src.Title = &title
	}
	if r.resolver != nil {
		info := r.resolver.Resolve(ctx, citation.Hostname, resultID)
		src.Type = info.Type
		if src.Title == nil {
			src.Title = info.Name
		}
	}

	err = r.store.CreateSourceLinked(ctx, src, resultID)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, store.ErrDuplicateURL) {
		return false, err
	}

	// Another writer created the row between our lookup and insert.
	winner, err := r.store.GetSourceByURL(ctx, citation.URL)
	if err != nil {
		return false, err
	}
	return false, r.store.LinkResultSource(ctx, resultID, winner.ID)
}
