package store

import (
	"context"
	"errors"
	"time"

	"github.com/lumenview/visibility-cli/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicateURL is returned when inserting a source whose URL already
// exists. Concurrent first-sighting races surface as this error; callers
// recover by re-fetching the winning row.
var ErrDuplicateURL = errors.New("store: duplicate source url")

// Store defines the persistence interface for the tracking pipeline.
type Store interface {
	// Prompts
	InsertPrompt(ctx context.Context, p *model.Prompt) error

	// Results
	InsertResult(ctx context.Context, r *model.Result) error
	// UpdateResultStatus moves a pending result to a terminal status.
	UpdateResultStatus(ctx context.Context, resultID string, status model.ResultStatus) error
	ListResultsByPrompt(ctx context.Context, promptID string) ([]model.Result, error)
	// ListCompetitorResults projects a competitor's mentions across a
	// prompt's results into result form: status comes from the parent
	// result, position/sentiment from the competitor mention row.
	ListCompetitorResults(ctx context.Context, promptID, competitor string) ([]model.Result, error)
	// UpsertCompetitorMention records a competitor's position/sentiment on a
	// result, overwriting any previous extraction for the same pair.
	UpsertCompetitorMention(ctx context.Context, resultID, competitor string, position *int, sentiment *float64) error

	// Sources
	GetSourceByURL(ctx context.Context, url string) (*model.Source, error)
	// CreateSourceLinked inserts a new source and links it to resultID in
	// one transaction. Returns ErrDuplicateURL if the URL already exists.
	CreateSourceLinked(ctx context.Context, src *model.Source, resultID string) error
	// LinkResultSource links a result to an existing source. Linking an
	// already-linked pair is a no-op.
	LinkResultSource(ctx context.Context, resultID, sourceID string) error
	// LookupHostnameType returns the type of any known source on the given
	// hostname, or nil when the hostname has not been seen before.
	LookupHostnameType(ctx context.Context, hostname string) (*string, error)

	// Metrics
	// ScanActivePairs returns the (brand, org) pairs with at least one
	// SUCCESS result in [start, end), ordered by most recent success.
	ScanActivePairs(ctx context.Context, start, end time.Time) ([]model.BrandActivity, error)
	// RecomputeSourceMetrics recomputes and overwrites the daily aggregate
	// for (brandID, orgID, day) from current result/source data. The
	// recomputation is transactional: it either fully applies or not at all.
	RecomputeSourceMetrics(ctx context.Context, brandID, orgID string, day time.Time) error
	GetSourceMetrics(ctx context.Context, brandID, orgID string, day time.Time) (*model.SourceMetrics, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// DayWindow returns the UTC [start, end) bounds of the calendar day
// containing t.
func DayWindow(t time.Time) (time.Time, time.Time) {
	day := t.UTC().Truncate(24 * time.Hour)
	return day, day.Add(24 * time.Hour)
}
