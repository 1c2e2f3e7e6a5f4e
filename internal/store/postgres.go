package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/lumenview/visibility-cli/internal/db"
	"github.com/lumenview/visibility-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	// pool is db.Pool rather than *pgxpool.Pool so pgxmock can stand in.
	pool    db.Pool
	closeFn func()
}

var _ Store = (*PostgresStore)(nil)

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS prompts (
	id         TEXT PRIMARY KEY,
	brand_id   TEXT NOT NULL,
	org_id     TEXT NOT NULL,
	text       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_prompts_brand_org ON prompts(brand_id, org_id);

CREATE TABLE IF NOT EXISTS results (
	id           TEXT PRIMARY KEY,
	prompt_id    TEXT NOT NULL REFERENCES prompts(id),
	provider     TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'PENDING',
	position     INTEGER,
	sentiment    DOUBLE PRECISION,
	raw_response JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_results_prompt_id ON results(prompt_id);
CREATE INDEX IF NOT EXISTS idx_results_status_created ON results(status, created_at);

CREATE TABLE IF NOT EXISTS sources (
	id         TEXT PRIMARY KEY,
	url        TEXT NOT NULL UNIQUE,
	hostname   TEXT NOT NULL,
	title      TEXT,
	type       TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sources_hostname ON sources(hostname);

CREATE TABLE IF NOT EXISTS result_sources (
	result_id TEXT NOT NULL REFERENCES results(id),
	source_id TEXT NOT NULL REFERENCES sources(id),
	PRIMARY KEY (result_id, source_id)
);

CREATE INDEX IF NOT EXISTS idx_result_sources_source_id ON result_sources(source_id);

CREATE TABLE IF NOT EXISTS result_competitors (
	result_id  TEXT NOT NULL REFERENCES results(id),
	competitor TEXT NOT NULL,
	position   INTEGER,
	sentiment  DOUBLE PRECISION,
	PRIMARY KEY (result_id, competitor)
);

CREATE TABLE IF NOT EXISTS source_metrics (
	brand_id           TEXT NOT NULL,
	org_id             TEXT NOT NULL,
	metric_date        DATE NOT NULL,
	total_results      INTEGER NOT NULL DEFAULT 0,
	successful_results INTEGER NOT NULL DEFAULT 0,
	total_citations    INTEGER NOT NULL DEFAULT 0,
	unique_sources     INTEGER NOT NULL DEFAULT 0,
	visibility_score   DOUBLE PRECISION,
	avg_sentiment      DOUBLE PRECISION,
	avg_position       DOUBLE PRECISION,
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (brand_id, org_id, metric_date)
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) InsertPrompt(ctx context.Context, p *model.Prompt) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO prompts (id, brand_id, org_id, text, created_at) VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.BrandID, p.OrgID, p.Text, p.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert prompt")
}

func (s *PostgresStore) InsertResult(ctx context.Context, r *model.Result) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = model.ResultStatusPending
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO results (id, prompt_id, provider, status, position, sentiment, raw_response, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.PromptID, r.Provider, string(r.Status), r.Position, r.Sentiment, []byte(r.RawResponse), r.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert result")
}

func (s *PostgresStore) UpdateResultStatus(ctx context.Context, resultID string, status model.ResultStatus) error {
	if !status.Terminal() {
		return eris.Errorf("postgres: status %q is not terminal", status)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE results SET status = $1 WHERE id = $2 AND status = $3`,
		string(status), resultID, string(model.ResultStatusPending),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update result status %s", resultID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "pending result %s", resultID)
	}
	return nil
}

func (s *PostgresStore) ListResultsByPrompt(ctx context.Context, promptID string) ([]model.Result, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, prompt_id, provider, status, position, sentiment, created_at FROM results WHERE prompt_id = $1 ORDER BY created_at DESC`,
		promptID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list results")
	}
	defer rows.Close()

	return scanResults(rows)
}

func (s *PostgresStore) ListCompetitorResults(ctx context.Context, promptID, competitor string) ([]model.Result, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT r.id, r.prompt_id, r.provider, r.status, rc.position, rc.sentiment, r.created_at
		 FROM result_competitors rc
		 JOIN results r ON r.id = rc.result_id
		 WHERE r.prompt_id = $1 AND rc.competitor = $2
		 ORDER BY r.created_at DESC`,
		promptID, competitor,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list competitor results")
	}
	defer rows.Close()

	return scanResults(rows)
}

// UpsertCompetitorMention records a competitor's position/sentiment on a
// result, overwriting any previous extraction for the same pair.
func (s *PostgresStore) UpsertCompetitorMention(ctx context.Context, resultID, competitor string, position *int, sentiment *float64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO result_competitors (result_id, competitor, position, sentiment) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (result_id, competitor) DO UPDATE SET position = EXCLUDED.position, sentiment = EXCLUDED.sentiment`,
		resultID, competitor, position, sentiment,
	)
	return eris.Wrapf(err, "postgres: upsert competitor mention %s/%s", resultID, competitor)
}

func scanResults(rows pgx.Rows) ([]model.Result, error) {
	var results []model.Result
	for rows.Next() {
		var r model.Result
		var status string
		if err := rows.Scan(&r.ID, &r.PromptID, &r.Provider, &status, &r.Position, &r.Sentiment, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan result")
		}
		r.Status = model.ResultStatus(status)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate results")
	}
	return results, nil
}

func (s *PostgresStore) GetSourceByURL(ctx context.Context, url string) (*model.Source, error) {
	var src model.Source
	err := s.pool.QueryRow(ctx,
		`SELECT id, url, hostname, title, type, created_at FROM sources WHERE url = $1`,
		url,
	).Scan(&src.ID, &src.URL, &src.Hostname, &src.Title, &src.Type, &src.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "source %s", url)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get source %s", url)
	}
	return &src, nil
}

func (s *PostgresStore) CreateSourceLinked(ctx context.Context, src *model.Source, resultID string) error {
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin create source")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO sources (id, url, hostname, title, type, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		src.ID, src.URL, src.Hostname, src.Title, src.Type, src.CreatedAt,
	)
	if db.UniqueViolation(err) {
		return eris.Wrapf(ErrDuplicateURL, "%s", src.URL)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: insert source %s", src.URL)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO result_sources (result_id, source_id) VALUES ($1, $2) ON CONFLICT (result_id, source_id) DO NOTHING`,
		resultID, src.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: link result %s to source %s", resultID, src.ID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit create source")
}

func (s *PostgresStore) LinkResultSource(ctx context.Context, resultID, sourceID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO result_sources (result_id, source_id) VALUES ($1, $2) ON CONFLICT (result_id, source_id) DO NOTHING`,
		resultID, sourceID,
	)
	return eris.Wrapf(err, "postgres: link result %s to source %s", resultID, sourceID)
}

func (s *PostgresStore) LookupHostnameType(ctx context.Context, hostname string) (*string, error) {
	var typ string
	err := s.pool.QueryRow(ctx,
		`SELECT type FROM sources WHERE hostname = $1 AND type IS NOT NULL ORDER BY created_at ASC LIMIT 1`,
		hostname,
	).Scan(&typ)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: lookup hostname %s", hostname)
	}
	return &typ, nil
}

func (s *PostgresStore) ScanActivePairs(ctx context.Context, start, end time.Time) ([]model.BrandActivity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.brand_id, p.org_id, MAX(r.created_at) AS last_success
		 FROM results r
		 JOIN prompts p ON p.id = r.prompt_id
		 WHERE r.status = $1 AND r.created_at >= $2 AND r.created_at < $3
		 GROUP BY p.brand_id, p.org_id
		 ORDER BY last_success DESC`,
		string(model.ResultStatusSuccess), start, end,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan active pairs")
	}
	defer rows.Close()

	var pairs []model.BrandActivity
	for rows.Next() {
		var p model.BrandActivity
		if err := rows.Scan(&p.BrandID, &p.OrgID, &p.LastSuccess); err != nil {
			return nil, eris.Wrap(err, "postgres: scan active pair")
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate active pairs")
	}
	return pairs, nil
}

func (s *PostgresStore) RecomputeSourceMetrics(ctx context.Context, brandID, orgID string, day time.Time) error {
	start, end := DayWindow(day)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin recompute")
	}
	defer tx.Rollback(ctx)

	var m model.SourceMetrics
	var withPosition int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE r.status = 'SUCCESS'),
		        COUNT(*) FILTER (WHERE r.status = 'SUCCESS' AND r.position > 0),
		        AVG(r.sentiment) FILTER (WHERE r.status = 'SUCCESS'),
		        AVG(r.position) FILTER (WHERE r.status = 'SUCCESS' AND r.position > 0)
		 FROM results r
		 JOIN prompts p ON p.id = r.prompt_id
		 WHERE p.brand_id = $1 AND p.org_id = $2 AND r.created_at >= $3 AND r.created_at < $4`,
		brandID, orgID, start, end,
	).Scan(&m.TotalResults, &m.SuccessfulResults, &withPosition, &m.AvgSentiment, &m.AvgPosition)
	if err != nil {
		return eris.Wrap(err, "postgres: aggregate results")
	}

	err = tx.QueryRow(ctx,
		`SELECT COUNT(rs.source_id), COUNT(DISTINCT rs.source_id)
		 FROM result_sources rs
		 JOIN results r ON r.id = rs.result_id
		 JOIN prompts p ON p.id = r.prompt_id
		 WHERE p.brand_id = $1 AND p.org_id = $2 AND r.status = 'SUCCESS'
		   AND r.created_at >= $3 AND r.created_at < $4`,
		brandID, orgID, start, end,
	).Scan(&m.TotalCitations, &m.UniqueSources)
	if err != nil {
		return eris.Wrap(err, "postgres: aggregate citations")
	}

	if m.SuccessfulResults > 0 {
		score := 100 * float64(withPosition) / float64(m.SuccessfulResults)
		m.VisibilityScore = &score
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO source_metrics (brand_id, org_id, metric_date, total_results, successful_results, total_citations, unique_sources, visibility_score, avg_sentiment, avg_position, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (brand_id, org_id, metric_date) DO UPDATE SET
		   total_results = EXCLUDED.total_results,
		   successful_results = EXCLUDED.successful_results,
		   total_citations = EXCLUDED.total_citations,
		   unique_sources = EXCLUDED.unique_sources,
		   visibility_score = EXCLUDED.visibility_score,
		   avg_sentiment = EXCLUDED.avg_sentiment,
		   avg_position = EXCLUDED.avg_position,
		   updated_at = EXCLUDED.updated_at`,
		brandID, orgID, start, m.TotalResults, m.SuccessfulResults, m.TotalCitations, m.UniqueSources,
		m.VisibilityScore, m.AvgSentiment, m.AvgPosition, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrap(err, "postgres: upsert source metrics")
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit recompute")
}

func (s *PostgresStore) GetSourceMetrics(ctx context.Context, brandID, orgID string, day time.Time) (*model.SourceMetrics, error) {
	start, _ := DayWindow(day)

	var m model.SourceMetrics
	err := s.pool.QueryRow(ctx,
		`SELECT brand_id, org_id, metric_date, total_results, successful_results, total_citations, unique_sources, visibility_score, avg_sentiment, avg_position, updated_at
		 FROM source_metrics WHERE brand_id = $1 AND org_id = $2 AND metric_date = $3`,
		brandID, orgID, start,
	).Scan(&m.BrandID, &m.OrgID, &m.MetricDate, &m.TotalResults, &m.SuccessfulResults, &m.TotalCitations,
		&m.UniqueSources, &m.VisibilityScore, &m.AvgSentiment, &m.AvgPosition, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "source metrics %s/%s@%s", brandID, orgID, start.Format("2006-01-02"))
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get source metrics")
	}
	return &m, nil
}
