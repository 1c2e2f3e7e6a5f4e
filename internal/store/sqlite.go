package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/lumenview/visibility-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is intended
// for single-node and development deployments; the unique-constraint
// semantics the registry relies on are identical to Postgres.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// sqliteTimeLayout is fixed-width so that stored timestamps compare
// lexicographically in chronological order.
const sqliteTimeLayout = "2006-01-02 15:04:05.000000000"

func sqliteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

// sqlTime scans a stored timestamp back into a time.Time. Aggregates like
// MAX(created_at) come back as bare strings, so the conversion is explicit.
type sqlTime struct {
	dst *time.Time
}

func (st *sqlTime) Scan(value any) error {
	switch v := value.(type) {
	case time.Time:
		*st.dst = v.UTC()
		return nil
	case string:
		t, err := time.Parse(sqliteTimeLayout, v)
		if err != nil {
			return eris.Wrapf(err, "sqlite: parse time %q", v)
		}
		*st.dst = t.UTC()
		return nil
	case nil:
		*st.dst = time.Time{}
		return nil
	default:
		return eris.Errorf("sqlite: cannot scan %T into time.Time", value)
	}
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS prompts (
	id         TEXT PRIMARY KEY,
	brand_id   TEXT NOT NULL,
	org_id     TEXT NOT NULL,
	text       TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_prompts_brand_org ON prompts(brand_id, org_id);

CREATE TABLE IF NOT EXISTS results (
	id           TEXT PRIMARY KEY,
	prompt_id    TEXT NOT NULL REFERENCES prompts(id),
	provider     TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'PENDING',
	position     INTEGER,
	sentiment    REAL,
	raw_response TEXT,
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_results_prompt_id ON results(prompt_id);
CREATE INDEX IF NOT EXISTS idx_results_status_created ON results(status, created_at);

CREATE TABLE IF NOT EXISTS sources (
	id         TEXT PRIMARY KEY,
	url        TEXT NOT NULL UNIQUE,
	hostname   TEXT NOT NULL,
	title      TEXT,
	type       TEXT,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sources_hostname ON sources(hostname);

CREATE TABLE IF NOT EXISTS result_sources (
	result_id TEXT NOT NULL REFERENCES results(id),
	source_id TEXT NOT NULL REFERENCES sources(id),
	PRIMARY KEY (result_id, source_id)
);

CREATE TABLE IF NOT EXISTS result_competitors (
	result_id  TEXT NOT NULL REFERENCES results(id),
	competitor TEXT NOT NULL,
	position   INTEGER,
	sentiment  REAL,
	PRIMARY KEY (result_id, competitor)
);

CREATE TABLE IF NOT EXISTS source_metrics (
	brand_id           TEXT NOT NULL,
	org_id             TEXT NOT NULL,
	metric_date        TEXT NOT NULL,
	total_results      INTEGER NOT NULL DEFAULT 0,
	successful_results INTEGER NOT NULL DEFAULT 0,
	total_citations    INTEGER NOT NULL DEFAULT 0,
	unique_sources     INTEGER NOT NULL DEFAULT 0,
	visibility_score   REAL,
	avg_sentiment      REAL,
	avg_position       REAL,
	updated_at         TEXT NOT NULL,
	PRIMARY KEY (brand_id, org_id, metric_date)
);
`

// sqliteUniqueViolation reports whether err is a UNIQUE constraint failure.
// modernc.org/sqlite surfaces SQLITE_CONSTRAINT_UNIQUE in the error text.
func sqliteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InsertPrompt(ctx context.Context, p *model.Prompt) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prompts (id, brand_id, org_id, text, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.BrandID, p.OrgID, p.Text, sqliteTime(p.CreatedAt),
	)
	return eris.Wrap(err, "sqlite: insert prompt")
}

func (s *SQLiteStore) InsertResult(ctx context.Context, r *model.Result) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = model.ResultStatusPending
	}

	var raw *string
	if len(r.RawResponse) > 0 {
		text := string(r.RawResponse)
		raw = &text
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO results (id, prompt_id, provider, status, position, sentiment, raw_response, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.PromptID, r.Provider, string(r.Status), r.Position, r.Sentiment, raw, sqliteTime(r.CreatedAt),
	)
	return eris.Wrap(err, "sqlite: insert result")
}

func (s *SQLiteStore) UpdateResultStatus(ctx context.Context, resultID string, status model.ResultStatus) error {
	if !status.Terminal() {
		return eris.Errorf("sqlite: status %q is not terminal", status)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE results SET status = ? WHERE id = ? AND status = ?`,
		string(status), resultID, string(model.ResultStatusPending),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update result status %s", resultID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "pending result %s", resultID)
	}
	return nil
}

func (s *SQLiteStore) ListResultsByPrompt(ctx context.Context, promptID string) ([]model.Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, prompt_id, provider, status, position, sentiment, created_at FROM results WHERE prompt_id = ? ORDER BY created_at DESC`,
		promptID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list results")
	}
	defer rows.Close()

	return scanSQLResults(rows)
}

func (s *SQLiteStore) ListCompetitorResults(ctx context.Context, promptID, competitor string) ([]model.Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.prompt_id, r.provider, r.status, rc.position, rc.sentiment, r.created_at
		 FROM result_competitors rc
		 JOIN results r ON r.id = rc.result_id
		 WHERE r.prompt_id = ? AND rc.competitor = ?
		 ORDER BY r.created_at DESC`,
		promptID, competitor,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list competitor results")
	}
	defer rows.Close()

	return scanSQLResults(rows)
}

// UpsertCompetitorMention records a competitor's position/sentiment on a
// result, overwriting any previous extraction for the same pair.
func (s *SQLiteStore) UpsertCompetitorMention(ctx context.Context, resultID, competitor string, position *int, sentiment *float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO result_competitors (result_id, competitor, position, sentiment) VALUES (?, ?, ?, ?)
		 ON CONFLICT (result_id, competitor) DO UPDATE SET position = excluded.position, sentiment = excluded.sentiment`,
		resultID, competitor, position, sentiment,
	)
	return eris.Wrapf(err, "sqlite: upsert competitor mention %s/%s", resultID, competitor)
}

func scanSQLResults(rows *sql.Rows) ([]model.Result, error) {
	var results []model.Result
	for rows.Next() {
		var r model.Result
		var status string
		if err := rows.Scan(&r.ID, &r.PromptID, &r.Provider, &status, &r.Position, &r.Sentiment, &sqlTime{&r.CreatedAt}); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan result")
		}
		r.Status = model.ResultStatus(status)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate results")
	}
	return results, nil
}

func (s *SQLiteStore) GetSourceByURL(ctx context.Context, url string) (*model.Source, error) {
	var src model.Source
	err := s.db.QueryRowContext(ctx,
		`SELECT id, url, hostname, title, type, created_at FROM sources WHERE url = ?`,
		url,
	).Scan(&src.ID, &src.URL, &src.Hostname, &src.Title, &src.Type, &sqlTime{&src.CreatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "source %s", url)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get source %s", url)
	}
	return &src, nil
}

func (s *SQLiteStore) CreateSourceLinked(ctx context.Context, src *model.Source, resultID string) error {
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin create source")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sources (id, url, hostname, title, type, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		src.ID, src.URL, src.Hostname, src.Title, src.Type, sqliteTime(src.CreatedAt),
	)
	if sqliteUniqueViolation(err) {
		return eris.Wrapf(ErrDuplicateURL, "%s", src.URL)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert source %s", src.URL)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO result_sources (result_id, source_id) VALUES (?, ?)`,
		resultID, src.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: link result %s to source %s", resultID, src.ID)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit create source")
}

func (s *SQLiteStore) LinkResultSource(ctx context.Context, resultID, sourceID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO result_sources (result_id, source_id) VALUES (?, ?)`,
		resultID, sourceID,
	)
	return eris.Wrapf(err, "sqlite: link result %s to source %s", resultID, sourceID)
}

func (s *SQLiteStore) LookupHostnameType(ctx context.Context, hostname string) (*string, error) {
	var typ string
	err := s.db.QueryRowContext(ctx,
		`SELECT type FROM sources WHERE hostname = ? AND type IS NOT NULL ORDER BY created_at ASC LIMIT 1`,
		hostname,
	).Scan(&typ)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: lookup hostname %s", hostname)
	}
	return &typ, nil
}

func (s *SQLiteStore) ScanActivePairs(ctx context.Context, start, end time.Time) ([]model.BrandActivity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.brand_id, p.org_id, MAX(r.created_at) AS last_success
		 FROM results r
		 JOIN prompts p ON p.id = r.prompt_id
		 WHERE r.status = ? AND r.created_at >= ? AND r.created_at < ?
		 GROUP BY p.brand_id, p.org_id
		 ORDER BY last_success DESC`,
		string(model.ResultStatusSuccess), sqliteTime(start), sqliteTime(end),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan active pairs")
	}
	defer rows.Close()

	var pairs []model.BrandActivity
	for rows.Next() {
		var p model.BrandActivity
		if err := rows.Scan(&p.BrandID, &p.OrgID, &sqlTime{&p.LastSuccess}); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan active pair")
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate active pairs")
	}
	return pairs, nil
}

func (s *SQLiteStore) RecomputeSourceMetrics(ctx context.Context, brandID, orgID string, day time.Time) error {
	start, end := DayWindow(day)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin recompute")
	}
	defer tx.Rollback()

	var m model.SourceMetrics
	var withPosition int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        SUM(CASE WHEN r.status = 'SUCCESS' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN r.status = 'SUCCESS' AND r.position > 0 THEN 1 ELSE 0 END),
		        AVG(CASE WHEN r.status = 'SUCCESS' THEN r.sentiment END),
		        AVG(CASE WHEN r.status = 'SUCCESS' AND r.position > 0 THEN r.position END)
		 FROM results r
		 JOIN prompts p ON p.id = r.prompt_id
		 WHERE p.brand_id = ? AND p.org_id = ? AND r.created_at >= ? AND r.created_at < ?`,
		brandID, orgID, sqliteTime(start), sqliteTime(end),
	).Scan(&m.TotalResults, &sqlNullInt{&m.SuccessfulResults}, &sqlNullInt{&withPosition}, &m.AvgSentiment, &m.AvgPosition)
	if err != nil {
		return eris.Wrap(err, "sqlite: aggregate results")
	}

	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(rs.source_id), COUNT(DISTINCT rs.source_id)
		 FROM result_sources rs
		 JOIN results r ON r.id = rs.result_id
		 JOIN prompts p ON p.id = r.prompt_id
		 WHERE p.brand_id = ? AND p.org_id = ? AND r.status = 'SUCCESS'
		   AND r.created_at >= ? AND r.created_at < ?`,
		brandID, orgID, sqliteTime(start), sqliteTime(end),
	).Scan(&m.TotalCitations, &m.UniqueSources)
	if err != nil {
		return eris.Wrap(err, "sqlite: aggregate citations")
	}

	if m.SuccessfulResults > 0 {
		score := 100 * float64(withPosition) / float64(m.SuccessfulResults)
		m.VisibilityScore = &score
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO source_metrics (brand_id, org_id, metric_date, total_results, successful_results, total_citations, unique_sources, visibility_score, avg_sentiment, avg_position, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (brand_id, org_id, metric_date) DO UPDATE SET
		   total_results = excluded.total_results,
		   successful_results = excluded.successful_results,
		   total_citations = excluded.total_citations,
		   unique_sources = excluded.unique_sources,
		   visibility_score = excluded.visibility_score,
		   avg_sentiment = excluded.avg_sentiment,
		   avg_position = excluded.avg_position,
		   updated_at = excluded.updated_at`,
		brandID, orgID, sqliteTime(start), m.TotalResults, m.SuccessfulResults, m.TotalCitations, m.UniqueSources,
		m.VisibilityScore, m.AvgSentiment, m.AvgPosition, sqliteTime(time.Now()),
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: upsert source metrics")
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit recompute")
}

func (s *SQLiteStore) GetSourceMetrics(ctx context.Context, brandID, orgID string, day time.Time) (*model.SourceMetrics, error) {
	start, _ := DayWindow(day)

	var m model.SourceMetrics
	err := s.db.QueryRowContext(ctx,
		`SELECT brand_id, org_id, metric_date, total_results, successful_results, total_citations, unique_sources, visibility_score, avg_sentiment, avg_position, updated_at
		 FROM source_metrics WHERE brand_id = ? AND org_id = ? AND metric_date = ?`,
		brandID, orgID, sqliteTime(start),
	).Scan(&m.BrandID, &m.OrgID, &sqlTime{&m.MetricDate}, &m.TotalResults, &m.SuccessfulResults, &m.TotalCitations,
		&m.UniqueSources, &m.VisibilityScore, &m.AvgSentiment, &m.AvgPosition, &sqlTime{&m.UpdatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "source metrics %s/%s@%s", brandID, orgID, start.Format("2006-01-02"))
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get source metrics")
	}
	return &m, nil
}

// sqlNullInt scans a nullable integer aggregate into an int, treating NULL
// as zero (SUM over zero rows yields NULL in SQLite).
type sqlNullInt struct {
	dst *int
}

func (n *sqlNullInt) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*n.dst = 0
		return nil
	case int64:
		*n.dst = int(v)
		return nil
	case float64:
		*n.dst = int(v)
		return nil
	default:
		return eris.Errorf("sqlite: cannot scan %T into int", value)
	}
}
