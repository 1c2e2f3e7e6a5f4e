package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenview/visibility-cli/internal/batch"
	"github.com/lumenview/visibility-cli/internal/extract"
	"github.com/lumenview/visibility-cli/internal/model"
	"github.com/lumenview/visibility-cli/internal/registry"
	"github.com/lumenview/visibility-cli/internal/resilience"
	"github.com/lumenview/visibility-cli/internal/store"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	cfg := batch.DefaultConfig()
	cfg.DailyPause = time.Millisecond
	cfg.BackfillPause = time.Millisecond
	cfg.Retry = resilience.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond}

	return &app{
		store:     st,
		extractor: extract.New(),
		registry:  registry.New(st, nil),
		processor: batch.New(st, cfg),
	}
}

func intRef(v int) *int           { return &v }
func floatRef(v float64) *float64 { return &v }

func seedTestResults(t *testing.T, app *app) string {
	t.Helper()
	ctx := context.Background()

	p := &model.Prompt{BrandID: "brand-a", OrgID: "org-1", Text: "best crm"}
	require.NoError(t, app.store.InsertPrompt(ctx, p))

	ok := &model.Result{PromptID: p.ID, Provider: "openai", Status: model.ResultStatusSuccess,
		Position: intRef(1), Sentiment: floatRef(0.8)}
	require.NoError(t, app.store.InsertResult(ctx, ok))
	require.NoError(t, app.store.UpsertCompetitorMention(ctx, ok.ID, "rivalcorp", intRef(3), floatRef(0.2)))

	missed := &model.Result{PromptID: p.ID, Provider: "openai", Status: model.ResultStatusSuccess}
	require.NoError(t, app.store.InsertResult(ctx, missed))

	failed := &model.Result{PromptID: p.ID, Provider: "anthropic", Status: model.ResultStatusFailure}
	require.NoError(t, app.store.InsertResult(ctx, failed))

	return p.ID
}

func TestServe_Health(t *testing.T) {
	router := buildRouter(newTestApp(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServe_PromptMetrics(t *testing.T) {
	app := newTestApp(t)
	promptID := seedTestResults(t, app)
	router := buildRouter(app)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/prompts/"+promptID+"/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		VisibilityScore  *float64 `json:"visibilityScore"`
		AverageSentiment *float64 `json:"averageSentiment"`
		AveragePosition  *float64 `json:"averagePosition"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.VisibilityScore)
	assert.InDelta(t, 50.0, *body.VisibilityScore, 1e-9)
	require.NotNil(t, body.AveragePosition)
	assert.InDelta(t, 1.0, *body.AveragePosition, 1e-9)
}

func TestServe_PromptMetrics_Empty(t *testing.T) {
	router := buildRouter(newTestApp(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/prompts/nope/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"visibilityScore":null,"averageSentiment":null,"averagePosition":null}`, rec.Body.String())
}

func TestServe_CompetitorMetrics(t *testing.T) {
	app := newTestApp(t)
	promptID := seedTestResults(t, app)
	router := buildRouter(app)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/api/prompts/"+promptID+"/competitors/rivalcorp/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		VisibilityScore *float64 `json:"visibilityScore"`
		AveragePosition *float64 `json:"averagePosition"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.VisibilityScore)
	assert.InDelta(t, 100.0, *body.VisibilityScore, 1e-9)
	require.NotNil(t, body.AveragePosition)
	assert.InDelta(t, 3.0, *body.AveragePosition, 1e-9)
}

func TestServe_BatchRun(t *testing.T) {
	app := newTestApp(t)
	seedTestResults(t, app)
	router := buildRouter(app)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/batch/run", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var stats batch.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalProcessed)
	assert.Equal(t, 1, stats.Successful)
}

func TestServe_BatchBackfill_Validation(t *testing.T) {
	router := buildRouter(newTestApp(t))

	cases := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"bad start", `{"start":"yesterday","end":"2026-08-20"}`},
		{"bad end", `{"start":"2026-08-20","end":"someday"}`},
		{"start after end", `{"start":"2026-08-22","end":"2026-08-20"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/batch/backfill",
				strings.NewReader(tc.body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestServe_BatchBackfill(t *testing.T) {
	app := newTestApp(t)
	seedTestResults(t, app)
	router := buildRouter(app)

	today := time.Now().UTC().Format("2006-01-02")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/batch/backfill",
		strings.NewReader(`{"start":"`+today+`","end":"`+today+`"}`)))

	require.Equal(t, http.StatusOK, rec.Code)
	var stats batch.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalProcessed)
}

func TestServe_GracefulShutdownDrains(t *testing.T) {
	inflight := make(chan struct{})
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(inflight)
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		awaitShutdown(ctx, srv)
		close(done)
	}()

	type result struct {
		status int
		err    error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := http.Get("http://" + l.Addr().String())
		if err != nil {
			resCh <- result{err: err}
			return
		}
		resp.Body.Close()
		resCh <- result{status: resp.StatusCode}
	}()

	// Signal shutdown while the request is in flight; the drain deadline is
	// fresh, so the request still completes.
	<-inflight
	cancel()

	res := <-resCh
	require.NoError(t, res.err)
	assert.Equal(t, http.StatusOK, res.status)
	<-done
}

func TestServe_BatchStatus(t *testing.T) {
	app := newTestApp(t)
	router := buildRouter(app)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/batch/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var status batch.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, batch.StateIdle, status.State)
	assert.False(t, status.IsHealthy)
}
