package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lumenview/visibility-cli/internal/batch"
	"github.com/lumenview/visibility-cli/internal/metrics"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read API and batch trigger server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		app, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		scheduler := batch.NewScheduler(app.processor, time.Duration(cfg.Batch.ScheduleHours)*time.Hour)
		go scheduler.Run(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: buildRouter(app),
		}

		go awaitShutdown(ctx, srv)

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// shutdownGrace bounds how long in-flight requests get to finish after a
// termination signal.
const shutdownGrace = 10 * time.Second

// awaitShutdown blocks until ctx is cancelled, then drains the server. The
// signal context is already dead at that point, so the drain runs on its own
// deadline.
func awaitShutdown(ctx context.Context, srv *http.Server) {
	<-ctx.Done()
	zap.L().Info("shutting down server")

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		zap.L().Warn("server shutdown", zap.Error(err))
	}
}

func buildRouter(app *app) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/api/prompts/{id}/metrics", func(w http.ResponseWriter, req *http.Request) {
		promptID := chi.URLParam(req, "id")
		results, err := app.store.ListResultsByPrompt(req.Context(), promptID)
		if err != nil {
			zap.L().Error("list results failed", zap.String("prompt_id", promptID), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
			return
		}
		writeJSON(w, http.StatusOK, metrics.Compute(results))
	})

	r.Get("/api/prompts/{id}/competitors/{name}/metrics", func(w http.ResponseWriter, req *http.Request) {
		promptID := chi.URLParam(req, "id")
		competitor := chi.URLParam(req, "name")
		results, err := app.store.ListCompetitorResults(req.Context(), promptID, competitor)
		if err != nil {
			zap.L().Error("list competitor results failed",
				zap.String("prompt_id", promptID),
				zap.String("competitor", competitor),
				zap.Error(err),
			)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
			return
		}
		writeJSON(w, http.StatusOK, metrics.Compute(results))
	})

	r.Post("/api/batch/run", func(w http.ResponseWriter, req *http.Request) {
		started := time.Now()
		stats, err := app.processor.RunDaily(req.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error":          err.Error(),
				"durationMillis": time.Since(started).Milliseconds(),
			})
			return
		}
		// Partial job failures are still a completed run.
		writeJSON(w, http.StatusOK, stats)
	})

	r.Post("/api/batch/backfill", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Start string `json:"start"`
			End   string `json:"end"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		start, err := time.Parse("2006-01-02", body.Start)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid start date"})
			return
		}
		end, err := time.Parse("2006-01-02", body.End)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid end date"})
			return
		}
		if start.After(end) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "start is after end"})
			return
		}

		started := time.Now()
		stats, err := app.processor.RunRange(req.Context(), start, end)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error":          err.Error(),
				"durationMillis": time.Since(started).Milliseconds(),
			})
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})

	r.Get("/api/batch/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, app.processor.Status())
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
