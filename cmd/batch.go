package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lumenview/visibility-cli/internal/batch"
)

var (
	backfillStart string
	backfillEnd   string
	statusAddr    string
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Source metrics batch processing",
}

var batchRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Recompute metrics for pairs active in the last 24 hours",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := initApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		stats, err := app.processor.RunDaily(cmd.Context())
		if err != nil {
			return err
		}
		printStats(stats)
		return nil
	},
}

var batchBackfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Recompute metrics for a historical date range",
	RunE: func(cmd *cobra.Command, args []string) error {
		start, err := time.Parse("2006-01-02", backfillStart)
		if err != nil {
			return eris.Wrapf(err, "parse --start %q", backfillStart)
		}
		end, err := time.Parse("2006-01-02", backfillEnd)
		if err != nil {
			return eris.Wrapf(err, "parse --end %q", backfillEnd)
		}
		if start.After(end) {
			return eris.Errorf("--start %s is after --end %s", backfillStart, backfillEnd)
		}

		app, err := initApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		zap.L().Info("starting backfill",
			zap.String("start", backfillStart),
			zap.String("end", backfillEnd),
		)
		stats, err := app.processor.RunRange(cmd.Context(), start, end)
		if err != nil {
			return err
		}
		printStats(stats)
		return nil
	},
}

var batchStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show processor health from a running serve instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		url := fmt.Sprintf("%s/api/batch/status", statusAddr)
		resp, err := http.Get(url)
		if err != nil {
			return eris.Wrapf(err, "fetch %s", url)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return eris.Errorf("fetch %s: status %d", url, resp.StatusCode)
		}

		var status batch.Status
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return eris.Wrap(err, "decode status")
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "state\t%s\n", status.State)
		fmt.Fprintf(w, "healthy\t%t\n", status.IsHealthy)
		if status.LastProcessingTime != nil {
			fmt.Fprintf(w, "last run\t%s\n", status.LastProcessingTime.Format(time.RFC3339))
		}
		if s := status.LastProcessingStats; s != nil {
			fmt.Fprintf(w, "processed\t%d\n", s.TotalProcessed)
			fmt.Fprintf(w, "successful\t%d\n", s.Successful)
			fmt.Fprintf(w, "failed\t%d\n", s.Failed)
			fmt.Fprintf(w, "skipped\t%d\n", s.Skipped)
			fmt.Fprintf(w, "duration\t%dms\n", s.DurationMillis)
		}
		if status.RateDefined {
			fmt.Fprintf(w, "rate\t%.1f jobs/min\n", status.ProcessingRate)
		}
		return w.Flush()
	},
}

func printStats(stats batch.Stats) {
	fmt.Printf("processed %d: %d successful, %d failed, %d skipped in %dms\n",
		stats.TotalProcessed, stats.Successful, stats.Failed, stats.Skipped, stats.DurationMillis)
}

func init() {
	batchBackfillCmd.Flags().StringVar(&backfillStart, "start", "", "first day to recompute (YYYY-MM-DD)")
	batchBackfillCmd.Flags().StringVar(&backfillEnd, "end", "", "last day to recompute (YYYY-MM-DD)")
	batchBackfillCmd.MarkFlagRequired("start")
	batchBackfillCmd.MarkFlagRequired("end")

	batchStatusCmd.Flags().StringVar(&statusAddr, "addr", "http://localhost:8080", "serve instance address")

	batchCmd.AddCommand(batchRunCmd, batchBackfillCmd, batchStatusCmd)
	rootCmd.AddCommand(batchCmd)
}
