package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	ingestResultID string
	ingestFile     string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Extract citations from a provider response payload and register them",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ingestResultID == "" {
			return eris.New("--result is required")
		}

		payload, err := os.ReadFile(ingestFile)
		if err != nil {
			return eris.Wrapf(err, "read payload %s", ingestFile)
		}

		app, err := initApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		citations := app.extractor.ExtractJSON(payload)
		zap.L().Info("citations extracted",
			zap.String("result_id", ingestResultID),
			zap.Int("citations", len(citations)),
		)

		summary := app.registry.RegisterAndLink(cmd.Context(), ingestResultID, citations)
		fmt.Printf("created %d, linked %d, failed %d\n", summary.Created, summary.Linked, summary.Failed)
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestResultID, "result", "", "result ID the citations belong to")
	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "path to the provider response JSON")
	ingestCmd.MarkFlagRequired("result")
	ingestCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(ingestCmd)
}
