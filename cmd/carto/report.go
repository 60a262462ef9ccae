package main

import (
	"context"
	"fmt"
	"io"

	"github.com/alvmarrod/trust-carto/internal/consolidation"
	"github.com/alvmarrod/trust-carto/internal/storage"
	"github.com/spf13/cobra"
)

func newReportCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "report <run-id>",
		Short: "Rebuild the summary of a past run from the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storage.NewStorage(dbPath)
			if err != nil {
				return fmt.Errorf("failed to initialize storage: %w", err)
			}
			defer store.Close()

			return rebuildReport(cmd.Context(), store, args[0], cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "carto.db", "database written by previous runs")
	return cmd
}

// rebuildReport publishes the stored outcomes of a run to the console summary
func rebuildReport(ctx context.Context, store *storage.Storage, runID string, out io.Writer) error {
	run, err := store.GetRun(runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s not found", runID)
	}

	outcomes, err := store.LoadRunOutcomes(runID)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s %s (%s), %d domains, finished %s\n", colorInfo("Target"),
		run.Target, run.QuitReason, run.TotalDomains, run.FinishedAt.Format("2006-01-02 15:04:05"))

	sink := consolidation.NewSink()
	for i := range outcomes {
		sink.Add(&outcomes[i])
	}

	if ctx == nil {
		ctx = context.Background()
	}
	return sink.Publish(ctx, consolidation.ReportOptions{RunID: runID}, &consoleSummary{out: out})
}
