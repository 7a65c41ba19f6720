package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/pncp-monitor/internal/collector"
	"github.com/JakeFAU/pncp-monitor/internal/procurement"
)

// newCollectCmd runs one collection in the foreground. The exit status is
// non-zero unless the run succeeded.
func newCollectCmd() *cobra.Command {
	var (
		days    int
		regions []string
	)
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run one collection and print its summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			run, err := appInstance.Collector().Run(ctx, collector.Request{
				DateRangeDays: days,
				Regions:       regions,
				Trigger:       collector.TriggerCLI,
			})
			if run.Status != "" {
				printRun(cmd.OutOrStdout(), run)
			}
			if err != nil {
				return fmt.Errorf("collect: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "collection window in days (default collection.date_range_days)")
	cmd.Flags().StringSliceVar(&regions, "regions", nil, "comma-separated UF codes (default collection.regions)")
	return cmd
}

func printRun(w io.Writer, run procurement.CollectionRun) {
	_, _ = fmt.Fprintf(w, "run %d (%s): %s\n", run.ID, run.Trigger, run.Status)
	_, _ = fmt.Fprintf(w, "  scanned:       %d\n", run.TotalScanned)
	_, _ = fmt.Fprintf(w, "  relevant:      %d\n", run.TotalRelevant)
	_, _ = fmt.Fprintf(w, "  new:           %d\n", run.Created)
	_, _ = fmt.Fprintf(w, "  rejected:      %d\n", run.Rejected)
	_, _ = fmt.Fprintf(w, "  region errors: %d\n", run.RegionErrors)
	if run.FinishedAt != nil {
		_, _ = fmt.Fprintf(w, "  duration:      %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	if run.Error != nil {
		_, _ = fmt.Fprintf(w, "  error:         %s\n", *run.Error)
	}
}
