package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent collection runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			runs, err := appInstance.Store().ListRuns(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			if len(runs) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no collection runs recorded")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tTRIGGER\tSTATUS\tSCANNED\tRELEVANT\tNEW\tREJECTED\tREGION ERRORS\tSTARTED\tDURATION\tERROR")
			for _, run := range runs {
				duration := "-"
				if run.FinishedAt != nil {
					duration = run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String()
				}
				errText := ""
				if run.Error != nil {
					errText = truncate(*run.Error, 60)
				}
				_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\t%s\n",
					run.ID, run.Trigger, run.Status,
					run.TotalScanned, run.TotalRelevant, run.Created, run.Rejected, run.RegionErrors,
					run.StartedAt.Format(time.DateTime), duration, errText,
				)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum runs to list (0 lists all)")
	return cmd
}
