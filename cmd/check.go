package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/pncp-monitor/internal/upstream"
)

const checkTimeout = 30 * time.Second

// newCheckCmd verifies the store and fetches one upstream page without
// persisting anything.
func newCheckCmd() *cobra.Command {
	var region string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify store connectivity and fetch one upstream page",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), checkTimeout)
			defer cancel()
			out := cmd.OutOrStdout()

			if err := appInstance.Store().Ping(ctx); err != nil {
				return fmt.Errorf("store: %w", err)
			}
			_, _ = fmt.Fprintln(out, "store: ok")

			now := time.Now()
			page, err := appInstance.Upstream().FetchPage(ctx, upstream.PageQuery{
				DateInitial: now.AddDate(0, 0, -1),
				DateFinal:   now,
				Page:        1,
				PageSize:    10,
				Region:      region,
			})
			if err != nil {
				return fmt.Errorf("upstream: %w", err)
			}
			_, _ = fmt.Fprintf(out, "upstream: ok (HTTP %d, %d payloads, %d undecodable, %d pages)\n",
				page.StatusCode, page.Len(), page.Invalid, page.TotalPages)
			return nil
		},
	}
	cmd.Flags().StringVar(&region, "region", "SP", "UF code used for the probe request")
	return cmd
}
