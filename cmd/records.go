package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/pncp-monitor/internal/procurement"
	"github.com/JakeFAU/pncp-monitor/internal/store"
)

func newRecordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Browse and annotate collected procurements",
	}
	cmd.AddCommand(
		newRecordsListCmd(),
		newRecordsShowCmd(),
		newRecordsViewedCmd(),
		newRecordsNoteCmd(),
	)
	return cmd
}

func newRecordsListCmd() *cobra.Command {
	var (
		statusFlag string
		text       string
		limit      int
		offset     int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records, most recently published first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			filter := procurement.Filter{Text: text, Limit: limit, Offset: offset}
			if statusFlag != "" {
				filter.Status, err = procurement.ParseStatus(strings.ToLower(statusFlag))
				if err != nil {
					return err
				}
			}
			records, err := appInstance.Store().Query(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("query records: %w", err)
			}
			if len(records) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no matching records")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "CONTROL\tSTATUS\tSCORE\tPUBLISHED\tVALUE\tSEEN\tOBJECT")
			for _, rec := range records {
				seen := ""
				if rec.Viewed {
					seen = "yes"
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%.2f\t%s\t%s\n",
					rec.ControlNumber, rec.Status, rec.RelevanceScore, rec.PublicationDate,
					rec.EstimatedTotalValue, seen, truncate(rec.ObjectDescription, 70),
				)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&statusFlag, "status", "", "open, closed, future or unknown")
	cmd.Flags().StringVarP(&text, "query", "q", "", "case-insensitive text over object and issuing body")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size (0 lists all)")
	cmd.Flags().IntVar(&offset, "offset", 0, "records to skip")
	return cmd
}

func newRecordsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show CONTROL_NUMBER",
		Short: "Print one record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := appInstance.Store().Get(cmd.Context(), args[0])
			if err != nil {
				return recordErr(args[0], err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}
}

func newRecordsViewedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "viewed CONTROL_NUMBER",
		Short: "Mark a record as reviewed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Store().MarkViewed(cmd.Context(), args[0]); err != nil {
				return recordErr(args[0], err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s marked as viewed\n", args[0])
			return nil
		},
	}
}

func newRecordsNoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "note CONTROL_NUMBER [TEXT...]",
		Short: "Replace the note of a record; no text clears it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			note := strings.Join(args[1:], " ")
			if err := appInstance.Store().Annotate(cmd.Context(), args[0], note); err != nil {
				return recordErr(args[0], err)
			}
			if store.NoteValue(note) == nil {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s note cleared\n", args[0])
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s note saved\n", args[0])
			return nil
		},
	}
}

func recordErr(controlNumber string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("record %s not found", controlNumber)
	}
	return fmt.Errorf("record %s: %w", controlNumber, err)
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
