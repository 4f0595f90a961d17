package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"docvec/apps/backend/internal/ingest"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status [file-id]",
	Short: "Show ingestion status",
	Long:  `Without arguments lists every known document. With a file id prints that document's record.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, _, err := open(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	var recs []ingest.Record
	if len(args) == 1 {
		rec, err := s.status.Status(ctx, args[0])
		if err != nil {
			return err
		}
		recs = []ingest.Record{rec}
	} else {
		if recs, err = s.status.List(ctx); err != nil {
			return err
		}
	}

	if statusJSON || len(args) == 1 {
		var v any = recs
		if len(args) == 1 {
			v = recs[0]
		}
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal records: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE ID\tSTATUS\tCHUNKS\tDETAIL")
	for _, r := range recs {
		detail := ""
		if r.Status == ingest.StageFailed {
			detail = fmt.Sprintf("%s: %s", r.FailedStage, r.Reason)
			if r.Retryable {
				detail += " (retryable)"
			}
		} else if r.RemoteOnly() {
			detail = "remote only"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.FileID, r.Status, r.ChunkCount, detail)
	}
	return tw.Flush()
}
