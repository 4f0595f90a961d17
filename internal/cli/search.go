package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"docvec/apps/backend/internal/retrieval"
)

var (
	searchTopK int
	searchJSON bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search ingested documents",
	Long:  `Embeds the query and returns the closest chunks from the local index, plus any document only present remotely.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchTopK, "top-k", "k", 0, "number of results (default SEARCH_DEFAULT_TOP_K)")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output results as JSON")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, _, err := open(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	opts := &retrieval.SearchOptions{}
	if cmd.Flags().Changed("top-k") {
		opts.TopK = &searchTopK
	}
	results, err := s.searcher.Search(ctx, args[0], opts)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if searchJSON {
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal results: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	if len(results) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No results found.")
		return nil
	}
	for i, r := range results {
		fmt.Fprintf(cmd.OutOrStdout(), "[%d] %.4f  %s | %s (chunk %d)\n", i+1, r.Score, r.FileName, r.Section, r.ChunkID)
		fmt.Fprintf(cmd.OutOrStdout(), "    %s\n", snippet(r.Text, 160))
	}
	return nil
}

func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
