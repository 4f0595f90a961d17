package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"docvec/apps/backend/internal/extract"
	"docvec/apps/backend/internal/ingest"
)

var (
	ingestConcurrency int
	ingestNoProgress  bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [pattern]...",
	Short: "Ingest files matching glob patterns",
	Long: `Runs every matching file through the ingestion pipeline and waits for it to finish.
Patterns support ** for recursive matches. Files with an unknown extension are skipped.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

var retryCmd = &cobra.Command{
	Use:   "retry [file-id]",
	Short: "Retry a failed document",
	Args:  cobra.ExactArgs(1),
	RunE:  runRetry,
}

func init() {
	ingestCmd.Flags().IntVarP(&ingestConcurrency, "concurrency", "c", 0, "documents ingested at once (default INGESTION_CONCURRENCY)")
	ingestCmd.Flags().BoolVar(&ingestNoProgress, "no-progress", false, "disable the progress bar")
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(retryCmd)
}

// expandPatterns resolves glob patterns to a sorted, de-duplicated list of supported files.
// A pattern without glob characters must name an existing file.
func expandPatterns(patterns []string) (files, skipped []string, err error) {
	seen := make(map[string]bool)
	for _, p := range patterns {
		matches, err := doublestar.FilepathGlob(p, doublestar.WithFilesOnly())
		if err != nil {
			return nil, nil, fmt.Errorf("bad pattern %q: %w", p, err)
		}
		if len(matches) == 0 {
			return nil, nil, fmt.Errorf("no files match %q", p)
		}
		for _, m := range matches {
			if seen[m] {
				continue
			}
			seen[m] = true
			if _, ok := extract.FormatFromFileName(m); !ok {
				skipped = append(skipped, m)
				continue
			}
			files = append(files, m)
		}
	}
	sort.Strings(files)
	sort.Strings(skipped)
	return files, skipped, nil
}

type ingestResult struct {
	path string
	rec  ingest.Record
	err  error
}

func ingestFile(ctx context.Context, ing Ingester, path string) ingestResult {
	content, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator's own glob
	if err != nil {
		return ingestResult{path: path, err: err}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	rec, err := ing.Ingest(ctx, ingest.Submission{
		FileName:   filepath.Base(path),
		Content:    content,
		SourcePath: abs,
	})
	return ingestResult{path: path, rec: rec, err: err}
}

func newProgress(total int) *progressbar.ProgressBar {
	if ingestNoProgress || !term.IsTerminal(int(os.Stderr.Fd())) {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("ingesting"),
		progressbar.OptionSetWidth(32),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

func runIngest(cmd *cobra.Command, args []string) error {
	files, skipped, err := expandPatterns(args)
	if err != nil {
		return err
	}
	for _, s := range skipped {
		cmd.PrintErrf("skipping %s: unsupported format\n", s)
	}
	if len(files) == 0 {
		return errors.New("no supported files to ingest")
	}

	ctx := cmd.Context()
	s, cfg, err := open(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	limit := ingestConcurrency
	if limit <= 0 {
		limit = max(1, cfg.IngestionConcurrency)
	}

	bar := newProgress(len(files))
	results := make([]ingestResult, len(files))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, path := range files {
		g.Go(func() error {
			res := ingestFile(gctx, s.ingester, path)
			mu.Lock()
			results[i] = res
			if bar != nil {
				_ = bar.Add(1)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if bar != nil {
		_ = bar.Finish()
	}

	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
			fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", r.path, r.err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok   %s  %s  %d chunks\n", r.path, r.rec.FileID, r.rec.ChunkCount)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d ingested, %d failed\n", len(results)-failed, failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(results))
	}
	return nil
}

func runRetry(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, _, err := open(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	rec, err := s.ingester.Retry(ctx, args[0])
	if err != nil {
		return fmt.Errorf("retry failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ok   %s  %s  %d chunks\n", rec.FileName, rec.FileID, rec.ChunkCount)
	return nil
}
