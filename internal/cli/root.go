// Package cli is the docvec command line: the API server and synchronous ingest, search and
// status commands against the same stores.
package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"docvec/apps/backend/internal/app"
	"docvec/apps/backend/internal/config"
	"docvec/apps/backend/internal/ingest"
	"docvec/apps/backend/internal/logger"
	"docvec/apps/backend/internal/retrieval"
)

type Ingester interface {
	Ingest(ctx context.Context, sub ingest.Submission) (ingest.Record, error)
	Retry(ctx context.Context, fileID string) (ingest.Record, error)
}

type Searcher interface {
	Search(ctx context.Context, query string, opts *retrieval.SearchOptions) ([]retrieval.Result, error)
}

type StatusReader interface {
	Status(ctx context.Context, fileID string) (ingest.Record, error)
	List(ctx context.Context) ([]ingest.Record, error)
}

// session is everything a one-shot command needs, opened once per invocation.
type session struct {
	ingester Ingester
	searcher Searcher
	status   StatusReader
	close    func()
}

var (
	verbose bool

	// Overridden in tests.
	loadConfig = config.Load
	connect    = connectApp
)

var rootCmd = &cobra.Command{
	Use:           "docvec",
	Short:         "Document ingestion and semantic search",
	Long:          `Ingests documents into a local and a remote vector index and answers semantic queries over them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogger(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log progress to stderr")
}

func Execute() error {
	return rootCmd.Execute()
}

// setupLogger logs JSON to stdout for the server and keeps one-shot commands quiet on stderr.
func setupLogger(cmd *cobra.Command) {
	var h slog.Handler
	if cmd.Name() == "serve" {
		h = slog.NewJSONHandler(os.Stdout, nil)
	} else {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelInfo
		}
		h = slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(logger.NewContextHandler(h)))
}

func connectApp(ctx context.Context, cfg *config.Config) (*session, error) {
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a, err := app.New(cfg, deps.DB, deps.Embedder, deps.Local, deps.Remote, deps.NSQProducer, slog.Default())
	if err != nil {
		deps.Close()
		return nil, err
	}
	return &session{ingester: a.Orchestrator, searcher: a.Search, status: a.Orchestrator, close: deps.Close}, nil
}

func open(ctx context.Context) (*session, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	s, err := connect(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return s, cfg, nil
}
