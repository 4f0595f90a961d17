package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/nsqio/go-nsq"
	"golang.org/x/sync/errgroup"

	"docvec/apps/backend/features/document"
	"docvec/apps/backend/features/search"
	"docvec/apps/backend/features/stats"
	"docvec/apps/backend/internal/config"
	"docvec/apps/backend/internal/extract"
	"docvec/apps/backend/internal/ingest"
	"docvec/apps/backend/internal/middleware"
	"docvec/apps/backend/internal/retrieval"
	"docvec/apps/backend/internal/text"
	"docvec/apps/backend/internal/vectorstore"
	"docvec/apps/backend/internal/worker"
)

const (
	shutdownTimeout = 15 * time.Second
	// ingestMsgTimeout is how long nsqd waits for a finished ingestion before redelivering.
	ingestMsgTimeout = 10 * time.Minute
)

// Embedder serves both ingestion and queries with the same model.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
	ModelIdentifier() string
}

type LocalIndex interface {
	vectorstore.Local
	ModelID() string
}

type Publisher interface {
	Publish(topic string, body []byte) error
}

type App struct {
	Handler        http.Handler
	Orchestrator   *ingest.Orchestrator
	Search         *retrieval.Service
	IngestConsumer *worker.IngestConsumer
	RetryConsumer  *worker.RetryConsumer

	cfg *config.Config
}

// IngestOptions maps configuration onto the pipeline's tuning knobs.
func IngestOptions(cfg *config.Config) ingest.Options {
	return ingest.Options{
		Chunker: text.ChunkerConfig{
			MaxChars: cfg.ChunkMaxChars,
			Overlap:  cfg.ChunkOverlap,
			MinChars: cfg.ChunkMinChars,
		},
		Reconstruct: text.ReconstructOptions{HeaderFooterThreshold: cfg.HeaderFooterThreshold},
		CPUWorkers:  cfg.CPUWorkers,
	}
}

func StoreOptions(cfg *config.Config) vectorstore.Options {
	return vectorstore.Options{
		BatchSize:   cfg.RemoteBatchSize,
		MaxInFlight: cfg.RemoteMaxInFlight,
		MaxAttempts: cfg.RemoteMaxAttempts,
	}
}

func New(
	cfg *config.Config,
	db *sql.DB,
	embedder Embedder,
	local LocalIndex,
	remote vectorstore.Remote,
	pub Publisher,
	logger *slog.Logger,
) (*App, error) {
	store := vectorstore.New(local, remote, StoreOptions(cfg))
	repo := ingest.NewPostgresRepo(db)

	orch, err := ingest.NewOrchestrator(extract.NewRegistry(), embedder, store, repo, IngestOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("ingestion pipeline: %w", err)
	}

	queryLogger, err := retrieval.NewFileQueryLogger(cfg.QueryLogPath)
	if err != nil {
		logger.Warn("failed to create query logger, falling back to stdout", "error", err)
		queryLogger = retrieval.NewQueryLogger(os.Stdout)
	}
	retrievalService, err := retrieval.NewService(embedder, store, orch, queryLogger, retrieval.Options{
		DefaultTopK:  cfg.SearchDefaultTopK,
		MaxTopK:      cfg.SearchMaxTopK,
		IndexModelID: local.ModelID(),
	})
	if err != nil {
		return nil, err
	}

	// Feature: Document
	documentService := document.NewService(orch, pub, store, cfg.UploadDir)
	documentHandler := document.NewHandler(documentService, cfg.MaxUploadSizeMB*1024*1024)

	// Feature: Search
	searchHandler := search.NewHandler(retrievalService)

	// Feature: Stats
	statsHandler := stats.NewHandler(repo, store)

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("POST /documents", middleware.CorrelationID(enableCORS(documentHandler.Upload)))
	mux.Handle("GET /documents", middleware.CorrelationID(enableCORS(documentHandler.List)))
	mux.Handle("GET /documents/{id}", middleware.CorrelationID(enableCORS(documentHandler.Get)))
	mux.Handle("GET /documents/{id}/chunks", middleware.CorrelationID(enableCORS(documentHandler.Chunks)))
	mux.Handle("DELETE /documents/{id}", middleware.CorrelationID(enableCORS(documentHandler.Delete)))
	mux.Handle("POST /documents/{id}/retry", middleware.CorrelationID(enableCORS(documentHandler.Retry)))
	mux.Handle("POST /documents/{id}/cancel", middleware.CorrelationID(enableCORS(documentHandler.Cancel)))

	mux.Handle("POST /search", middleware.CorrelationID(enableCORS(searchHandler.Search)))

	mux.Handle("GET /stats", middleware.CorrelationID(enableCORS(statsHandler.GetStats)))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return &App{
		Handler:        mux,
		Orchestrator:   orch,
		Search:         retrievalService,
		IngestConsumer: worker.NewIngestConsumer(orch, cfg.UploadDir),
		RetryConsumer:  worker.NewRetryConsumer(orch),
		cfg:            cfg,
	}, nil
}

// Run serves HTTP and consumes ingest topics, as enabled by configuration, until ctx is done.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.EnableIngestWorker {
		consumers, err := a.startConsumers()
		if err != nil {
			return err
		}
		g.Go(func() error {
			<-ctx.Done()
			for _, c := range consumers {
				c.Stop()
			}
			for _, c := range consumers {
				<-c.StopChan
			}
			slog.Info("ingest consumers stopped")
			return nil
		})
	}

	if a.cfg.EnableAPI {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.ServerPort),
			Handler:           a.Handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("server starting", "port", a.cfg.ServerPort)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			slog.Info("shutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("server shutdown failed", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}

func (a *App) startConsumers() ([]*nsq.Consumer, error) {
	handlers := map[string]nsq.Handler{
		config.TopicIngestDocument: a.IngestConsumer,
		config.TopicIngestRetry:    a.RetryConsumer,
	}

	var consumers []*nsq.Consumer
	for _, topic := range []string{config.TopicIngestDocument, config.TopicIngestRetry} {
		nsqCfg := nsq.NewConfig()
		nsqCfg.MaxInFlight = max(1, a.cfg.IngestionConcurrency)
		nsqCfg.MsgTimeout = ingestMsgTimeout

		consumer, err := nsq.NewConsumer(topic, config.ChannelIngestWorker, nsqCfg)
		if err != nil {
			for _, c := range consumers {
				c.Stop()
			}
			return nil, fmt.Errorf("failed to create NSQ consumer for %s: %w", topic, err)
		}
		consumer.AddConcurrentHandlers(handlers[topic], nsqCfg.MaxInFlight)

		if err := consumer.ConnectToNSQLookupd(a.cfg.NSQLookupd); err != nil {
			slog.Error("failed to connect to NSQLookupd", "topic", topic, "error", err)
		} else {
			slog.Info("NSQ consumer connected", "topic", topic)
		}
		consumers = append(consumers, consumer)
	}
	return consumers, nil
}
