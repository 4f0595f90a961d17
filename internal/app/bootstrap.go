package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/sethvargo/go-retry"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"docvec/apps/backend/internal/adapter/gemini"
	"docvec/apps/backend/internal/adapter/ollama"
	"docvec/apps/backend/internal/adapter/openai"
	wstore "docvec/apps/backend/internal/adapter/weaviate"
	"docvec/apps/backend/internal/config"
	"docvec/apps/backend/internal/embedding"
	"docvec/apps/backend/internal/localindex"
)

// dimensionSample is embedded once when a fresh local index has no configured or recorded
// dimension.
const dimensionSample = "dimension sample"

type Dependencies struct {
	DB          *sql.DB
	Embedder    *embedding.Client
	Remote      *wstore.Store
	Local       *localindex.Index
	NSQProducer *nsq.Producer
}

// Close releases everything Bootstrap opened.
func (d *Dependencies) Close() {
	if d.NSQProducer != nil {
		d.NSQProducer.Stop()
	}
	if d.Local != nil {
		if err := d.Local.Close(); err != nil {
			slog.Warn("failed to close local index", "error", err)
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}

func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	deps := &Dependencies{}
	ok := false
	defer func() {
		if !ok {
			deps.Close()
		}
	}()

	retryDelay := cfg.BootstrapRetryDelay()

	// Database
	db, err := OpenDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	deps.DB = db

	if err := Migrate(db, cfg.MigrationPath); err != nil {
		return nil, err
	}

	// Embeddings
	provider, err := NewProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("embedding provider error: %w", err)
	}
	registry := embedding.NewPostgresRegistry(db)
	deps.Embedder = embedding.NewClient(provider, registry, EmbeddingOptions(cfg))

	// Weaviate
	wClient, err := weaviate.NewClient(weaviate.Config{Host: cfg.WeaviateHost, Scheme: cfg.WeaviateScheme})
	if err != nil {
		return nil, fmt.Errorf("weaviate client error: %w", err)
	}
	deps.Remote = wstore.NewStore(wClient, deps.Embedder.ModelIdentifier(), cfg.IndexMetric)

	if err := EnsureSchemaWithRetry(ctx, deps.Remote, cfg.BootstrapRetryAttempts, retryDelay); err != nil {
		return nil, fmt.Errorf("weaviate schema error: %w", err)
	}

	// NSQ Producer
	producer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer error: %w", err)
	}
	deps.NSQProducer = producer
	createTopics(ctx, cfg.NSQDHTTP, cfg.BootstrapRetryAttempts, retryDelay)

	// Local index
	deps.Local, err = OpenLocalIndex(ctx, cfg, deps.Embedder, registry)
	if err != nil {
		return nil, fmt.Errorf("local index error: %w", err)
	}

	ok = true
	return deps, nil
}

// OpenDatabase connects to Postgres, retrying the first ping while the server starts.
func OpenDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPass, cfg.DBName)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	attempt := 0
	err = retry.Do(ctx, bootstrapBackoff(cfg.BootstrapRetryAttempts, cfg.BootstrapRetryDelay()), func(ctx context.Context) error {
		attempt++
		if err := db.PingContext(ctx); err != nil {
			slog.Warn("failed to ping db, retrying...", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return db, nil
}

func Migrate(db *sql.DB, path string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(path, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up error: %w", err)
	}
	return nil
}

// NewProvider builds the single embedding provider the process uses.
func NewProvider(ctx context.Context, cfg *config.Config) (embedding.Provider, error) {
	switch cfg.EmbeddingProvider {
	case config.ProviderGemini:
		e, err := gemini.NewEmbedder(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.EmbedDimension)
		if err != nil {
			return nil, err
		}
		return e, nil
	case config.ProviderOpenAI:
		e, err := openai.NewEmbedder(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.EmbedDimension)
		if err != nil {
			return nil, err
		}
		return e, nil
	case config.ProviderOllama:
		return ollama.NewEmbedder(cfg.OllamaBaseURL, cfg.OllamaModel, cfg.EmbedDimension), nil
	}
	return nil, fmt.Errorf("%w: EMBEDDING_PROVIDER=%q", config.ErrInvalidValue, cfg.EmbeddingProvider)
}

func EmbeddingOptions(cfg *config.Config) embedding.Options {
	return embedding.Options{
		BatchSize:         cfg.EmbedBatchSize,
		MaxBatchChars:     cfg.EmbedMaxBatchChars,
		MaxInFlight:       cfg.EmbedMaxInFlight,
		RequestsPerSecond: cfg.EmbedRequestsPerSec,
		Retry: embedding.RetryPolicy{
			MaxAttempts: cfg.EmbedMaxAttempts,
			BaseDelay:   cfg.EmbedBaseDelay(),
			MaxDelay:    cfg.EmbedMaxDelay(),
			Jitter:      cfg.EmbedBaseDelay() / 2,
			CallTimeout: cfg.EmbedTimeout(),
		},
	}
}

type queryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
	ModelIdentifier() string
}

// DimensionLookup returns the dimension already recorded for a model.
type DimensionLookup interface {
	Lookup(ctx context.Context, model string) (int, bool, error)
}

// OpenLocalIndex opens the on-disk index for the configured model. A new index created without
// EMBED_DIMENSION takes the dimension recorded for the model in known, or else measures one
// sample embedding. known may be nil.
func OpenLocalIndex(ctx context.Context, cfg *config.Config, e queryEmbedder, known DimensionLookup) (*localindex.Index, error) {
	meta := localindex.Meta{Dimension: cfg.EmbedDimension, Metric: cfg.IndexMetric, ModelID: e.ModelIdentifier()}
	idx, err := localindex.Open(ctx, cfg.LocalIndexPath, meta)
	if err == nil || meta.Dimension > 0 || !errors.Is(err, localindex.ErrIndexMismatch) {
		return idx, err
	}

	if known != nil {
		d, ok, err := known.Lookup(ctx, meta.ModelID)
		if err != nil {
			slog.Warn("failed to read recorded embedding dimension", "model", meta.ModelID, "error", err)
		}
		if ok && d > 0 {
			meta.Dimension = d
		}
	}
	if meta.Dimension == 0 {
		vec, err := e.EmbedQuery(ctx, dimensionSample)
		if err != nil {
			return nil, fmt.Errorf("failed to measure embedding dimension: %w", err)
		}
		meta.Dimension = len(vec)
	}
	slog.Info("creating local index", "path", cfg.LocalIndexPath, "dimension", meta.Dimension, "model", meta.ModelID)
	return localindex.Open(ctx, cfg.LocalIndexPath, meta)
}

type SchemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

// EnsureSchemaWithRetry keeps trying until Weaviate accepts the schema or attempts run out.
func EnsureSchemaWithRetry(ctx context.Context, store SchemaEnsurer, attempts int, delay time.Duration) error {
	return retry.Do(ctx, bootstrapBackoff(attempts, delay), func(ctx context.Context) error {
		if err := store.EnsureSchema(ctx); err != nil {
			slog.Warn("failed to ensure weaviate schema, retrying...", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
}

func bootstrapBackoff(attempts int, delay time.Duration) retry.Backoff {
	if attempts < 1 {
		attempts = 1
	}
	if delay <= 0 {
		delay = time.Millisecond
	}
	return retry.WithMaxRetries(uint64(attempts-1), retry.NewConstant(delay))
}

// createTopics pre-creates the ingest topics so consumers polling lookupd do not 404 before the
// first publish.
func createTopics(ctx context.Context, nsqdHTTP string, attempts int, delay time.Duration) {
	create := func(ctx context.Context, topic string) error {
		url := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, topic)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req) // #nosec G107 -- URL is built from internal NSQ config, not user input
		if err != nil {
			return retry.RetryableError(err)
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close NSQ topic creation response body", "error", closeErr)
		}
		if resp.StatusCode != http.StatusOK {
			return retry.RetryableError(fmt.Errorf("nsqd returned %d", resp.StatusCode))
		}
		return nil
	}

	go func() {
		for _, topic := range []string{config.TopicIngestDocument, config.TopicIngestRetry} {
			err := retry.Do(ctx, bootstrapBackoff(attempts, delay), func(ctx context.Context) error {
				return create(ctx, topic)
			})
			if err != nil {
				slog.Warn("failed to create NSQ topic", "topic", topic, "error", err)
			}
		}
	}()
}
