package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalidValue    = errors.New("invalid configuration value")
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"

	MetricCosine       = "cosine"
	MetricInnerProduct = "inner_product"
)

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"docvec"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"docvec"`

	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`

	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	EnableAPI            bool   `envconfig:"ENABLE_API" default:"true"`
	EnableIngestWorker   bool   `envconfig:"ENABLE_INGEST_WORKER" default:"true"`
	IngestionConcurrency int    `envconfig:"INGESTION_CONCURRENCY" default:"4"`
	MigrationPath        string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Embedding provider, resolved once per process.
	EmbeddingProvider string `envconfig:"EMBEDDING_PROVIDER"`
	GeminiAPIKey      string `envconfig:"GEMINI_API_KEY"`
	GeminiModel       string `envconfig:"GEMINI_MODEL" default:"gemini-embedding-001"`
	OpenAIAPIKey      string `envconfig:"OPENAI_API_KEY"`
	OpenAIModel       string `envconfig:"OPENAI_MODEL" default:"text-embedding-3-small"`
	OpenAIBaseURL     string `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	OllamaBaseURL     string `envconfig:"OLLAMA_BASE_URL" default:"http://localhost:11434"`
	OllamaModel       string `envconfig:"OLLAMA_MODEL" default:"nomic-embed-text"`
	// EmbedDimension declares the expected vector size; 0 learns it from the first response.
	EmbedDimension int `envconfig:"EMBED_DIMENSION" default:"0"`

	EmbedBatchSize       int     `envconfig:"EMBED_BATCH_SIZE" default:"64"`
	EmbedMaxBatchChars   int     `envconfig:"EMBED_MAX_BATCH_CHARS" default:"60000"`
	EmbedMaxInFlight     int     `envconfig:"EMBED_MAX_IN_FLIGHT" default:"4"`
	EmbedRequestsPerSec  float64 `envconfig:"EMBED_REQUESTS_PER_SECOND" default:"5"`
	EmbedMaxAttempts     int     `envconfig:"EMBED_MAX_ATTEMPTS" default:"5"`
	EmbedBaseDelayMillis int     `envconfig:"EMBED_BASE_DELAY_MS" default:"500"`
	EmbedMaxDelayMillis  int     `envconfig:"EMBED_MAX_DELAY_MS" default:"30000"`
	EmbedTimeoutSeconds  int     `envconfig:"EMBED_TIMEOUT_SECONDS" default:"30"`

	// Text processing
	ChunkMaxChars         int     `envconfig:"CHUNK_MAX_CHARS" default:"1000"`
	ChunkOverlap          int     `envconfig:"CHUNK_OVERLAP" default:"100"`
	ChunkMinChars         int     `envconfig:"CHUNK_MIN_CHARS" default:"200"`
	HeaderFooterThreshold float64 `envconfig:"HEADER_FOOTER_THRESHOLD" default:"0.6"`

	// Vector stores
	LocalIndexPath    string `envconfig:"LOCAL_INDEX_PATH" default:"data/index/local.db"`
	IndexMetric       string `envconfig:"INDEX_METRIC" default:"cosine"`
	RemoteBatchSize   int    `envconfig:"REMOTE_BATCH_SIZE" default:"100"`
	RemoteMaxInFlight int    `envconfig:"REMOTE_MAX_IN_FLIGHT" default:"2"`
	RemoteMaxAttempts int    `envconfig:"REMOTE_MAX_ATTEMPTS" default:"3"`
	CPUWorkers        int    `envconfig:"CPU_WORKERS" default:"0"`
	SearchDefaultTopK int    `envconfig:"SEARCH_DEFAULT_TOP_K" default:"5"`
	SearchMaxTopK     int    `envconfig:"SEARCH_MAX_TOP_K" default:"50"`

	// Server
	ServerPort      int    `envconfig:"SERVER_PORT" default:"8081"`
	QueryLogPath    string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`
	MaxUploadSizeMB int64  `envconfig:"MAX_UPLOAD_SIZE_MB" default:"50"`
	UploadDir       string `envconfig:"UPLOAD_DIR" default:"data/uploads"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Env vars might be set in the shell, a missing .env is fine.
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}

	switch c.EmbeddingProvider {
	case "":
		return fmt.Errorf("%w: EMBEDDING_PROVIDER", ErrMissingRequired)
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY", ErrMissingRequired)
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("%w: OPENAI_API_KEY", ErrMissingRequired)
		}
	case ProviderOllama:
	default:
		return fmt.Errorf("%w: EMBEDDING_PROVIDER=%q (want gemini, openai or ollama)", ErrInvalidValue, c.EmbeddingProvider)
	}

	if c.ChunkMaxChars <= 0 {
		return fmt.Errorf("%w: CHUNK_MAX_CHARS must be positive", ErrInvalidValue)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkMaxChars {
		return fmt.Errorf("%w: CHUNK_OVERLAP must be in [0, CHUNK_MAX_CHARS)", ErrInvalidValue)
	}
	if c.ChunkMinChars < 0 || c.ChunkMinChars > c.ChunkMaxChars {
		return fmt.Errorf("%w: CHUNK_MIN_CHARS must be in [0, CHUNK_MAX_CHARS]", ErrInvalidValue)
	}
	if c.IndexMetric != MetricCosine && c.IndexMetric != MetricInnerProduct {
		return fmt.Errorf("%w: INDEX_METRIC=%q", ErrInvalidValue, c.IndexMetric)
	}
	if c.EmbedMaxAttempts < 1 {
		return fmt.Errorf("%w: EMBED_MAX_ATTEMPTS must be at least 1", ErrInvalidValue)
	}
	if c.SearchDefaultTopK <= 0 || c.SearchDefaultTopK > c.SearchMaxTopK {
		return fmt.Errorf("%w: SEARCH_DEFAULT_TOP_K must be in [1, SEARCH_MAX_TOP_K]", ErrInvalidValue)
	}
	return nil
}

func (c *Config) EmbedBaseDelay() time.Duration {
	return time.Duration(c.EmbedBaseDelayMillis) * time.Millisecond
}

func (c *Config) EmbedMaxDelay() time.Duration {
	return time.Duration(c.EmbedMaxDelayMillis) * time.Millisecond
}

func (c *Config) EmbedTimeout() time.Duration {
	return time.Duration(c.EmbedTimeoutSeconds) * time.Second
}

func (c *Config) BootstrapRetryDelay() time.Duration {
	return time.Duration(c.BootstrapRetryDelaySeconds) * time.Second
}
