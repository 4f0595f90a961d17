package app_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docvec/apps/backend/internal/app"
	"docvec/apps/backend/internal/config"
	"docvec/apps/backend/internal/localindex"
)

type flakySchema struct {
	callCount int
	failUntil int
}

func (m *flakySchema) EnsureSchema(ctx context.Context) error {
	m.callCount++
	if m.callCount <= m.failUntil {
		return errors.New("schema error")
	}
	return nil
}

func TestEnsureSchemaWithRetry_Success(t *testing.T) {
	s := &flakySchema{}
	err := app.EnsureSchemaWithRetry(context.Background(), s, 1, time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, 1, s.callCount)
}

func TestEnsureSchemaWithRetry_Retries(t *testing.T) {
	s := &flakySchema{failUntil: 2}
	err := app.EnsureSchemaWithRetry(context.Background(), s, 5, time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, 3, s.callCount)
}

func TestEnsureSchemaWithRetry_Fail(t *testing.T) {
	s := &flakySchema{failUntil: 100}
	err := app.EnsureSchemaWithRetry(context.Background(), s, 3, time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, 3, s.callCount)
}

func TestBootstrap_DBDown(t *testing.T) {
	cfg := &config.Config{
		DBHost:                     "localhost",
		DBPort:                     54322,
		DBUser:                     "test",
		DBPass:                     "test",
		DBName:                     "test",
		BootstrapRetryAttempts:     1,
		BootstrapRetryDelaySeconds: 0,
	}

	start := time.Now()
	deps, err := app.Bootstrap(context.Background(), cfg)

	assert.Error(t, err)
	assert.Nil(t, deps)
	assert.Contains(t, err.Error(), "failed to ping db")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Config
		wantID  string
		wantErr bool
	}{
		{
			name:   "OpenAI",
			cfg:    config.Config{EmbeddingProvider: config.ProviderOpenAI, OpenAIAPIKey: "k", OpenAIModel: "text-embedding-3-small", OpenAIBaseURL: "http://localhost"},
			wantID: "openai/text-embedding-3-small",
		},
		{
			name:   "Ollama",
			cfg:    config.Config{EmbeddingProvider: config.ProviderOllama, OllamaModel: "nomic-embed-text", OllamaBaseURL: "http://localhost:11434"},
			wantID: "ollama/nomic-embed-text",
		},
		{
			name:    "Unknown",
			cfg:     config.Config{EmbeddingProvider: "bert"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := app.NewProvider(context.Background(), &tt.cfg)
			if tt.wantErr {
				assert.ErrorIs(t, err, config.ErrInvalidValue)
				assert.Nil(t, p)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, p.ModelIdentifier())
		})
	}
}

func TestEmbeddingOptions(t *testing.T) {
	cfg := &config.Config{
		EmbedBatchSize:       32,
		EmbedMaxInFlight:     2,
		EmbedMaxAttempts:     4,
		EmbedBaseDelayMillis: 100,
		EmbedMaxDelayMillis:  1000,
		EmbedTimeoutSeconds:  5,
	}
	opts := app.EmbeddingOptions(cfg)
	assert.Equal(t, 32, opts.BatchSize)
	assert.Equal(t, 2, opts.MaxInFlight)
	assert.Equal(t, 4, opts.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, opts.Retry.BaseDelay)
	assert.Equal(t, 5*time.Second, opts.Retry.CallTimeout)
}

type sampleEmbedder struct {
	dim   int
	calls int
}

func (p *sampleEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	p.calls++
	return make([]float32, p.dim), nil
}

func (p *sampleEmbedder) ModelIdentifier() string { return "test/sample" }

func TestOpenLocalIndex_MeasuresDimensionOnce(t *testing.T) {
	cfg := &config.Config{
		LocalIndexPath: filepath.Join(t.TempDir(), "index", "local.db"),
		IndexMetric:    config.MetricCosine,
	}
	e := &sampleEmbedder{dim: 24}

	idx, err := app.OpenLocalIndex(context.Background(), cfg, e, nil)
	require.NoError(t, err)
	assert.Equal(t, 24, idx.Dimension())
	assert.Equal(t, "test/sample", idx.ModelID())
	require.NoError(t, idx.Close())
	assert.Equal(t, 1, e.calls)

	// The stored dimension is adopted on reopen.
	idx, err = app.OpenLocalIndex(context.Background(), cfg, e, nil)
	require.NoError(t, err)
	defer idx.Close()
	assert.Equal(t, 24, idx.Dimension())
	assert.Equal(t, 1, e.calls)
}

func TestOpenLocalIndex_ConfiguredDimensionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")
	idx, err := localindex.Open(context.Background(), path, localindex.Meta{Dimension: 8, ModelID: "test/sample"})
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	cfg := &config.Config{LocalIndexPath: path, IndexMetric: config.MetricCosine, EmbedDimension: 16}
	_, err = app.OpenLocalIndex(context.Background(), cfg, &sampleEmbedder{dim: 16}, nil)
	assert.ErrorIs(t, err, localindex.ErrIndexMismatch)
}

type recordedDimensions map[string]int

func (r recordedDimensions) Lookup(_ context.Context, model string) (int, bool, error) {
	d, ok := r[model]
	return d, ok, nil
}

func TestOpenLocalIndex_UsesRecordedDimension(t *testing.T) {
	cfg := &config.Config{
		LocalIndexPath: filepath.Join(t.TempDir(), "local.db"),
		IndexMetric:    config.MetricCosine,
	}
	e := &sampleEmbedder{dim: 24}

	idx, err := app.OpenLocalIndex(context.Background(), cfg, e, recordedDimensions{"test/sample": 24})
	require.NoError(t, err)
	defer idx.Close()
	assert.Equal(t, 24, idx.Dimension())
	assert.Zero(t, e.calls, "a recorded dimension needs no embedding call")
}

func TestOpenLocalIndex_UnrecordedModelMeasures(t *testing.T) {
	cfg := &config.Config{
		LocalIndexPath: filepath.Join(t.TempDir(), "local.db"),
		IndexMetric:    config.MetricCosine,
	}
	e := &sampleEmbedder{dim: 12}

	idx, err := app.OpenLocalIndex(context.Background(), cfg, e, recordedDimensions{"other/model": 768})
	require.NoError(t, err)
	defer idx.Close()
	assert.Equal(t, 12, idx.Dimension())
	assert.Equal(t, 1, e.calls)
}
