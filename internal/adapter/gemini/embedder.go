package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/option"

	"docvec/apps/backend/internal/embedding"
)

const (
	DefaultModel = "gemini-embedding-001"
	// The batchEmbedContents endpoint accepts at most 100 requests.
	maxBatchSize = 100
)

type Embedder struct {
	client    *genai.Client
	model     string
	dimension int
}

// NewEmbedder connects to the Gemini API. dimension may be 0 when the size should be learned from
// the first response.
func NewEmbedder(ctx context.Context, apiKey, model string, dimension int, opts ...option.ClientOption) (*Embedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key not configured")
	}
	if model == "" {
		model = DefaultModel
	}
	client, err := genai.NewClient(ctx, append(opts, option.WithAPIKey(apiKey))...)
	if err != nil {
		return nil, err
	}
	return &Embedder{client: client, model: model, dimension: dimension}, nil
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	slog.DebugContext(ctx, "embedding batch", "model", e.model, "count", len(texts))

	em := e.client.EmbeddingModel(e.model)
	b := em.NewBatch()
	for _, t := range texts {
		b = b.AddContent(genai.Text(t))
	}
	res, err := em.BatchEmbedContents(ctx, b)
	if err != nil {
		return nil, e.wrap(err)
	}

	out := make([][]float32, len(res.Embeddings))
	for i, emb := range res.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, &embedding.ProviderError{Provider: e.ModelIdentifier(), Kind: embedding.Fatal, Err: fmt.Errorf("empty embedding at index %d", i)}
		}
		out[i] = emb.Values
	}
	return out, nil
}

// wrap keeps the HTTP status so 429 and 5xx responses are retried and the rest are not.
func (e *Embedder) wrap(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if apiErr, ok := apierror.FromError(err); ok && apiErr.HTTPCode() > 0 {
		return &embedding.ProviderError{
			Provider:   e.ModelIdentifier(),
			Kind:       embedding.StatusKind(apiErr.HTTPCode()),
			StatusCode: apiErr.HTTPCode(),
			Err:        err,
		}
	}
	return err
}

func (e *Embedder) Dimension() int { return e.dimension }

func (e *Embedder) ModelIdentifier() string { return "gemini/" + e.model }

func (e *Embedder) MaxBatchSize() int { return maxBatchSize }

func (e *Embedder) Close() error {
	return e.client.Close()
}
