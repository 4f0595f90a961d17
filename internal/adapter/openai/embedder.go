package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"docvec/apps/backend/internal/embedding"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "text-embedding-3-small"
	maxBatchSize   = 2048
)

type Embedder struct {
	baseURL    string
	apiKey     string
	model      string
	dimension  int
	httpClient *http.Client
}

type embeddingRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

// NewEmbedder returns an OpenAI-compatible embedder. A non-zero dimension is sent as the
// requested output size.
func NewEmbedder(baseURL, apiKey, model string, dimension int) (*Embedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key not configured")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &Embedder{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		dimension:  dimension,
		httpClient: &http.Client{},
	}, nil
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	slog.DebugContext(ctx, "embedding batch", "model", e.model, "count", len(texts))

	body, err := json.Marshal(embeddingRequest{Input: texts, Model: e.model, Dimensions: e.dimension})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, embedding.NewStatusError(e.ModelIdentifier(), resp.StatusCode, string(raw))
	}

	var apiResp embeddingResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return nil, &embedding.ProviderError{Provider: e.ModelIdentifier(), Kind: embedding.Fatal, Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	if len(apiResp.Data) != len(texts) {
		return nil, &embedding.ProviderError{Provider: e.ModelIdentifier(), Kind: embedding.Fatal, Err: fmt.Errorf("expected %d embeddings, got %d", len(texts), len(apiResp.Data))}
	}

	out := make([][]float32, len(texts))
	for _, d := range apiResp.Data {
		if d.Index < 0 || d.Index >= len(texts) || out[d.Index] != nil {
			return nil, &embedding.ProviderError{Provider: e.ModelIdentifier(), Kind: embedding.Fatal, Err: fmt.Errorf("invalid embedding index: %d", d.Index)}
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func (e *Embedder) Dimension() int { return e.dimension }

func (e *Embedder) ModelIdentifier() string { return "openai/" + e.model }

func (e *Embedder) MaxBatchSize() int { return maxBatchSize }
