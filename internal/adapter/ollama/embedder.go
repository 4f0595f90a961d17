package ollama

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
	DefaultBaseURL = "http://localhost:11434"
	DefaultModel   = "nomic-embed-text"
	maxBatchSize   = 256
)

// Embedder talks to a local Ollama instance through the batch /api/embed endpoint.
type Embedder struct {
	baseURL    string
	model      string
	dimension  int
	httpClient *http.Client
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

func NewEmbedder(baseURL, model string, dimension int) *Embedder {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &Embedder{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		dimension:  dimension,
		httpClient: &http.Client{},
	}
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	slog.DebugContext(ctx, "embedding batch", "model", e.model, "count", len(texts))

	body, err := json.Marshal(embedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, embedding.NewStatusError(e.ModelIdentifier(), resp.StatusCode, string(raw))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &embedding.ProviderError{Provider: e.ModelIdentifier(), Kind: embedding.Fatal, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if len(out.Embeddings) != len(texts) {
		return nil, &embedding.ProviderError{Provider: e.ModelIdentifier(), Kind: embedding.Fatal, Err: fmt.Errorf("expected %d embeddings, got %d", len(texts), len(out.Embeddings))}
	}
	return out.Embeddings, nil
}

func (e *Embedder) Dimension() int { return e.dimension }

func (e *Embedder) ModelIdentifier() string { return "ollama/" + e.model }

func (e *Embedder) MaxBatchSize() int { return maxBatchSize }
