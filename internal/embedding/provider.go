// Package embedding is the uniform call surface over embedding backends.
//
// A Provider wraps one external service and only knows how to embed a single batch. Client adds
// everything the pipeline relies on: batching, bounded in-flight requests, pacing, retries with
// backoff, per-call timeouts and the dimension contract.
package embedding

import (
	"context"
	"fmt"
)

type Provider interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension is the declared vector size, or 0 when the provider only learns it from the
	// first response.
	Dimension() int
	// ModelIdentifier names provider and model, e.g. "gemini/gemini-embedding-001".
	ModelIdentifier() string
	// MaxBatchSize is the largest number of texts one request may carry.
	MaxBatchSize() int
}

// DimensionRegistry remembers the vector size first observed for each model.
type DimensionRegistry interface {
	// Observe records dim for model if nothing is recorded yet and returns the recorded value.
	Observe(ctx context.Context, model string, dim int) (int, error)
}

// DocumentInput is the text actually sent for a chunk: section and document name give the
// model context that the raw chunk lacks.
func DocumentInput(section, fileName, text string) string {
	return fmt.Sprintf("Section: %s\nDocument: %s\n\n%s", section, fileName, text)
}
