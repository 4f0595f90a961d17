package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

type Options struct {
	// BatchSize caps texts per request, further capped by the provider's MaxBatchSize.
	BatchSize int
	// MaxBatchChars caps the summed length of one request's texts.
	MaxBatchChars int
	// MaxInFlight caps concurrent provider requests across every caller of the client.
	MaxInFlight int
	// RequestsPerSecond paces requests; zero disables pacing.
	RequestsPerSecond float64
	Retry             RetryPolicy
}

// Client is the embedding entry point for ingestion and queries. It is safe for concurrent use.
type Client struct {
	provider Provider
	registry DimensionRegistry
	opts     Options
	inFlight *semaphore.Weighted
	limiter  *rate.Limiter
}

func NewClient(p Provider, registry DimensionRegistry, opts Options) *Client {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if limit := p.MaxBatchSize(); limit > 0 && opts.BatchSize > limit {
		opts.BatchSize = limit
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 1
	}
	if registry == nil {
		registry = NewMemoryRegistry()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), max(1, int(opts.RequestsPerSecond)))
	}
	opts.Retry = opts.Retry.normalized()

	return &Client{
		provider: p,
		registry: registry,
		opts:     opts,
		inFlight: semaphore.NewWeighted(int64(opts.MaxInFlight)),
		limiter:  limiter,
	}
}

func (c *Client) ModelIdentifier() string {
	return c.provider.ModelIdentifier()
}

func (c *Client) Dimension() int {
	return c.provider.Dimension()
}

// EmbedDocuments embeds texts in batches and returns vectors in input order. Batches are
// dispatched concurrently up to MaxInFlight; the first failing batch cancels the rest.
func (c *Client) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.MaxInFlight)
	for _, b := range c.batches(texts) {
		g.Go(func() error {
			vecs, err := c.embedBatch(gctx, texts[b.start:b.end])
			if err != nil {
				return err
			}
			copy(out[b.start:b.end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vecs, err := c.embedBatch(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

type batch struct {
	start, end int
}

func (c *Client) batches(texts []string) []batch {
	var out []batch
	start, chars := 0, 0
	for i, t := range texts {
		full := i-start >= c.opts.BatchSize
		tooLong := c.opts.MaxBatchChars > 0 && i > start && chars+len(t) > c.opts.MaxBatchChars
		if full || tooLong {
			out = append(out, batch{start: start, end: i})
			start, chars = i, 0
		}
		chars += len(t)
	}
	return append(out, batch{start: start, end: len(texts)})
}

func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := c.inFlight.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.inFlight.Release(1)

	model := c.provider.ModelIdentifier()
	var vecs [][]float32
	attempt := 0
	err := retry.Do(ctx, c.opts.Retry.Backoff(), func(ctx context.Context) error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, c.opts.Retry.CallTimeout)
		defer cancel()

		res, err := c.provider.Embed(callCtx, texts)
		if err != nil {
			err = classify(model, err, callCtx, ctx)
			if IsTransient(err) {
				slog.WarnContext(ctx, "embedding request failed, retrying", "model", model, "attempt", attempt, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		vecs = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(vecs) != len(texts) {
		return nil, &ProviderError{Provider: model, Kind: Fatal, Err: fmt.Errorf("returned %d vectors for %d inputs", len(vecs), len(texts))}
	}
	if err := c.checkDimension(ctx, model, vecs); err != nil {
		return nil, err
	}
	return vecs, nil
}

func (c *Client) checkDimension(ctx context.Context, model string, vecs [][]float32) error {
	got := len(vecs[0])
	for _, v := range vecs[1:] {
		if len(v) != got {
			return &DimensionMismatchError{Model: model, Expected: got, Got: len(v)}
		}
	}
	if declared := c.provider.Dimension(); declared > 0 && declared != got {
		return &DimensionMismatchError{Model: model, Expected: declared, Got: got}
	}

	recorded, err := c.registry.Observe(ctx, model, got)
	if err != nil {
		return fmt.Errorf("failed to record embedding dimension: %w", err)
	}
	if recorded != got {
		return &DimensionMismatchError{Model: model, Expected: recorded, Got: got}
	}
	return nil
}

// IsTransient reports whether err is a provider failure worth retrying later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
