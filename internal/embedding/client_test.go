package embedding

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	dim   int
	batch int
	calls atomic.Int32
	embed func(ctx context.Context, texts []string) ([][]float32, error)
}

func (f *fakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls.Add(1)
	return f.embed(ctx, texts)
}

func (f *fakeProvider) Dimension() int          { return f.dim }
func (f *fakeProvider) ModelIdentifier() string { return "fake/model" }
func (f *fakeProvider) MaxBatchSize() int       { return f.batch }

// indexVectors embeds "n" as [n, 1].
func indexVectors(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		n, _ := strconv.Atoi(t)
		out[i] = []float32{float32(n), 1}
	}
	return out, nil
}

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, CallTimeout: time.Second}
}

func TestClient_EmbedDocuments_PreservesOrderAcrossBatches(t *testing.T) {
	var mu sync.Mutex
	var sizes []int
	p := &fakeProvider{embed: func(ctx context.Context, texts []string) ([][]float32, error) {
		mu.Lock()
		sizes = append(sizes, len(texts))
		mu.Unlock()
		return indexVectors(ctx, texts)
	}}
	c := NewClient(p, nil, Options{BatchSize: 2, MaxInFlight: 3, Retry: fastRetry(1)})

	texts := []string{"0", "1", "2", "3", "4"}
	vecs, err := c.EmbedDocuments(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, 5)
	for i, v := range vecs {
		assert.Equal(t, float32(i), v[0])
	}
	assert.ElementsMatch(t, []int{2, 2, 1}, sizes)
}

func TestClient_Batches(t *testing.T) {
	p := &fakeProvider{batch: 3, embed: indexVectors}

	c := NewClient(p, nil, Options{BatchSize: 10})
	assert.Equal(t, []batch{{0, 3}, {3, 6}, {6, 7}}, c.batches(make([]string, 7)), "provider max caps batch size")

	c = NewClient(p, nil, Options{BatchSize: 3, MaxBatchChars: 10})
	texts := []string{"aaaa", "bbbb", "cccc", "dddddddddddddddd", "e"}
	assert.Equal(t, []batch{{0, 2}, {2, 3}, {3, 4}, {4, 5}}, c.batches(texts), "oversized text travels alone")
}

func TestClient_RetriesTransientUpToMaxAttempts(t *testing.T) {
	p := &fakeProvider{embed: func(context.Context, []string) ([][]float32, error) {
		return nil, NewStatusError("fake/model", 503, "unavailable")
	}}
	c := NewClient(p, nil, Options{Retry: fastRetry(3)})

	_, err := c.EmbedDocuments(context.Background(), []string{"1"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.EqualValues(t, 3, p.calls.Load())
}

func TestClient_RecoversAfterTransientFailure(t *testing.T) {
	p := &fakeProvider{}
	p.embed = func(ctx context.Context, texts []string) ([][]float32, error) {
		if p.calls.Load() < 3 {
			return nil, NewStatusError("fake/model", 429, "rate limited")
		}
		return indexVectors(ctx, texts)
	}
	c := NewClient(p, nil, Options{Retry: fastRetry(5)})

	vec, err := c.EmbedQuery(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, []float32{7, 1}, vec)
	assert.EqualValues(t, 3, p.calls.Load())
}

func TestClient_FatalIsNotRetried(t *testing.T) {
	p := &fakeProvider{embed: func(context.Context, []string) ([][]float32, error) {
		return nil, NewStatusError("fake/model", 401, "bad key")
	}}
	c := NewClient(p, nil, Options{Retry: fastRetry(5)})

	_, err := c.EmbedDocuments(context.Background(), []string{"1", "2"})
	assert.ErrorIs(t, err, ErrFatal)
	assert.EqualValues(t, 1, p.calls.Load())
}

func TestClient_CallTimeoutIsTransient(t *testing.T) {
	p := &fakeProvider{embed: func(ctx context.Context, _ []string) ([][]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	policy := fastRetry(2)
	policy.CallTimeout = 5 * time.Millisecond
	c := NewClient(p, nil, Options{Retry: policy})

	_, err := c.EmbedQuery(context.Background(), "1")
	assert.True(t, IsTransient(err))
	assert.EqualValues(t, 2, p.calls.Load())
}

func TestClient_CallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &fakeProvider{embed: func(context.Context, []string) ([][]float32, error) {
		cancel()
		return nil, errors.New("connection reset")
	}}
	c := NewClient(p, nil, Options{Retry: fastRetry(5)})

	_, err := c.EmbedQuery(ctx, "1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, p.calls.Load())
}

func TestClient_DimensionContract(t *testing.T) {
	t.Run("Declared Dimension", func(t *testing.T) {
		c := NewClient(&fakeProvider{dim: 3, embed: indexVectors}, nil, Options{})
		_, err := c.EmbedQuery(context.Background(), "1")

		var dm *DimensionMismatchError
		require.ErrorAs(t, err, &dm)
		assert.Equal(t, 3, dm.Expected)
		assert.Equal(t, 2, dm.Got)
		assert.ErrorIs(t, err, ErrFatal)
	})

	t.Run("Recorded Dimension", func(t *testing.T) {
		reg := NewMemoryRegistry()
		_, _ = reg.Observe(context.Background(), "fake/model", 768)

		c := NewClient(&fakeProvider{embed: indexVectors}, reg, Options{})
		_, err := c.EmbedDocuments(context.Background(), []string{"1"})

		var dm *DimensionMismatchError
		require.ErrorAs(t, err, &dm)
		assert.Equal(t, 768, dm.Expected)
	})

	t.Run("Ragged Batch", func(t *testing.T) {
		c := NewClient(&fakeProvider{embed: func(context.Context, []string) ([][]float32, error) {
			return [][]float32{{1, 2}, {1, 2, 3}}, nil
		}}, nil, Options{})
		_, err := c.EmbedDocuments(context.Background(), []string{"a", "b"})
		assert.ErrorIs(t, err, ErrFatal)
	})

	t.Run("Wrong Count", func(t *testing.T) {
		c := NewClient(&fakeProvider{embed: func(context.Context, []string) ([][]float32, error) {
			return [][]float32{{1, 2}}, nil
		}}, nil, Options{})
		_, err := c.EmbedDocuments(context.Background(), []string{"a", "b"})
		assert.ErrorIs(t, err, ErrFatal)
	})
}

func TestClient_BoundsInFlightRequests(t *testing.T) {
	var current, peak atomic.Int32
	p := &fakeProvider{embed: func(ctx context.Context, texts []string) ([][]float32, error) {
		n := current.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		current.Add(-1)
		return indexVectors(ctx, texts)
	}}
	c := NewClient(p, nil, Options{BatchSize: 1, MaxInFlight: 2})

	// Two callers share the same bound.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.EmbedDocuments(context.Background(), []string{"1", "2", "3", "4", "5", "6"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.EqualValues(t, 12, p.calls.Load())
}

func TestRetryPolicy_Backoff(t *testing.T) {
	b := RetryPolicy{MaxAttempts: 4, BaseDelay: 10 * time.Millisecond, MaxDelay: 25 * time.Millisecond}.Backoff()

	var delays []time.Duration
	for {
		d, stop := b.Next()
		if stop {
			break
		}
		delays = append(delays, d)
	}
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}, delays)
}

func TestDocumentInput(t *testing.T) {
	assert.Equal(t, "Section: Results\nDocument: q3.pdf\n\nRevenue grew.", DocumentInput("Results", "q3.pdf", "Revenue grew."))
}
