package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

// Local is the on-disk index searched first.
type Local interface {
	Dimension() int
	CheckDimensions(records []Record) error
	Upsert(ctx context.Context, fileID string, records []Record) error
	DeleteDocument(ctx context.Context, fileID string) error
	Search(ctx context.Context, vector []float32, topK int, exclude map[string]bool) ([]Hit, error)
	Has(fileID string) bool
	Count() int
	Documents() []string
	Records(fileID string) []Record
}

// Remote is the authoritative copy. Writes of the same (file id, chunk id) overwrite.
type Remote interface {
	Upsert(ctx context.Context, records []Record) error
	Prune(ctx context.Context, fileID string, keep int) error
	DeleteDocument(ctx context.Context, fileID string) error
	Search(ctx context.Context, vector []float32, topK int, fileIDs []string) ([]Hit, error)
	Fetch(ctx context.Context, fileID string) ([]Record, error)
	Count(ctx context.Context, fileID string) (int, error)
}

type Options struct {
	BatchSize   int
	MaxInFlight int
	MaxAttempts int
	BaseDelay   time.Duration
}

// DualStore writes remote first and local second, so a document present locally is always
// present remotely.
type DualStore struct {
	local  Local
	remote Remote
	opts   Options
}

func New(local Local, remote Remote, opts Options) *DualStore {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 200 * time.Millisecond
	}
	return &DualStore{local: local, remote: remote, opts: opts}
}

func (d *DualStore) Dimension() int {
	return d.local.Dimension()
}

// Write replaces the stored chunks of fileID in both stores. Nothing is written when any vector
// has the wrong dimension. A remote failure leaves the local index untouched; a local failure
// after the remote commit leaves fileID out of the local index.
func (d *DualStore) Write(ctx context.Context, fileID string, records []Record) error {
	if err := d.local.CheckDimensions(records); err != nil {
		return &StoreError{Store: StoreLocal, Op: "validate", Err: err}
	}

	if err := d.writeRemote(ctx, records); err != nil {
		return &StoreError{Store: StoreRemote, Op: "write", Retryable: true, Err: err}
	}
	if err := d.withRetry(ctx, func(ctx context.Context) error {
		return d.remote.Prune(ctx, fileID, len(records))
	}); err != nil {
		return &StoreError{Store: StoreRemote, Op: "prune", Retryable: true, Err: err}
	}

	if err := d.local.Upsert(ctx, fileID, records); err != nil {
		// Remote no longer matches the previous local set; drop it and let reads go remote.
		if derr := d.local.DeleteDocument(ctx, fileID); derr != nil {
			slog.ErrorContext(ctx, "failed to evict stale local chunks", "error", derr)
		}
		return &StoreError{Store: StoreLocal, Op: "write", Retryable: true, RemoteCommitted: true, Err: err}
	}
	return nil
}

func (d *DualStore) writeRemote(ctx context.Context, records []Record) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.MaxInFlight)
	for start := 0; start < len(records); start += d.opts.BatchSize {
		batch := records[start:min(start+d.opts.BatchSize, len(records))]
		g.Go(func() error {
			return d.withRetry(gctx, func(ctx context.Context) error {
				return d.remote.Upsert(ctx, batch)
			})
		})
	}
	return g.Wait()
}

func (d *DualStore) withRetry(ctx context.Context, f func(context.Context) error) error {
	b := retry.WithMaxRetries(uint64(d.opts.MaxAttempts-1), retry.NewExponential(d.opts.BaseDelay))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := f(ctx)
		if err != nil && IsTransient(err) {
			slog.WarnContext(ctx, "remote store call failed, retrying", "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

// Resync replaces the local entries of fileID with the remote copy.
func (d *DualStore) Resync(ctx context.Context, fileID string) error {
	var records []Record
	err := d.withRetry(ctx, func(ctx context.Context) error {
		var err error
		records, err = d.remote.Fetch(ctx, fileID)
		return err
	})
	if err != nil {
		return &StoreError{Store: StoreRemote, Op: "fetch", Retryable: true, Err: err}
	}
	if len(records) == 0 {
		return fmt.Errorf("%w: %s has no remote chunks", ErrNotFound, fileID)
	}
	if err := d.local.Upsert(ctx, fileID, records); err != nil {
		return &StoreError{Store: StoreLocal, Op: "write", Retryable: true, RemoteCommitted: true, Err: err}
	}
	return nil
}

// Rollback drops whatever the local index holds for fileID.
func (d *DualStore) Rollback(ctx context.Context, fileID string) error {
	if err := d.local.DeleteDocument(ctx, fileID); err != nil {
		return &StoreError{Store: StoreLocal, Op: "rollback", Err: err}
	}
	return nil
}

// Delete removes fileID from both stores, remote first.
func (d *DualStore) Delete(ctx context.Context, fileID string) error {
	if err := d.withRetry(ctx, func(ctx context.Context) error {
		return d.remote.DeleteDocument(ctx, fileID)
	}); err != nil {
		return &StoreError{Store: StoreRemote, Op: "delete", Retryable: true, Err: err}
	}
	return d.Rollback(ctx, fileID)
}

func (d *DualStore) SearchLocal(ctx context.Context, vector []float32, topK int, exclude map[string]bool) ([]Hit, error) {
	return d.local.Search(ctx, vector, topK, exclude)
}

func (d *DualStore) SearchRemote(ctx context.Context, vector []float32, topK int, fileIDs []string) ([]Hit, error) {
	return d.remote.Search(ctx, vector, topK, fileIDs)
}

func (d *DualStore) HasLocal(fileID string) bool {
	return d.local.Has(fileID)
}

// Chunks returns the stored chunks of fileID ordered by chunk id, from the local index when it
// holds the document and from the remote store otherwise. Vectors are not included.
func (d *DualStore) Chunks(ctx context.Context, fileID string) ([]Record, error) {
	records := d.local.Records(fileID)
	if len(records) == 0 {
		err := d.withRetry(ctx, func(ctx context.Context) error {
			var err error
			records, err = d.remote.Fetch(ctx, fileID)
			return err
		})
		if err != nil {
			return nil, &StoreError{Store: StoreRemote, Op: "fetch", Retryable: true, Err: err}
		}
	}
	for i := range records {
		records[i].Vector = nil
	}
	return records, nil
}

type Counts struct {
	LocalVectors   int
	LocalDocuments int
	RemoteVectors  int
}

// Counts sizes both stores.
func (d *DualStore) Counts(ctx context.Context) (Counts, error) {
	remote, err := d.remote.Count(ctx, "")
	if err != nil {
		return Counts{}, err
	}
	return Counts{
		LocalVectors:   d.local.Count(),
		LocalDocuments: len(d.local.Documents()),
		RemoteVectors:  remote,
	}, nil
}
