// Package ingest drives documents from upload to searchable vectors.
//
// The Orchestrator owns one Record per document and moves it through a fixed sequence of stages.
// Each stage's output is kept in memory so an explicit Retry can resume where the pipeline
// stopped instead of starting over.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"docvec/apps/backend/internal/embedding"
	"docvec/apps/backend/internal/extract"
	"docvec/apps/backend/internal/middleware"
	"docvec/apps/backend/internal/text"
	"docvec/apps/backend/internal/vectorstore"
)

type Extractor interface {
	Extract(ctx context.Context, f extract.Format, fileName string, content []byte) (extract.Output, error)
}

type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

type Store interface {
	Write(ctx context.Context, fileID string, records []vectorstore.Record) error
	Resync(ctx context.Context, fileID string) error
	Rollback(ctx context.Context, fileID string) error
	Delete(ctx context.Context, fileID string) error
}

type Repository interface {
	Save(ctx context.Context, r *Record) error
	Get(ctx context.Context, fileID string) (*Record, error)
	List(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, fileID string) error
}

// Submission is one document handed to the pipeline. FileID and Format are derived from the
// file name and content when empty. SourcePath, when set, lets a retry reload the bytes after
// the in-memory copy is gone.
type Submission struct {
	FileID     string
	FileName   string
	Format     extract.Format
	Content    []byte
	SourcePath string
}

type Options struct {
	Chunker     text.ChunkerConfig
	Reconstruct text.ReconstructOptions
	// CPUWorkers bounds concurrent extract, reconstruct and chunk work. Zero means NumCPU.
	CPUWorkers int
}

type artifacts struct {
	hash       string
	content    []byte
	extracted  *extract.Output
	normalized *text.NormalizedText
	chunks     []text.Chunk
	vectors    [][]float32
	// localWritten is set when the dual write also committed the local index.
	localWritten bool
}

type job struct {
	cancel     chan struct{}
	done       chan struct{}
	cancelOnce sync.Once
}

type Orchestrator struct {
	extractor Extractor
	chunker   *text.Chunker
	embedder  Embedder
	store     Store
	repo      Repository
	opts      Options
	cpu       *semaphore.Weighted
	now       func() time.Time

	mu        sync.Mutex
	records   map[string]*Record
	jobs      map[string]*job
	artifacts map[string]*artifacts
	// remoteOnly mirrors Record.RemoteOnly for every known document once seeded is set.
	remoteOnly map[string]bool
	seeded     bool
}

func NewOrchestrator(extractor Extractor, embedder Embedder, store Store, repo Repository, opts Options) (*Orchestrator, error) {
	chunker, err := text.NewChunker(opts.Chunker)
	if err != nil {
		return nil, err
	}
	if opts.CPUWorkers <= 0 {
		opts.CPUWorkers = runtime.NumCPU()
	}
	return &Orchestrator{
		extractor:  extractor,
		chunker:    chunker,
		embedder:   embedder,
		store:      store,
		repo:       repo,
		opts:       opts,
		cpu:        semaphore.NewWeighted(int64(opts.CPUWorkers)),
		now:        time.Now,
		records:    make(map[string]*Record),
		jobs:       make(map[string]*job),
		artifacts:  make(map[string]*artifacts),
		remoteOnly: make(map[string]bool),
	}, nil
}

// Ingest runs the whole pipeline for sub and returns the final record. A pipeline failure is
// returned as *StageError along with the failed record.
func (o *Orchestrator) Ingest(ctx context.Context, sub Submission) (Record, error) {
	if sub.FileName == "" || len(sub.Content) == 0 {
		return Record{}, fmt.Errorf("%w: file name and content are required", ErrInvalidSubmission)
	}
	if sub.FileID == "" {
		sub.FileID = DeriveFileID(sub.FileName, sub.Content)
	}
	if sub.Format == "" {
		f, ok := extract.FormatFromFileName(sub.FileName)
		if !ok {
			return Record{}, fmt.Errorf("%w: unknown format for %s", ErrInvalidSubmission, sub.FileName)
		}
		sub.Format = f
	}
	ctx = middleware.WithFileID(ctx, sub.FileID)
	hash := ContentHash(sub.Content)

	// Bring back a persisted record so its index flags carry over to the new run.
	if _, err := o.load(ctx, sub.FileID); err != nil && !errors.Is(err, ErrNotFound) {
		slog.WarnContext(ctx, "failed to read previous record", "error", err)
	}

	o.mu.Lock()
	if _, busy := o.jobs[sub.FileID]; busy {
		o.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrConcurrencyConflict, sub.FileID)
	}
	now := o.now()
	rec := &Record{
		FileID:      sub.FileID,
		FileName:    sub.FileName,
		Format:      string(sub.Format),
		ContentHash: hash,
		SourcePath:  sub.SourcePath,
		Status:      StageUploaded,
		Attempts:    make(map[Stage]int),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if old, ok := o.records[sub.FileID]; ok {
		// The previous chunks stay in both stores until this run writes its own.
		rec.CreatedAt = old.CreatedAt
		rec.RemoteIndexed = old.RemoteIndexed
		rec.LocalIndexed = old.LocalIndexed
	}
	o.records[sub.FileID] = rec
	o.track(rec)
	// A new upload always restarts, even when the bytes did not change.
	o.artifacts[sub.FileID] = &artifacts{hash: hash, content: sub.Content}
	j := o.startJob(sub.FileID)
	o.mu.Unlock()

	slog.InfoContext(ctx, "ingestion started", "file_name", sub.FileName, "format", sub.Format, "size", len(sub.Content))
	o.persist(ctx, sub.FileID)
	return o.run(ctx, sub.FileID, j, StageExtracted)
}

// Retry resumes a failed document from the earliest stage whose inputs are still available.
func (o *Orchestrator) Retry(ctx context.Context, fileID string) (Record, error) {
	ctx = middleware.WithFileID(ctx, fileID)

	rec, err := o.load(ctx, fileID)
	if err != nil {
		return Record{}, err
	}

	o.mu.Lock()
	if _, busy := o.jobs[fileID]; busy {
		o.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrConcurrencyConflict, fileID)
	}
	if rec.Status != StageFailed {
		o.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s is %s", ErrNotFailed, fileID, rec.Status)
	}
	start, err := o.resumePoint(rec)
	if err != nil {
		o.mu.Unlock()
		return rec.clone(), err
	}
	rec.Status = prev(start)
	rec.FailedStage, rec.Reason, rec.ErrorKind, rec.Retryable = "", "", "", false
	rec.UpdatedAt = o.now()
	j := o.startJob(fileID)
	o.mu.Unlock()

	slog.InfoContext(ctx, "ingestion retry", "stage", start)
	o.persist(ctx, fileID)
	return o.run(ctx, fileID, j, start)
}

// Cancel stops the running job of fileID at its next stage boundary and waits until its local
// entries are rolled back. An in-flight provider or store call is left to finish.
func (o *Orchestrator) Cancel(ctx context.Context, fileID string) error {
	o.mu.Lock()
	j, ok := o.jobs[fileID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotInProgress, fileID)
	}

	j.cancelOnce.Do(func() { close(j.cancel) })
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active reports whether a job currently holds fileID.
func (o *Orchestrator) Active(fileID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.jobs[fileID]
	return ok
}

// CheckRetry reports whether Retry would accept fileID right now, without starting anything.
func (o *Orchestrator) CheckRetry(ctx context.Context, fileID string) error {
	rec, err := o.load(ctx, fileID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.jobs[fileID]; busy {
		return fmt.Errorf("%w: %s", ErrConcurrencyConflict, fileID)
	}
	if rec.Status != StageFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotFailed, fileID, rec.Status)
	}
	if rec.FailedStage == StageLocalIndexed && rec.RemoteIndexed {
		return nil
	}
	if a := o.artifacts[fileID]; a != nil && a.hash == rec.ContentHash && (a.content != nil || a.extracted != nil) {
		return nil
	}
	if rec.SourcePath == "" {
		return fmt.Errorf("%w: %s", ErrArtifactsUnavailable, fileID)
	}
	if _, err := os.Stat(rec.SourcePath); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrArtifactsUnavailable, fileID, err)
	}
	return nil
}

// Status returns a copy of the record of fileID.
func (o *Orchestrator) Status(ctx context.Context, fileID string) (Record, error) {
	rec, err := o.load(ctx, fileID)
	if err != nil {
		return Record{}, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return rec.clone(), nil
}

// List returns every known record, persisted ones overlaid with in-memory state.
func (o *Orchestrator) List(ctx context.Context) ([]Record, error) {
	persisted, err := o.repo.List(ctx)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	seen := make(map[string]bool, len(persisted))
	out := make([]Record, 0, len(persisted)+len(o.records))
	for _, r := range persisted {
		seen[r.FileID] = true
		if mem, ok := o.records[r.FileID]; ok {
			out = append(out, mem.clone())
			continue
		}
		out = append(out, r)
	}
	for id, r := range o.records {
		if !seen[id] {
			out = append(out, r.clone())
		}
	}
	return out, nil
}

// RemoteOnly lists documents whose vectors are only in the remote store. Persisted records are
// read once; after that the set is kept current by every record update.
func (o *Orchestrator) RemoteOnly(ctx context.Context) ([]string, error) {
	if err := o.seedRemoteOnly(ctx); err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.remoteOnly))
	for id := range o.remoteOnly {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (o *Orchestrator) seedRemoteOnly(ctx context.Context) error {
	o.mu.Lock()
	seeded := o.seeded
	o.mu.Unlock()
	if seeded {
		return nil
	}

	persisted, err := o.repo.List(ctx)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.seeded {
		return nil
	}
	for _, r := range persisted {
		if _, live := o.records[r.FileID]; !live && r.RemoteOnly() {
			o.remoteOnly[r.FileID] = true
		}
	}
	o.seeded = true
	return nil
}

// track syncs the remote-only set with r. Caller holds o.mu.
func (o *Orchestrator) track(r *Record) {
	if r.RemoteOnly() {
		o.remoteOnly[r.FileID] = true
	} else {
		delete(o.remoteOnly, r.FileID)
	}
}

// Delete removes a document from both stores and forgets its record.
func (o *Orchestrator) Delete(ctx context.Context, fileID string) error {
	ctx = middleware.WithFileID(ctx, fileID)
	if _, err := o.load(ctx, fileID); err != nil {
		return err
	}

	o.mu.Lock()
	if _, busy := o.jobs[fileID]; busy {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConcurrencyConflict, fileID)
	}
	// Hold the slot so no ingestion starts while the stores are cleared.
	j := o.startJob(fileID)
	o.mu.Unlock()
	defer o.finishJob(fileID, j)

	if err := o.store.Delete(ctx, fileID); err != nil {
		return err
	}
	if err := o.repo.Delete(ctx, fileID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	o.mu.Lock()
	delete(o.records, fileID)
	delete(o.artifacts, fileID)
	delete(o.remoteOnly, fileID)
	o.mu.Unlock()
	slog.InfoContext(ctx, "document deleted")
	return nil
}

// load returns the live record of fileID, reading it back from the repository after a restart.
func (o *Orchestrator) load(ctx context.Context, fileID string) (*Record, error) {
	o.mu.Lock()
	rec, ok := o.records[fileID]
	o.mu.Unlock()
	if ok {
		return rec, nil
	}

	stored, err := o.repo.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if stored.Attempts == nil {
		stored.Attempts = make(map[Stage]int)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if rec, ok := o.records[fileID]; ok {
		return rec, nil
	}
	o.records[fileID] = stored
	o.track(stored)
	return stored, nil
}

// resumePoint walks back from the failed stage to the first stage whose input is cached.
// Caller holds o.mu.
func (o *Orchestrator) resumePoint(rec *Record) (Stage, error) {
	start := rec.FailedStage
	if start == "" || start == StageUploaded {
		start = StageExtracted
	}
	if start == StageComplete {
		start = StageLocalIndexed
	}
	if start == StageLocalIndexed && rec.RemoteIndexed {
		if a := o.artifacts[rec.FileID]; a != nil {
			a.localWritten = false
		}
		return start, nil
	}
	if start == StageLocalIndexed {
		start = StageRemoteIndexed
	}

	a := o.artifacts[rec.FileID]
	if a != nil && a.hash != rec.ContentHash {
		a = nil
	}
	if a == nil {
		a = &artifacts{hash: rec.ContentHash}
		o.artifacts[rec.FileID] = a
	}

	for s := start; s != StageExtracted; s = prev(s) {
		if a.hasInputFor(s) {
			return s, nil
		}
	}
	if a.content == nil {
		content, err := reload(rec)
		if err != nil {
			return "", err
		}
		a.content = content
	}
	return StageExtracted, nil
}

func (a *artifacts) hasInputFor(s Stage) bool {
	switch s {
	case StageReconstructed:
		return a.extracted != nil
	case StageChunked:
		return a.normalized != nil
	case StageEmbedded:
		return a.chunks != nil
	case StageRemoteIndexed:
		return a.chunks != nil && a.vectors != nil
	}
	return false
}

func reload(rec *Record) ([]byte, error) {
	if rec.SourcePath == "" {
		return nil, fmt.Errorf("%w: %s", ErrArtifactsUnavailable, rec.FileID)
	}
	content, err := os.ReadFile(rec.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrArtifactsUnavailable, rec.FileID, err)
	}
	if ContentHash(content) != rec.ContentHash {
		return nil, fmt.Errorf("%w: %s changed on disk", ErrArtifactsUnavailable, rec.FileID)
	}
	return content, nil
}

// startJob registers a job for fileID. Caller holds o.mu.
func (o *Orchestrator) startJob(fileID string) *job {
	j := &job{cancel: make(chan struct{}), done: make(chan struct{})}
	o.jobs[fileID] = j
	return j
}

func (o *Orchestrator) finishJob(fileID string, j *job) {
	o.mu.Lock()
	if o.jobs[fileID] == j {
		delete(o.jobs, fileID)
	}
	o.mu.Unlock()
	close(j.done)
}

func (o *Orchestrator) run(ctx context.Context, fileID string, j *job, from Stage) (Record, error) {
	defer o.finishJob(fileID, j)

	for stage := from; ; stage = next(stage) {
		select {
		case <-j.cancel:
			return o.cancelled(context.WithoutCancel(ctx), fileID, stage)
		default:
		}
		if stage == StageComplete {
			break
		}

		o.mu.Lock()
		o.records[fileID].Attempts[stage]++
		o.mu.Unlock()

		kind, err := o.runStage(ctx, fileID, stage)
		if err != nil && ctx.Err() != nil {
			return o.cancelled(context.WithoutCancel(ctx), fileID, stage)
		}
		if err != nil {
			return o.fail(ctx, fileID, stage, kind, retryable(kind, err), err)
		}
		o.advance(ctx, fileID, stage)
	}

	o.advance(ctx, fileID, StageComplete)
	o.mu.Lock()
	rec := o.records[fileID].clone()
	// Retry never applies to a complete document; a new upload brings its own content.
	delete(o.artifacts, fileID)
	o.mu.Unlock()
	slog.InfoContext(ctx, "ingestion complete", "chunks", rec.ChunkCount)
	return rec, nil
}

func (o *Orchestrator) runStage(ctx context.Context, fileID string, stage Stage) (ErrorKind, error) {
	o.mu.Lock()
	a := o.artifacts[fileID]
	rec := o.records[fileID]
	fileName, format := rec.FileName, extract.Format(rec.Format)
	o.mu.Unlock()

	switch stage {
	case StageExtracted:
		out, err := withCPU(ctx, o.cpu, func() (extract.Output, error) {
			return o.extractor.Extract(ctx, format, fileName, a.content)
		})
		if err != nil {
			return KindExtraction, err
		}
		o.update(fileID, func(r *Record) { r.PageCount = out.PageCount })
		a.extracted = &out

	case StageReconstructed:
		nt, err := withCPU(ctx, o.cpu, func() (text.NormalizedText, error) {
			return text.Reconstruct(*a.extracted, o.opts.Reconstruct)
		})
		if err != nil {
			return KindReconstruction, err
		}
		a.normalized = &nt

	case StageChunked:
		chunks, err := withCPU(ctx, o.cpu, func() ([]text.Chunk, error) {
			return o.chunker.Chunk(*a.normalized)
		})
		if err != nil {
			return KindChunking, err
		}
		o.update(fileID, func(r *Record) { r.ChunkCount = len(chunks) })
		a.chunks = chunks
		a.vectors = nil

	case StageEmbedded:
		inputs := make([]string, len(a.chunks))
		for i, c := range a.chunks {
			inputs[i] = embedding.DocumentInput(c.Section, fileName, c.Text)
		}
		vectors, err := o.embedder.EmbedDocuments(ctx, inputs)
		if err != nil {
			if embedding.IsTransient(err) {
				return KindEmbeddingTransient, err
			}
			return KindEmbeddingFatal, err
		}
		if len(vectors) != len(a.chunks) {
			return KindEmbeddingFatal, fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(a.chunks))
		}
		a.vectors = vectors

	case StageRemoteIndexed:
		records := make([]vectorstore.Record, len(a.chunks))
		for i, c := range a.chunks {
			records[i] = vectorstore.Record{
				FileID:   fileID,
				ChunkID:  c.ID,
				Section:  c.Section,
				Text:     c.Text,
				FileName: fileName,
				Format:   string(format),
				Vector:   a.vectors[i],
			}
		}
		a.localWritten = false
		err := o.store.Write(ctx, fileID, records)
		var se *vectorstore.StoreError
		if errors.As(err, &se) && se.RemoteCommitted {
			// Remote holds the document, only the local copy is missing.
			slog.WarnContext(ctx, "local index write failed after remote commit", "error", err)
			o.update(fileID, func(r *Record) { r.LocalIndexed = false })
			return "", nil
		}
		if err != nil {
			return KindVectorStore, err
		}
		a.localWritten = true

	case StageLocalIndexed:
		if a != nil && a.localWritten {
			return "", nil
		}
		if err := o.store.Resync(ctx, fileID); err != nil {
			return KindVectorStore, err
		}
	}
	return "", nil
}

func withCPU[T any](ctx context.Context, sem *semaphore.Weighted, f func() (T, error)) (T, error) {
	var zero T
	if err := sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}
	defer sem.Release(1)
	return f()
}

func (o *Orchestrator) advance(ctx context.Context, fileID string, stage Stage) {
	o.update(fileID, func(r *Record) {
		r.Status = stage
		switch stage {
		case StageRemoteIndexed:
			r.RemoteIndexed = true
		case StageLocalIndexed:
			r.LocalIndexed = true
		}
	})
	slog.InfoContext(ctx, "ingestion stage reached", "stage", stage)
	o.persist(ctx, fileID)
}

func (o *Orchestrator) fail(ctx context.Context, fileID string, stage Stage, kind ErrorKind, canRetry bool, err error) (Record, error) {
	var rec Record
	o.update(fileID, func(r *Record) {
		r.Status = StageFailed
		r.FailedStage = stage
		r.Reason = err.Error()
		r.ErrorKind = kind
		r.Retryable = canRetry
		if stage == StageLocalIndexed {
			r.LocalIndexed = false
		}
		rec = r.clone()
	})
	slog.ErrorContext(ctx, "ingestion failed", "stage", stage, "kind", kind, "error", err)
	o.persist(ctx, fileID)
	return rec, &StageError{FileID: fileID, Stage: stage, Kind: kind, Err: err}
}

// cancelled records the cancellation at the stage that would have run next. Local entries are
// rolled back only once this run has written to the stores; before that, whatever an earlier
// run indexed is left searchable.
func (o *Orchestrator) cancelled(ctx context.Context, fileID string, stage Stage) (Record, error) {
	if stage == StageLocalIndexed || stage == StageComplete {
		if err := o.store.Rollback(ctx, fileID); err != nil {
			slog.ErrorContext(ctx, "rollback after cancel failed", "error", err)
		}
		o.update(fileID, func(r *Record) { r.LocalIndexed = false })
		o.mu.Lock()
		if a := o.artifacts[fileID]; a != nil {
			a.localWritten = false
		}
		o.mu.Unlock()
	}
	slog.InfoContext(ctx, "ingestion cancelled", "stage", stage)
	return o.fail(ctx, fileID, stage, KindCancelled, true, ErrCancelled)
}

func (o *Orchestrator) update(fileID string, f func(r *Record)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r := o.records[fileID]
	f(r)
	r.UpdatedAt = o.now()
	o.track(r)
}

// persist writes the record through to the repository. A failed write is logged and the
// pipeline carries on; the in-memory record stays authoritative for this process.
func (o *Orchestrator) persist(ctx context.Context, fileID string) {
	o.mu.Lock()
	rec := o.records[fileID].clone()
	o.mu.Unlock()
	if err := o.repo.Save(ctx, &rec); err != nil {
		slog.ErrorContext(ctx, "failed to persist ingestion record", "error", err)
	}
}

func retryable(kind ErrorKind, err error) bool {
	switch kind {
	case KindEmbeddingTransient, KindCancelled:
		return true
	case KindVectorStore:
		var se *vectorstore.StoreError
		return errors.As(err, &se) && se.Retryable
	}
	return false
}
