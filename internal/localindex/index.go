// Package localindex is the on-disk nearest-neighbour index kept next to the process.
//
// Vectors live in memory for brute-force search and are persisted in a SQLite file. The file
// records the dimension, metric and model it was built with; reopening it with anything else
// fails.
package localindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	_ "modernc.org/sqlite"

	"docvec/apps/backend/internal/vectorstore"
)

const (
	MetricCosine       = "cosine"
	MetricInnerProduct = "inner_product"
)

var ErrIndexMismatch = errors.New("local index was built with a different configuration")

// Meta is fixed for the lifetime of an index file.
type Meta struct {
	Dimension int
	Metric    string
	ModelID   string
}

type Index struct {
	db   *sql.DB
	meta Meta

	mu   sync.RWMutex
	docs map[string][]vectorstore.Record

	locks *keyedMutex
}

const schema = `
CREATE TABLE IF NOT EXISTS index_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS chunks (
	file_id TEXT NOT NULL,
	chunk_id INTEGER NOT NULL,
	section TEXT NOT NULL,
	content TEXT NOT NULL,
	file_name TEXT NOT NULL,
	format TEXT NOT NULL,
	vector BLOB NOT NULL,
	PRIMARY KEY (file_id, chunk_id)
);`

// Open opens or creates the index at path. A zero meta.Dimension adopts the stored dimension.
func Open(ctx context.Context, path string, meta Meta) (*Index, error) {
	if meta.Metric == "" {
		meta.Metric = MetricCosine
	}
	if meta.Metric != MetricCosine && meta.Metric != MetricInnerProduct {
		return nil, fmt.Errorf("unknown metric %q", meta.Metric)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open local index: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY between our own writes.
	db.SetMaxOpenConns(1)

	idx := &Index{db: db, docs: make(map[string][]vectorstore.Record), locks: newKeyedMutex()}
	if err := idx.init(ctx, meta); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (i *Index) init(ctx context.Context, want Meta) error {
	if _, err := i.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	stored, ok, err := i.readMeta(ctx)
	if err != nil {
		return err
	}
	switch {
	case !ok:
		if want.Dimension <= 0 {
			return fmt.Errorf("%w: new index needs a dimension", ErrIndexMismatch)
		}
		if err := i.writeMeta(ctx, want); err != nil {
			return err
		}
		i.meta = want
	case want.Dimension > 0 && stored.Dimension != want.Dimension,
		want.ModelID != "" && stored.ModelID != want.ModelID,
		stored.Metric != want.Metric:
		return fmt.Errorf("%w: stored %d/%s/%s, requested %d/%s/%s", ErrIndexMismatch,
			stored.Dimension, stored.Metric, stored.ModelID, want.Dimension, want.Metric, want.ModelID)
	default:
		i.meta = stored
	}

	return i.load(ctx)
}

func (i *Index) readMeta(ctx context.Context) (Meta, bool, error) {
	rows, err := i.db.QueryContext(ctx, "SELECT key, value FROM index_meta")
	if err != nil {
		return Meta{}, false, fmt.Errorf("failed to read index meta: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return Meta{}, false, err
		}
		values[k] = v
	}
	if err := rows.Err(); err != nil {
		return Meta{}, false, err
	}
	if len(values) == 0 {
		return Meta{}, false, nil
	}

	dim, err := strconv.Atoi(values["dimension"])
	if err != nil {
		return Meta{}, false, fmt.Errorf("corrupt index meta: %w", err)
	}
	return Meta{Dimension: dim, Metric: values["metric"], ModelID: values["model_id"]}, true, nil
}

func (i *Index) writeMeta(ctx context.Context, m Meta) error {
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for k, v := range map[string]string{"dimension": strconv.Itoa(m.Dimension), "metric": m.Metric, "model_id": m.ModelID} {
		if _, err := tx.ExecContext(ctx, "INSERT INTO index_meta (key, value) VALUES (?, ?)", k, v); err != nil {
			return fmt.Errorf("failed to write index meta: %w", err)
		}
	}
	return tx.Commit()
}

func (i *Index) load(ctx context.Context) error {
	rows, err := i.db.QueryContext(ctx,
		"SELECT file_id, chunk_id, section, content, file_name, format, vector FROM chunks ORDER BY file_id, chunk_id")
	if err != nil {
		return fmt.Errorf("failed to load local index: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r vectorstore.Record
		var blob []byte
		if err := rows.Scan(&r.FileID, &r.ChunkID, &r.Section, &r.Text, &r.FileName, &r.Format, &blob); err != nil {
			return fmt.Errorf("failed to scan chunk: %w", err)
		}
		if r.Vector, err = blobToVector(blob); err != nil {
			return fmt.Errorf("chunk %s/%d: %w", r.FileID, r.ChunkID, err)
		}
		if len(r.Vector) != i.meta.Dimension {
			return fmt.Errorf("%w: chunk %s/%d has %d dimensions", ErrIndexMismatch, r.FileID, r.ChunkID, len(r.Vector))
		}
		i.docs[r.FileID] = append(i.docs[r.FileID], r)
	}
	return rows.Err()
}

func (i *Index) Close() error {
	return i.db.Close()
}

func (i *Index) Dimension() int  { return i.meta.Dimension }
func (i *Index) ModelID() string { return i.meta.ModelID }

// CheckDimensions fails if any record's vector does not match the index dimension.
func (i *Index) CheckDimensions(records []vectorstore.Record) error {
	for _, r := range records {
		if len(r.Vector) != i.meta.Dimension {
			return fmt.Errorf("%w: chunk %s/%d has %d dimensions, index has %d",
				vectorstore.ErrDimensionMismatch, r.FileID, r.ChunkID, len(r.Vector), i.meta.Dimension)
		}
	}
	return nil
}

// Upsert replaces every entry of fileID with records. Either all records become visible or none.
func (i *Index) Upsert(ctx context.Context, fileID string, records []vectorstore.Record) error {
	if err := i.CheckDimensions(records); err != nil {
		return err
	}
	for _, r := range records {
		if r.FileID != fileID {
			return fmt.Errorf("record for %s in upsert of %s", r.FileID, fileID)
		}
	}

	unlock := i.locks.Lock(fileID)
	defer unlock()

	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE file_id = ?", fileID); err != nil {
		return fmt.Errorf("failed to clear document: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO chunks (file_id, chunk_id, section, content, file_name, format, vector) VALUES (?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	stored := make([]vectorstore.Record, len(records))
	for n, r := range records {
		if _, err := stmt.ExecContext(ctx, r.FileID, r.ChunkID, r.Section, r.Text, r.FileName, r.Format, vectorToBlob(r.Vector)); err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", r.ChunkID, err)
		}
		r.Vector = append([]float32(nil), r.Vector...)
		stored[n] = r
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	sort.Slice(stored, func(a, b int) bool { return stored[a].ChunkID < stored[b].ChunkID })

	// Readers keep iterating the old slice, the map entry is swapped whole.
	i.mu.Lock()
	if len(stored) == 0 {
		delete(i.docs, fileID)
	} else {
		i.docs[fileID] = stored
	}
	i.mu.Unlock()
	return nil
}

func (i *Index) DeleteDocument(ctx context.Context, fileID string) error {
	unlock := i.locks.Lock(fileID)
	defer unlock()

	if _, err := i.db.ExecContext(ctx, "DELETE FROM chunks WHERE file_id = ?", fileID); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	i.mu.Lock()
	delete(i.docs, fileID)
	i.mu.Unlock()
	return nil
}

// Search returns the topK nearest entries, skipping documents in exclude.
func (i *Index) Search(ctx context.Context, vector []float32, topK int, exclude map[string]bool) ([]vectorstore.Hit, error) {
	if len(vector) != i.meta.Dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", vectorstore.ErrDimensionMismatch, len(vector), i.meta.Dimension)
	}
	if topK <= 0 {
		return nil, nil
	}

	score := dot
	if i.meta.Metric == MetricCosine {
		score = cosine
	}

	i.mu.RLock()
	var hits []vectorstore.Hit
	for fileID, records := range i.docs {
		if exclude[fileID] {
			continue
		}
		for _, r := range records {
			hits = append(hits, vectorstore.Hit{Record: r, Score: score(vector, r.Vector)})
		}
	}
	i.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(a, b int) bool { return vectorstore.Less(hits[a], hits[b]) })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	for n := range hits {
		hits[n].Vector = nil
	}
	return hits, nil
}

func (i *Index) Has(fileID string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.docs[fileID]
	return ok
}

// Count returns the number of stored vectors.
func (i *Index) Count() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	n := 0
	for _, records := range i.docs {
		n += len(records)
	}
	return n
}

// Documents lists the indexed file ids in sorted order.
func (i *Index) Documents() []string {
	i.mu.RLock()
	ids := make([]string, 0, len(i.docs))
	for id := range i.docs {
		ids = append(ids, id)
	}
	i.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Records returns a copy of the entries of fileID ordered by chunk id.
func (i *Index) Records(fileID string) []vectorstore.Record {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return append([]vectorstore.Record(nil), i.docs[fileID]...)
}

func dot(a, b []float32) float32 {
	var s float64
	for n := range a {
		s += float64(a[n]) * float64(b[n])
	}
	return float32(s)
}

func cosine(a, b []float32) float32 {
	var d, na, nb float64
	for n := range a {
		d += float64(a[n]) * float64(b[n])
		na += float64(a[n]) * float64(a[n])
		nb += float64(b[n]) * float64(b[n])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(d / (math.Sqrt(na) * math.Sqrt(nb)))
}
