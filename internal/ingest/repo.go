package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const recordColumns = `file_id, file_name, format, content_hash, source_path, status, failed_stage, reason, error_kind, retryable, attempts, remote_indexed, local_indexed, page_count, chunk_count, created_at, updated_at`

func (r *PostgresRepo) Save(ctx context.Context, rec *Record) error {
	attempts, err := json.Marshal(rec.Attempts)
	if err != nil {
		return fmt.Errorf("encode attempts: %w", err)
	}
	query := `INSERT INTO ingestion_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (file_id) DO UPDATE SET
			file_name = EXCLUDED.file_name,
			format = EXCLUDED.format,
			content_hash = EXCLUDED.content_hash,
			source_path = EXCLUDED.source_path,
			status = EXCLUDED.status,
			failed_stage = EXCLUDED.failed_stage,
			reason = EXCLUDED.reason,
			error_kind = EXCLUDED.error_kind,
			retryable = EXCLUDED.retryable,
			attempts = EXCLUDED.attempts,
			remote_indexed = EXCLUDED.remote_indexed,
			local_indexed = EXCLUDED.local_indexed,
			page_count = EXCLUDED.page_count,
			chunk_count = EXCLUDED.chunk_count,
			updated_at = EXCLUDED.updated_at`
	_, err = r.db.ExecContext(ctx, query,
		rec.FileID, rec.FileName, rec.Format, rec.ContentHash, rec.SourcePath,
		string(rec.Status), string(rec.FailedStage), rec.Reason, string(rec.ErrorKind), rec.Retryable,
		attempts, rec.RemoteIndexed, rec.LocalIndexed, rec.PageCount, rec.ChunkCount,
		rec.CreatedAt, rec.UpdatedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (*Record, error) {
	var (
		rec                  Record
		status, failed, kind string
		attempts             []byte
	)
	err := s.Scan(&rec.FileID, &rec.FileName, &rec.Format, &rec.ContentHash, &rec.SourcePath,
		&status, &failed, &rec.Reason, &kind, &rec.Retryable,
		&attempts, &rec.RemoteIndexed, &rec.LocalIndexed, &rec.PageCount, &rec.ChunkCount,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status, rec.FailedStage, rec.ErrorKind = Stage(status), Stage(failed), ErrorKind(kind)
	rec.Attempts = make(map[Stage]int)
	if len(attempts) > 0 {
		if err := json.Unmarshal(attempts, &rec.Attempts); err != nil {
			return nil, fmt.Errorf("decode attempts of %s: %w", rec.FileID, err)
		}
	}
	return &rec, nil
}

func (r *PostgresRepo) Get(ctx context.Context, fileID string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM ingestion_records WHERE file_id = $1`
	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, fileID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, fileID)
	}
	return rec, err
}

func (r *PostgresRepo) List(ctx context.Context) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM ingestion_records ORDER BY created_at DESC, file_id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

func (r *PostgresRepo) Delete(ctx context.Context, fileID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM ingestion_records WHERE file_id = $1`, fileID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, fileID)
	}
	return nil
}

// CountByStatus returns how many documents sit at each stage.
func (r *PostgresRepo) CountByStatus(ctx context.Context) (map[Stage]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM ingestion_records GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Stage]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Stage(status)] = n
	}
	return counts, rows.Err()
}

// MemoryRepo keeps records in process, for running the pipeline without Postgres.
type MemoryRepo struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{records: make(map[string]Record)}
}

func (m *MemoryRepo) Save(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.FileID] = rec.clone()
	return nil
}

func (m *MemoryRepo) Get(_ context.Context, fileID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[fileID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, fileID)
	}
	c := rec.clone()
	return &c, nil
}

func (m *MemoryRepo) List(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileID < out[j].FileID })
	return out, nil
}

func (m *MemoryRepo) Delete(_ context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[fileID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, fileID)
	}
	delete(m.records, fileID)
	return nil
}

func (m *MemoryRepo) CountByStatus(_ context.Context) (map[Stage]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[Stage]int)
	for _, rec := range m.records {
		counts[rec.Status]++
	}
	return counts, nil
}
