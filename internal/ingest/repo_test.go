package ingest

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordRow(rec Record) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"file_id", "file_name", "format", "content_hash", "source_path", "status", "failed_stage", "reason", "error_kind", "retryable", "attempts", "remote_indexed", "local_indexed", "page_count", "chunk_count", "created_at", "updated_at"}).
		AddRow(rec.FileID, rec.FileName, rec.Format, rec.ContentHash, rec.SourcePath, string(rec.Status), string(rec.FailedStage), rec.Reason, string(rec.ErrorKind), rec.Retryable, []byte(`{"embedded":2}`), rec.RemoteIndexed, rec.LocalIndexed, rec.PageCount, rec.ChunkCount, rec.CreatedAt, rec.UpdatedAt)
}

func TestPostgresRepo_Save(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	rec := &Record{FileID: "doc-1", FileName: "doc.txt", Format: "txt", Status: StageEmbedded, Attempts: map[Stage]int{StageEmbedded: 1}, CreatedAt: now, UpdatedAt: now}
	mock.ExpectExec("INSERT INTO ingestion_records").
		WithArgs("doc-1", "doc.txt", "txt", "", "", "embedded", "", "", "", false, []byte(`{"embedded":1}`), false, false, 0, 0, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewPostgresRepo(db).Save(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	want := Record{FileID: "doc-1", FileName: "doc.txt", Format: "txt", Status: StageFailed, FailedStage: StageEmbedded, ErrorKind: KindEmbeddingTransient, Retryable: true, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	mock.ExpectQuery("SELECT (.+) FROM ingestion_records WHERE file_id = \\$1").
		WithArgs("doc-1").
		WillReturnRows(recordRow(want))

	got, err := NewPostgresRepo(db).Get(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, StageFailed, got.Status)
	assert.Equal(t, StageEmbedded, got.FailedStage)
	assert.Equal(t, KindEmbeddingTransient, got.ErrorKind)
	assert.Equal(t, 2, got.Attempts[StageEmbedded])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_GetMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM ingestion_records").WillReturnError(sql.ErrNoRows)

	_, err = NewPostgresRepo(db).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresRepo_List(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM ingestion_records ORDER BY").
		WillReturnRows(recordRow(Record{FileID: "a", Status: StageComplete, RemoteIndexed: true, LocalIndexed: true}))

	recs, err := NewPostgresRepo(db).List(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].RemoteOnly())
}

func TestPostgresRepo_Delete(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("DELETE FROM ingestion_records").WithArgs("a").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM ingestion_records").WithArgs("b").WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewPostgresRepo(db)
	assert.NoError(t, repo.Delete(context.Background(), "a"))
	assert.ErrorIs(t, repo.Delete(context.Background(), "b"), ErrNotFound)
}

func TestPostgresRepo_CountByStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("complete", 3).AddRow("failed", 1))

	counts, err := NewPostgresRepo(db).CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[Stage]int{StageComplete: 3, StageFailed: 1}, counts)
}

func TestMemoryRepo(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepo()

	rec := &Record{FileID: "b", Status: StageComplete, Attempts: map[Stage]int{StageExtracted: 1}}
	require.NoError(t, repo.Save(ctx, rec))
	require.NoError(t, repo.Save(ctx, &Record{FileID: "a", Status: StageFailed}))

	// Stored copies are isolated from the caller.
	rec.Attempts[StageExtracted] = 9
	got, err := repo.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts[StageExtracted])

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].FileID)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StageFailed])

	require.NoError(t, repo.Delete(ctx, "a"))
	assert.ErrorIs(t, repo.Delete(ctx, "a"), ErrNotFound)
	_, err = repo.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}
