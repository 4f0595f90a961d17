package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"

	"docvec/apps/backend/internal/extract"
	"docvec/apps/backend/internal/ingest"
	"docvec/apps/backend/internal/middleware"
)

// IngestConsumer runs the ingestion pipeline for staged uploads. Pipeline failures are recorded
// on the document and the message is finished; only explicit retries run a document again.
//
// Staged files under stagingDir belong to the consumer once the message arrives: a rejected
// submission drops its own file, and an accepted one drops the file of the record it replaced.
type IngestConsumer struct {
	ingester   Ingester
	stagingDir string
}

func NewIngestConsumer(i Ingester, stagingDir string) *IngestConsumer {
	return &IngestConsumer{ingester: i, stagingDir: stagingDir}
}

func (h *IngestConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var payload IngestDocumentPayload
	err := json.Unmarshal(m.Body, &payload)

	correlationID := payload.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	ctx := middleware.WithCorrelationID(context.Background(), correlationID)

	if err != nil {
		slog.ErrorContext(ctx, "poison pill: invalid json", "error", err)
		return nil
	}
	if payload.Path == "" || payload.FileName == "" {
		slog.ErrorContext(ctx, "missing required fields, dropping", "path", payload.Path, "file_name", payload.FileName)
		return nil
	}
	if payload.FileID != "" {
		ctx = middleware.WithFileID(ctx, payload.FileID)
	}

	content, err := os.ReadFile(payload.Path)
	if err != nil {
		slog.ErrorContext(ctx, "staged upload unreadable, dropping", "path", payload.Path, "error", err)
		return nil
	}

	var previous string
	if payload.FileID != "" {
		if old, err := h.ingester.Status(ctx, payload.FileID); err == nil {
			previous = old.SourcePath
		}
	}

	rec, err := h.ingester.Ingest(ctx, ingest.Submission{
		FileID:     payload.FileID,
		FileName:   payload.FileName,
		Format:     extract.Format(payload.Format),
		Content:    content,
		SourcePath: payload.Path,
	})

	var stageErr *ingest.StageError
	if err == nil || errors.As(err, &stageErr) {
		if previous != payload.Path {
			h.removeStaged(ctx, previous)
		}
	} else {
		// The submission never replaced the record, so nothing refers to its file.
		h.removeStaged(ctx, payload.Path)
	}
	return finish(ctx, rec, err)
}

// removeStaged deletes path when it lies inside the staging directory.
func (h *IngestConsumer) removeStaged(ctx context.Context, path string) {
	if path == "" || h.stagingDir == "" {
		return
	}
	rel, err := filepath.Rel(h.stagingDir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.WarnContext(ctx, "failed to remove staged upload", "path", path, "error", err)
	}
}

// RetryConsumer resumes failed documents on request.
type RetryConsumer struct {
	ingester Ingester
}

func NewRetryConsumer(i Ingester) *RetryConsumer {
	return &RetryConsumer{ingester: i}
}

func (h *RetryConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var payload IngestRetryPayload
	if err := json.Unmarshal(m.Body, &payload); err != nil {
		slog.Error("poison pill: invalid json", "error", err)
		return nil
	}
	if payload.FileID == "" {
		slog.Error("retry request without file_id, dropping")
		return nil
	}

	ctx := context.Background()
	if payload.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, payload.CorrelationID)
	}
	ctx = middleware.WithFileID(ctx, payload.FileID)

	rec, err := h.ingester.Retry(ctx, payload.FileID)
	return finish(ctx, rec, err)
}

// finish decides whether NSQ should redeliver. Every outcome the orchestrator can record is
// final for the message.
func finish(ctx context.Context, rec ingest.Record, err error) error {
	var stageErr *ingest.StageError
	switch {
	case err == nil:
		slog.InfoContext(ctx, "document ingested", "file_id", rec.FileID, "chunks", rec.ChunkCount)
	case errors.As(err, &stageErr):
		slog.WarnContext(ctx, "document left in failed state", "stage", stageErr.Stage, "kind", stageErr.Kind, "retryable", rec.Retryable)
	case errors.Is(err, ingest.ErrConcurrencyConflict):
		slog.WarnContext(ctx, "document already being ingested, dropping duplicate", "error", err)
	default:
		slog.ErrorContext(ctx, "ingestion request rejected", "error", err)
	}
	return nil
}
