package document

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"docvec/apps/backend/internal/config"
	"docvec/apps/backend/internal/extract"
	"docvec/apps/backend/internal/ingest"
	"docvec/apps/backend/internal/middleware"
	"docvec/apps/backend/internal/vectorstore"
	"docvec/apps/backend/internal/worker"
)

var ErrUnsupportedFormat = errors.New("unsupported file type")

type Orchestrator interface {
	Active(fileID string) bool
	CheckRetry(ctx context.Context, fileID string) error
	Status(ctx context.Context, fileID string) (ingest.Record, error)
	List(ctx context.Context) ([]ingest.Record, error)
	Cancel(ctx context.Context, fileID string) error
	Delete(ctx context.Context, fileID string) error
}

type ChunkReader interface {
	Chunks(ctx context.Context, fileID string) ([]vectorstore.Record, error)
}

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

// Staged describes an upload written to disk and queued for ingestion.
type Staged struct {
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`
	Format   string `json:"format"`
	Size     int64  `json:"size"`
}

// Chunk is the stored form of one chunk as returned by the preview endpoint.
type Chunk struct {
	ChunkID int    `json:"chunkId"`
	Section string `json:"section"`
	Text    string `json:"text"`
}

type Service struct {
	orch      Orchestrator
	pub       EventPublisher
	chunks    ChunkReader
	uploadDir string
}

func NewService(orch Orchestrator, pub EventPublisher, chunks ChunkReader, uploadDir string) *Service {
	return &Service{orch: orch, pub: pub, chunks: chunks, uploadDir: uploadDir}
}

// Upload stages the document under the upload directory and queues it. The staged file is kept
// after ingestion so a later retry can reload it.
func (s *Service) Upload(ctx context.Context, fileName string, body io.Reader) (*Staged, error) {
	format, ok := extract.FormatFromFileName(fileName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(fileName))
	}

	if err := os.MkdirAll(s.uploadDir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	name := filepath.Base(fileName)
	path := filepath.Clean(filepath.Join(s.uploadDir, fmt.Sprintf("%s_%s", uuid.New().String(), name)))

	dst, err := os.Create(path) // #nosec G304 -- path is UUID-prefixed basename inside the upload dir
	if err != nil {
		return nil, fmt.Errorf("create staged file: %w", err)
	}
	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(dst, hash), body)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		s.discard(ctx, path)
		return nil, fmt.Errorf("write staged file: %w", err)
	}

	staged := &Staged{
		FileID:   ingest.FileIDFromHash(name, hex.EncodeToString(hash.Sum(nil))),
		FileName: name,
		Format:   string(format),
		Size:     size,
	}
	if s.orch.Active(staged.FileID) {
		s.discard(ctx, path)
		return nil, fmt.Errorf("%w: %s", ingest.ErrConcurrencyConflict, staged.FileID)
	}

	payload, _ := json.Marshal(worker.IngestDocumentPayload{
		FileID:        staged.FileID,
		Path:          path,
		FileName:      staged.FileName,
		Format:        staged.Format,
		CorrelationID: middleware.GetCorrelationID(ctx),
	})
	if err := s.pub.Publish(config.TopicIngestDocument, payload); err != nil {
		s.discard(ctx, path)
		return nil, fmt.Errorf("queue document: %w", err)
	}
	slog.InfoContext(ctx, "document queued", "file_id", staged.FileID, "size", size)
	return staged, nil
}

func (s *Service) discard(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.WarnContext(ctx, "failed to clean up staged file", "error", err, "path", path)
	}
}

func (s *Service) List(ctx context.Context) ([]ingest.Record, error) {
	return s.orch.List(ctx)
}

func (s *Service) Get(ctx context.Context, fileID string) (ingest.Record, error) {
	return s.orch.Status(ctx, fileID)
}

// Retry queues a resume of a failed document after checking it can be resumed.
func (s *Service) Retry(ctx context.Context, fileID string) error {
	if err := s.orch.CheckRetry(ctx, fileID); err != nil {
		return err
	}
	payload, _ := json.Marshal(worker.IngestRetryPayload{FileID: fileID, CorrelationID: middleware.GetCorrelationID(ctx)})
	return s.pub.Publish(config.TopicIngestRetry, payload)
}

func (s *Service) Cancel(ctx context.Context, fileID string) error {
	return s.orch.Cancel(ctx, fileID)
}

// Delete removes the document from both stores and drops its staged upload.
func (s *Service) Delete(ctx context.Context, fileID string) error {
	rec, err := s.orch.Status(ctx, fileID)
	if err != nil {
		return err
	}
	if err := s.orch.Delete(ctx, fileID); err != nil {
		return err
	}
	if rec.SourcePath != "" {
		s.discard(ctx, rec.SourcePath)
	}
	return nil
}

// Chunks returns up to limit stored chunks of a known document, all of them when limit is zero,
// along with the total number stored.
func (s *Service) Chunks(ctx context.Context, fileID string, limit int) ([]Chunk, int, error) {
	if _, err := s.orch.Status(ctx, fileID); err != nil {
		return nil, 0, err
	}
	records, err := s.chunks.Chunks(ctx, fileID)
	if err != nil {
		return nil, 0, err
	}
	total := len(records)
	if limit > 0 && limit < total {
		records = records[:limit]
	}
	out := make([]Chunk, len(records))
	for i, r := range records {
		out[i] = Chunk{ChunkID: r.ChunkID, Section: r.Section, Text: r.Text}
	}
	return out, total, nil
}
