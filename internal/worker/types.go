package worker

import (
	"context"

	"docvec/apps/backend/internal/ingest"
)

type Ingester interface {
	Ingest(ctx context.Context, sub ingest.Submission) (ingest.Record, error)
	Retry(ctx context.Context, fileID string) (ingest.Record, error)
	Status(ctx context.Context, fileID string) (ingest.Record, error)
}
