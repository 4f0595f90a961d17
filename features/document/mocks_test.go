package document

import (
	"context"

	"github.com/stretchr/testify/mock"

	"docvec/apps/backend/internal/ingest"
	"docvec/apps/backend/internal/vectorstore"
)

type MockOrchestrator struct{ mock.Mock }

func (m *MockOrchestrator) Active(fileID string) bool {
	return m.Called(fileID).Bool(0)
}

func (m *MockOrchestrator) CheckRetry(ctx context.Context, fileID string) error {
	return m.Called(ctx, fileID).Error(0)
}

func (m *MockOrchestrator) Status(ctx context.Context, fileID string) (ingest.Record, error) {
	args := m.Called(ctx, fileID)
	return args.Get(0).(ingest.Record), args.Error(1)
}

func (m *MockOrchestrator) List(ctx context.Context) ([]ingest.Record, error) {
	args := m.Called(ctx)
	recs, _ := args.Get(0).([]ingest.Record)
	return recs, args.Error(1)
}

func (m *MockOrchestrator) Cancel(ctx context.Context, fileID string) error {
	return m.Called(ctx, fileID).Error(0)
}

func (m *MockOrchestrator) Delete(ctx context.Context, fileID string) error {
	return m.Called(ctx, fileID).Error(0)
}

type MockPublisher struct{ mock.Mock }

func (m *MockPublisher) Publish(topic string, body []byte) error {
	return m.Called(topic, body).Error(0)
}

type MockChunkReader struct{ mock.Mock }

func (m *MockChunkReader) Chunks(ctx context.Context, fileID string) ([]vectorstore.Record, error) {
	args := m.Called(ctx, fileID)
	recs, _ := args.Get(0).([]vectorstore.Record)
	return recs, args.Error(1)
}
