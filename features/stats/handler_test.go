package stats

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"docvec/apps/backend/internal/ingest"
	"docvec/apps/backend/internal/vectorstore"
)

type MockDocumentRepo struct{ mock.Mock }

func (m *MockDocumentRepo) CountByStatus(ctx context.Context) (map[ingest.Stage]int, error) {
	args := m.Called(ctx)
	counts, _ := args.Get(0).(map[ingest.Stage]int)
	return counts, args.Error(1)
}

type MockVectorStore struct{ mock.Mock }

func (m *MockVectorStore) Counts(ctx context.Context) (vectorstore.Counts, error) {
	args := m.Called(ctx)
	return args.Get(0).(vectorstore.Counts), args.Error(1)
}

func TestHandler_GetStats_Table(t *testing.T) {
	tests := []struct {
		name       string
		setupMocks func(*MockDocumentRepo, *MockVectorStore)
		wantStatus int
		wantError  bool
		checkBody  func(*testing.T, map[string]interface{})
	}{
		{
			name: "Success",
			setupMocks: func(d *MockDocumentRepo, v *MockVectorStore) {
				d.On("CountByStatus", mock.Anything).Return(map[ingest.Stage]int{ingest.StageComplete: 4, ingest.StageFailed: 2}, nil)
				v.On("Counts", mock.Anything).Return(vectorstore.Counts{LocalVectors: 24, LocalDocuments: 5, RemoteVectors: 30}, nil)
			},
			wantStatus: http.StatusOK,
			checkBody: func(t *testing.T, body map[string]interface{}) {
				data := body["data"].(map[string]interface{})
				assert.EqualValues(t, 6, data["documents"])
				assert.EqualValues(t, 2, data["failed"])
				assert.EqualValues(t, 24, data["local_vectors"])
				assert.EqualValues(t, 5, data["local_documents"])
				assert.EqualValues(t, 30, data["remote_vectors"])
				assert.EqualValues(t, 4, data["by_status"].(map[string]interface{})["complete"])
			},
		},
		{
			name: "DocumentRepo Error",
			setupMocks: func(d *MockDocumentRepo, v *MockVectorStore) {
				d.On("CountByStatus", mock.Anything).Return(nil, errors.New("db error"))
			},
			wantStatus: http.StatusInternalServerError,
			wantError:  true,
		},
		{
			name: "VectorStore Error",
			setupMocks: func(d *MockDocumentRepo, v *MockVectorStore) {
				d.On("CountByStatus", mock.Anything).Return(map[ingest.Stage]int{}, nil)
				v.On("Counts", mock.Anything).Return(vectorstore.Counts{}, errors.New("weaviate error"))
			},
			wantStatus: http.StatusInternalServerError,
			wantError:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mDocs := new(MockDocumentRepo)
			mVector := new(MockVectorStore)
			tt.setupMocks(mDocs, mVector)

			h := NewHandler(mDocs, mVector)
			req := httptest.NewRequest("GET", "/stats", nil)
			w := httptest.NewRecorder()

			h.GetStats(w, req)

			resp := w.Result()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			var body map[string]interface{}
			err := json.NewDecoder(resp.Body).Decode(&body)
			assert.NoError(t, err)

			if tt.wantError {
				assert.Contains(t, body, "error")
				errMap := body["error"].(map[string]interface{})
				assert.Equal(t, "INTERNAL_ERROR", errMap["code"])
			} else {
				tt.checkBody(t, body)
			}
		})
	}
}
