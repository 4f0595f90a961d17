package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"docvec/apps/backend/internal/retrieval"
)

type MockSearcher struct{ mock.Mock }

func (m *MockSearcher) Search(ctx context.Context, query string, opts *retrieval.SearchOptions) ([]retrieval.Result, error) {
	args := m.Called(ctx, query, opts)
	results, _ := args.Get(0).([]retrieval.Result)
	return results, args.Error(1)
}

func TestHandler_Search(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		setup      func(*MockSearcher)
		wantStatus int
		wantCode   string
	}{
		{
			name: "Success",
			body: `{"query":"revenue growth","top_k":3}`,
			setup: func(s *MockSearcher) {
				s.On("Search", mock.Anything, "revenue growth", mock.MatchedBy(func(o *retrieval.SearchOptions) bool {
					return o.TopK != nil && *o.TopK == 3
				})).Return([]retrieval.Result{{Score: 0.9, FileID: "report", ChunkID: 1, Section: "Results", Text: "revenue increased 12%"}}, nil)
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "Default TopK",
			body: `{"query":"revenue"}`,
			setup: func(s *MockSearcher) {
				s.On("Search", mock.Anything, "revenue", &retrieval.SearchOptions{}).Return(nil, nil)
			},
			wantStatus: http.StatusOK,
		},
		{
			name:       "Malformed JSON",
			body:       `{`,
			setup:      func(*MockSearcher) {},
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name: "Invalid TopK",
			body: `{"query":"x","top_k":0}`,
			setup: func(s *MockSearcher) {
				s.On("Search", mock.Anything, "x", mock.Anything).Return(nil, retrieval.ErrInvalidTopK)
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name: "Provider Mismatch",
			body: `{"query":"x"}`,
			setup: func(s *MockSearcher) {
				s.On("Search", mock.Anything, "x", mock.Anything).Return(nil, retrieval.ErrProviderMismatch)
			},
			wantStatus: http.StatusInternalServerError,
			wantCode:   "CONFIGURATION_ERROR",
		},
		{
			name: "Store Failure",
			body: `{"query":"x"}`,
			setup: func(s *MockSearcher) {
				s.On("Search", mock.Anything, "x", mock.Anything).Return(nil, errors.New("remote search: 503"))
			},
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := new(MockSearcher)
			tt.setup(s)

			w := httptest.NewRecorder()
			NewHandler(s).Search(w, httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(tt.body)))

			assert.Equal(t, tt.wantStatus, w.Code)
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, body["error"].(map[string]interface{})["code"])
				return
			}
			assert.NotNil(t, body["data"])
			s.AssertExpectations(t)
		})
	}
}
