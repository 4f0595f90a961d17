package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"docvec/apps/backend/internal/ingest"
	"docvec/apps/backend/internal/middleware"
	"docvec/apps/backend/internal/vectorstore"
)

type DocumentRepo interface {
	CountByStatus(ctx context.Context) (map[ingest.Stage]int, error)
}

type VectorStore interface {
	Counts(ctx context.Context) (vectorstore.Counts, error)
}

type Handler struct {
	documentRepo DocumentRepo
	vectorStore  VectorStore
}

func NewHandler(d DocumentRepo, v VectorStore) *Handler {
	return &Handler{documentRepo: d, vectorStore: v}
}

type StatsResponse struct {
	Documents      int                  `json:"documents"`
	ByStatus       map[ingest.Stage]int `json:"by_status"`
	Failed         int                  `json:"failed"`
	LocalDocuments int                  `json:"local_documents"`
	LocalVectors   int                  `json:"local_vectors"`
	RemoteVectors  int                  `json:"remote_vectors"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	slog.InfoContext(ctx, "getting stats", "correlationId", correlationID)

	byStatus, err := h.documentRepo.CountByStatus(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count documents", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count documents", http.StatusInternalServerError)
		return
	}

	counts, err := h.vectorStore.Counts(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count vectors", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count vectors", http.StatusInternalServerError)
		return
	}

	resp := StatsResponse{
		ByStatus:       byStatus,
		Failed:         byStatus[ingest.StageFailed],
		LocalDocuments: counts.LocalDocuments,
		LocalVectors:   counts.LocalVectors,
		RemoteVectors:  counts.RemoteVectors,
	}
	for _, n := range byStatus {
		resp.Documents += n
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
