package search

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"docvec/apps/backend/internal/middleware"
	"docvec/apps/backend/internal/retrieval"
)

type Searcher interface {
	Search(ctx context.Context, query string, opts *retrieval.SearchOptions) ([]retrieval.Result, error)
}

type Handler struct {
	searcher Searcher
}

func NewHandler(s Searcher) *Handler {
	return &Handler{searcher: s}
}

type request struct {
	Query string `json:"query"`
	TopK  *int   `json:"top_k"`
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	results, err := h.searcher.Search(r.Context(), req.Query, &retrieval.SearchOptions{TopK: req.TopK})
	if err != nil {
		switch {
		case errors.Is(err, retrieval.ErrEmptyQuery), errors.Is(err, retrieval.ErrInvalidTopK):
			h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		case errors.Is(err, retrieval.ErrProviderMismatch):
			slog.ErrorContext(r.Context(), "search rejected", "error", err)
			h.writeError(r.Context(), w, "CONFIGURATION_ERROR", err.Error(), http.StatusInternalServerError)
		default:
			slog.ErrorContext(r.Context(), "search failed", "error", err)
			h.writeError(r.Context(), w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		}
		return
	}
	if results == nil {
		results = []retrieval.Result{}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": results,
		"meta": map[string]int{"count": len(results)},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
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
