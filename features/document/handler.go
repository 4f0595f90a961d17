package document

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"docvec/apps/backend/internal/ingest"
	"docvec/apps/backend/internal/middleware"
)

type Handler struct {
	service        *Service
	maxUploadBytes int64
}

func NewHandler(service *Service, maxUploadBytes int64) *Handler {
	return &Handler{service: service, maxUploadBytes: maxUploadBytes}
}

func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		h.writeError(r.Context(), w, "BAD_REQUEST", "File too large", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(r.Context(), w, "BAD_REQUEST", "Unable to retrieve file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	staged, err := h.service.Upload(r.Context(), header.Filename, file)
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": staged}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	docs, err := h.service.List(r.Context())
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	if docs == nil {
		docs = []ingest.Record{}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": docs,
		"meta": map[string]int{"count": len(docs)},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": rec}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// Chunks previews what a document was indexed as. The optional limit query parameter caps the
// number of chunks returned.
func (h *Handler) Chunks(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(r.Context(), w, "BAD_REQUEST", "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	chunks, total, err := h.service.Chunks(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": chunks,
		"meta": map[string]int{"count": len(chunks), "total": total},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Retry(r.Context(), r.PathValue("id")); err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Cancel(r.Context(), r.PathValue("id")); err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnsupportedFormat):
		h.writeError(ctx, w, "BAD_REQUEST", err.Error(), http.StatusBadRequest)
	case errors.Is(err, ingest.ErrNotFound):
		h.writeError(ctx, w, "NOT_FOUND", "Document not found", http.StatusNotFound)
	case errors.Is(err, ingest.ErrConcurrencyConflict),
		errors.Is(err, ingest.ErrNotFailed),
		errors.Is(err, ingest.ErrNotInProgress):
		h.writeError(ctx, w, "CONFLICT", err.Error(), http.StatusConflict)
	case errors.Is(err, ingest.ErrArtifactsUnavailable):
		h.writeError(ctx, w, "GONE", err.Error(), http.StatusGone)
	default:
		slog.ErrorContext(ctx, "operation failed", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
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
