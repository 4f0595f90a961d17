package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"docvec/apps/backend/internal/middleware"
	"docvec/apps/backend/internal/vectorstore"
)

var (
	ErrEmptyQuery       = errors.New("query must not be empty")
	ErrInvalidTopK      = errors.New("top_k out of range")
	ErrProviderMismatch = errors.New("query embedding model does not match the index model")
)

const (
	DefaultTopK = 5
	MaxTopK     = 50
)

type Result struct {
	Score    float32 `json:"score"`
	FileID   string  `json:"fileId"`
	FileName string  `json:"fileName"`
	ChunkID  int     `json:"chunkId"`
	Section  string  `json:"section"`
	Text     string  `json:"text"`
}

type SearchOptions struct {
	// TopK overrides the default result count when set.
	TopK *int
}

type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
	ModelIdentifier() string
}

type Index interface {
	SearchLocal(ctx context.Context, vector []float32, topK int, exclude map[string]bool) ([]vectorstore.Hit, error)
	SearchRemote(ctx context.Context, vector []float32, topK int, fileIDs []string) ([]vectorstore.Hit, error)
}

// Documents tells which documents are missing from the local index.
type Documents interface {
	RemoteOnly(ctx context.Context) ([]string, error)
}

type Options struct {
	DefaultTopK int
	MaxTopK     int
	// IndexModelID is the model the local index was built with. Empty skips the check.
	IndexModelID string
}

type Service struct {
	embedder QueryEmbedder
	index    Index
	docs     Documents
	logger   *QueryLogger
	opts     Options
}

func NewService(e QueryEmbedder, idx Index, docs Documents, l *QueryLogger, opts Options) (*Service, error) {
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = DefaultTopK
	}
	if opts.MaxTopK <= 0 {
		opts.MaxTopK = MaxTopK
	}
	s := &Service{embedder: e, index: idx, docs: docs, logger: l, opts: opts}
	if err := s.checkModel(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) checkModel() error {
	if s.opts.IndexModelID == "" {
		return nil
	}
	if got := s.embedder.ModelIdentifier(); got != s.opts.IndexModelID {
		return fmt.Errorf("%w: provider %s, index %s", ErrProviderMismatch, got, s.opts.IndexModelID)
	}
	return nil
}

// Search embeds query and returns the closest chunks, best first. Documents that only reached
// the remote store are searched there and merged with the local hits.
func (s *Service) Search(ctx context.Context, query string, opts *SearchOptions) ([]Result, error) {
	start := time.Now()

	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	topK := s.opts.DefaultTopK
	if opts != nil && opts.TopK != nil {
		topK = *opts.TopK
	}
	if topK <= 0 || topK > s.opts.MaxTopK {
		return nil, fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidTopK, topK, s.opts.MaxTopK)
	}
	if err := s.checkModel(); err != nil {
		return nil, err
	}

	remoteOnly, err := s.docs.RemoteOnly(ctx)
	if err != nil {
		return nil, fmt.Errorf("list remote-only documents: %w", err)
	}

	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	exclude := make(map[string]bool, len(remoteOnly))
	for _, id := range remoteOnly {
		exclude[id] = true
	}
	hits, err := s.index.SearchLocal(ctx, vec, topK, exclude)
	if err != nil {
		return nil, fmt.Errorf("local search: %w", err)
	}

	if len(remoteOnly) > 0 {
		remote, err := s.index.SearchRemote(ctx, vec, topK, remoteOnly)
		if err != nil {
			return nil, fmt.Errorf("remote search: %w", err)
		}
		hits = append(hits, remote...)
		sort.SliceStable(hits, func(i, j int) bool { return vectorstore.Less(hits[i], hits[j]) })
	}
	if len(hits) > topK {
		hits = hits[:topK]
	}

	results := make([]Result, len(hits))
	for i, h := range hits {
		results[i] = Result{
			Score:    h.Score,
			FileID:   h.FileID,
			FileName: h.FileName,
			ChunkID:  h.ChunkID,
			Section:  h.Section,
			Text:     h.Text,
		}
	}

	if s.logger != nil {
		entry := newQueryLogEntry(query, topK, results, exclude, time.Since(start))
		entry.CorrelationID = middleware.GetCorrelationID(ctx)
		s.logger.Log(entry)
	}
	return results, nil
}
