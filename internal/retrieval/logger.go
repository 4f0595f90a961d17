package retrieval

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// QueryLogEntry is one line of the query log: what was asked, which documents answered, and
// whether documents missing from the local index had to be searched remotely.
type QueryLogEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Query         string    `json:"query"`
	TopK          int       `json:"top_k"`
	NumResults    int       `json:"num_results"`
	// FileIDs lists the distinct documents of the results in rank order.
	FileIDs        []string `json:"file_ids"`
	RemoteFallback bool     `json:"remote_fallback"`
	RemoteOnly     int      `json:"remote_only_files"`
	RemoteHits     int      `json:"remote_hits"`
	LatencyMs      int64    `json:"latency_ms"`
}

func newQueryLogEntry(query string, topK int, results []Result, remoteOnly map[string]bool, elapsed time.Duration) QueryLogEntry {
	e := QueryLogEntry{
		Query:          query,
		TopK:           topK,
		NumResults:     len(results),
		FileIDs:        []string{},
		RemoteFallback: len(remoteOnly) > 0,
		RemoteOnly:     len(remoteOnly),
		LatencyMs:      elapsed.Milliseconds(),
	}
	seen := make(map[string]bool)
	for _, r := range results {
		if remoteOnly[r.FileID] {
			e.RemoteHits++
		}
		if !seen[r.FileID] {
			seen[r.FileID] = true
			e.FileIDs = append(e.FileIDs, r.FileID)
		}
	}
	return e
}

// QueryLogger appends QueryLogEntry values as JSON lines.
type QueryLogger struct {
	mu sync.Mutex
	w  io.Writer
}

func NewQueryLogger(w io.Writer) *QueryLogger {
	return &QueryLogger{w: w}
}

// NewFileQueryLogger appends to path, creating its directory if needed.
func NewFileQueryLogger(path string) (*QueryLogger, error) {
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) // #nosec G304 -- path is from application config
	if err != nil {
		return nil, err
	}
	return NewQueryLogger(f), nil
}

func (l *QueryLogger) Log(entry QueryLogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		slog.Error("failed to encode query log entry", "error", err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(line); err != nil {
		slog.Error("failed to write query log entry", "error", err)
	}
}
