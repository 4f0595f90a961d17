// Package vectorstore keeps the local index and the remote vector store consistent.
package vectorstore

import (
	"errors"
	"fmt"
)

// Record is one chunk vector as stored in either index. (FileID, ChunkID) is the durable key.
type Record struct {
	FileID   string    `json:"fileId"`
	ChunkID  int       `json:"chunkId"`
	Section  string    `json:"section"`
	Text     string    `json:"text"`
	FileName string    `json:"fileName"`
	Format   string    `json:"format"`
	Vector   []float32 `json:"-"`
}

// Hit is a search match. Higher scores are closer.
type Hit struct {
	Record
	Score float32 `json:"score"`
}

// Less orders hits by descending score, then lower chunk id, then file id.
func Less(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.ChunkID != b.ChunkID {
		return a.ChunkID < b.ChunkID
	}
	return a.FileID < b.FileID
}

const (
	StoreLocal  = "local"
	StoreRemote = "remote"
)

var (
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrNotFound          = errors.New("document not found")
)

// TransientError marks a failure worth retrying, such as a timeout or an unavailable backend.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// StoreError reports which store failed a write and whether the remote write had already
// succeeded.
type StoreError struct {
	Store           string
	Op              string
	Retryable       bool
	RemoteCommitted bool
	Err             error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s store %s failed: %v", e.Store, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
