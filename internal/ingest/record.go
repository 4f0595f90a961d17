package ingest

import (
	"time"
)

// Stage is a point in the ingestion pipeline. Reaching a stage means its work is done.
type Stage string

const (
	StageUploaded      Stage = "uploaded"
	StageExtracted     Stage = "extracted"
	StageReconstructed Stage = "reconstructed"
	StageChunked       Stage = "chunked"
	StageEmbedded      Stage = "embedded"
	StageRemoteIndexed Stage = "remote_indexed"
	StageLocalIndexed  Stage = "local_indexed"
	StageComplete      Stage = "complete"
	StageFailed        Stage = "failed"
)

var pipeline = []Stage{
	StageUploaded,
	StageExtracted,
	StageReconstructed,
	StageChunked,
	StageEmbedded,
	StageRemoteIndexed,
	StageLocalIndexed,
	StageComplete,
}

func next(s Stage) Stage {
	for i, p := range pipeline[:len(pipeline)-1] {
		if p == s {
			return pipeline[i+1]
		}
	}
	return StageComplete
}

func prev(s Stage) Stage {
	for i, p := range pipeline[1:] {
		if p == s {
			return pipeline[i]
		}
	}
	return StageUploaded
}

type ErrorKind string

const (
	KindExtraction         ErrorKind = "extraction"
	KindReconstruction     ErrorKind = "reconstruction"
	KindChunking           ErrorKind = "chunking"
	KindEmbeddingTransient ErrorKind = "embedding_transient"
	KindEmbeddingFatal     ErrorKind = "embedding_fatal"
	KindVectorStore        ErrorKind = "vector_store"
	KindCancelled          ErrorKind = "cancelled"
)

// Record tracks one document through the pipeline. When Status is StageFailed, FailedStage
// names the stage that could not be reached.
type Record struct {
	FileID        string        `json:"fileId"`
	FileName      string        `json:"fileName"`
	Format        string        `json:"format"`
	ContentHash   string        `json:"contentHash"`
	SourcePath    string        `json:"-"`
	Status        Stage         `json:"status"`
	FailedStage   Stage         `json:"failedStage,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	ErrorKind     ErrorKind     `json:"errorKind,omitempty"`
	Retryable     bool          `json:"retryable"`
	Attempts      map[Stage]int `json:"attempts"`
	RemoteIndexed bool          `json:"remoteIndexed"`
	LocalIndexed  bool          `json:"localIndexed"`
	PageCount     int           `json:"pageCount"`
	ChunkCount    int           `json:"chunkCount"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

func (r *Record) clone() Record {
	c := *r
	c.Attempts = make(map[Stage]int, len(r.Attempts))
	for k, v := range r.Attempts {
		c.Attempts[k] = v
	}
	return c
}

// RemoteOnly reports whether queries must use the remote store for this document.
func (r Record) RemoteOnly() bool {
	return r.RemoteIndexed && !r.LocalIndexed
}
