package ingest

import (
	"errors"
	"fmt"
)

var (
	ErrConcurrencyConflict  = errors.New("document is already being ingested")
	ErrNotFound             = errors.New("ingestion record not found")
	ErrNotInProgress        = errors.New("document is not being ingested")
	ErrNotFailed            = errors.New("document is not in a failed state")
	ErrArtifactsUnavailable = errors.New("document content is no longer available, upload it again")
	ErrCancelled            = errors.New("cancelled")
	ErrInvalidSubmission    = errors.New("invalid submission")
)

// StageError is returned by Ingest and Retry when the pipeline stops in a failed state.
type StageError struct {
	FileID string
	Stage  Stage
	Kind   ErrorKind
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("ingestion of %s failed at %s (%s): %v", e.FileID, e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
