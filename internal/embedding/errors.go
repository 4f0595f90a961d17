package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	// Transient failures (timeouts, rate limits, unavailable backends) are retried.
	Transient Kind = iota
	// Fatal failures (bad credentials, malformed requests, dimension mismatch) are not.
	Fatal
)

func (k Kind) String() string {
	if k == Transient {
		return "transient"
	}
	return "fatal"
}

var (
	ErrTransient = errors.New("transient embedding provider error")
	ErrFatal     = errors.New("fatal embedding provider error")
)

type ProviderError struct {
	Provider   string
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s embedding provider error (%s, status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s embedding provider error (%s): %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == Transient
	case ErrFatal:
		return e.Kind == Fatal
	}
	return false
}

// DimensionMismatchError is returned when a model produces vectors of a different size than
// previously recorded for it. Vectors are never truncated or padded.
type DimensionMismatchError struct {
	Model    string
	Expected int
	Got      int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch for %s: expected %d, got %d", e.Model, e.Expected, e.Got)
}

func (e *DimensionMismatchError) Is(target error) bool { return target == ErrFatal }

// StatusKind maps an HTTP status to a failure kind.
func StatusKind(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return Transient
	default:
		return Fatal
	}
}

// NewStatusError builds a ProviderError from a non-2xx HTTP response.
func NewStatusError(provider string, status int, body string) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Kind:       StatusKind(status),
		StatusCode: status,
		Err:        fmt.Errorf("%s", body),
	}
}

// classify turns any error from a provider call into a ProviderError. Provider errors keep their
// kind. Timeouts are transient. callCtx is the per-call context, so a
// deadline on it is a provider timeout rather than a caller cancellation.
func classify(provider string, err error, callCtx, parent context.Context) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	var dm *DimensionMismatchError
	if errors.As(err, &dm) {
		return dm
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &ProviderError{Provider: provider, Kind: Transient, Err: fmt.Errorf("request timed out: %w", err)}
	}
	// Unclassified failures are mostly transport errors; the retry budget bounds them.
	return &ProviderError{Provider: provider, Kind: Transient, Err: err}
}
