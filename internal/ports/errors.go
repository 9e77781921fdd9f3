package ports

import (
	"errors"
	"fmt"
)

// Source failure classes.
//
// These errors represent infrastructure concerns and are separate from
// domain errors, which describe malformed PKI material.
//
// Usage:
//   - Source adapters wrap failures with Retryable or Fatal
//   - The coordinator uses errors.Is against these sentinels to decide
//     whether to back off and retry or to halt the source

// ErrSourceRetrieval indicates a transient failure (network, API server,
// missing file, timeout). The coordinator retries with backoff.
var ErrSourceRetrieval = errors.New("source retrieval failed")

// ErrSourceConfiguration indicates a failure that retrying cannot fix
// (missing Secret, missing key, forbidden, path is a directory).
// The coordinator halts the source.
var ErrSourceConfiguration = errors.New("source misconfigured")

// SourceError attributes a failure to a named source.
type SourceError struct {
	Source    string
	Retryable bool
	Err       error
}

func (e *SourceError) Error() string {
	class := "fatal"
	if e.Retryable {
		class = "retryable"
	}
	return fmt.Sprintf("source %s (%s): %v", e.Source, class, e.Err)
}

// Unwrap exposes both the underlying error and the class sentinel.
func (e *SourceError) Unwrap() []error {
	if e.Retryable {
		return []error{ErrSourceRetrieval, e.Err}
	}
	return []error{ErrSourceConfiguration, e.Err}
}

// Retryable wraps err as a transient failure of source.
func Retryable(source string, err error) error {
	return &SourceError{Source: source, Retryable: true, Err: err}
}

// Fatal wraps err as a configuration failure of source.
func Fatal(source string, err error) error {
	return &SourceError{Source: source, Retryable: false, Err: err}
}

// IsFatal reports whether err is a configuration failure.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSourceConfiguration)
}
