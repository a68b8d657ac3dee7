// Package ingesterr defines the sentinel errors the chunked upload core
// raises and maps them to HTTP status codes.
package ingesterr

import (
	"errors"
	"net/http"
)

var (
	// ErrValidationFailure marks a malformed request (missing fields,
	// negative offsets, chunk index out of range).
	ErrValidationFailure = errors.New("ingest: request failed shape validation")

	// ErrSessionMissing marks a reference to an upload session that does
	// not exist or has expired.
	ErrSessionMissing = errors.New("ingest: upload session not found")

	// ErrHashMismatch marks a chunk whose declared hash does not match
	// the hash the server computed from the bytes received.
	ErrHashMismatch = errors.New("ingest: chunk hash mismatch")

	// ErrWriteFailure marks a failure to persist a chunk to the backing
	// store (disk full, permission denied, fsync failure).
	ErrWriteFailure = errors.New("ingest: chunk write failed")

	// ErrSizeExceeded marks an assembled (or about-to-be-assembled) file
	// that would exceed the configured size ceiling.
	ErrSizeExceeded = errors.New("ingest: assembled size exceeds configured maximum")

	// ErrUnsupportedBackend marks an attempt to run the chunked upload
	// path against a storage backend that cannot support positioned
	// writes (e.g. the S3 driver).
	ErrUnsupportedBackend = errors.New("ingest: storage backend does not support chunked writes")

	// ErrInvalidUploadID marks an upload identifier that failed
	// sanitization (empty after stripping disallowed characters).
	ErrInvalidUploadID = errors.New("ingest: invalid upload id")

	// ErrRetriesExhausted marks a session-store optimistic update that
	// failed to converge after the configured number of attempts.
	ErrRetriesExhausted = errors.New("ingest: chunk index update did not converge")

	// ErrValidationRuleFailed marks a fully-assembled file that failed
	// the post-assembly validation ruleset (disallowed mime type or
	// extension).
	ErrValidationRuleFailed = errors.New("ingest: assembled file failed validation rules")
)

// StatusFor maps an ingest error to the HTTP status code the API surface
// should respond with. Unrecognized errors map to 500.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidationFailure), errors.Is(err, ErrInvalidUploadID):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrSessionMissing):
		return http.StatusNotFound
	case errors.Is(err, ErrHashMismatch):
		return http.StatusConflict
	case errors.Is(err, ErrSizeExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrValidationRuleFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrWriteFailure), errors.Is(err, ErrRetriesExhausted), errors.Is(err, ErrUnsupportedBackend):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
