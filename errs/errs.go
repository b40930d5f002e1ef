// Package errs defines the sentinel error kinds shared across the
// resource tracker. Components wrap these with fmt.Errorf("...: %w", err)
// so callers can still match the kind with errors.Is.
package errs

import "errors"

var (
	// ErrInvalidDescriptor means the caller referenced a resource that was
	// never added to the Tracker.
	ErrInvalidDescriptor = errors.New("invalid-descriptor")
	// ErrIllegalURL means a URL could not be normalized.
	ErrIllegalURL = errors.New("illegal-url")
	// ErrNetworkUnreachable means every candidate URL returned an I/O failure.
	ErrNetworkUnreachable = errors.New("network-unreachable")
	// ErrHTTPInvalidStatus means every candidate returned a non-2xx status
	// that wasn't classified as a redirect.
	ErrHTTPInvalidStatus = errors.New("http-invalid-status")
	// ErrRedirectionDisallowed means a candidate answered with a 3xx
	// redirect while policy forbids following redirects.
	ErrRedirectionDisallowed = errors.New("redirection-disallowed")
	// ErrIOFailure means a read or write during transfer failed.
	ErrIOFailure = errors.New("io-failure")
	// ErrDecodeFailure means gzip or pack200 decoding failed.
	ErrDecodeFailure = errors.New("decode-failure")
	// ErrCancelled means a waiter was interrupted.
	ErrCancelled = errors.New("cancelled")
	// ErrIntegrityMismatch means the downloaded artifact's checksum
	// didn't match the caller-supplied expectation.
	ErrIntegrityMismatch = errors.New("integrity-mismatch")
)
