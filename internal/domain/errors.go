package domain

import "errors"

var (
	// ErrValidation indicates a request rejected before any storage mutation.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates an unknown session or chunk index.
	ErrNotFound = errors.New("not found")

	// ErrState indicates an operation invalid for the session's current status.
	ErrState = errors.New("invalid session state")

	// ErrMissingChunk indicates reassembly was attempted with a gap.
	ErrMissingChunk = errors.New("missing chunk")

	// ErrStorage indicates an I/O failure reading or writing chunks or artifacts.
	ErrStorage = errors.New("storage failure")

	// ErrProcessing indicates a post-processing derivation step failed.
	ErrProcessing = errors.New("processing failed")
)
