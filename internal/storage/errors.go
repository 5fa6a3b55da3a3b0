package storage

import "errors"

// Sentinel errors shared by all storage backends and the tier stores built
// on top of them. Callers match with errors.Is.
var (
	// ErrNotFound is returned on a read miss. Recoverable; the caller
	// decides the fallback.
	ErrNotFound = errors.New("storage: not found")

	// ErrIntegrity is returned when an anchor is written under an existing
	// ID with different content. Fatal to the affected write; never
	// retried silently.
	ErrIntegrity = errors.New("storage: integrity violation")

	// ErrChainBroken is returned when an append does not extend the
	// current chain head.
	ErrChainBroken = errors.New("storage: hash chain broken")

	// ErrInstanceNotFound is returned when collapsing an unknown or
	// already-collapsed instance view.
	ErrInstanceNotFound = errors.New("storage: instance not found")
)
