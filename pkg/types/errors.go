package types

import (
	"errors"
	"fmt"
)

// Error taxonomy shared across the engine.
//
// NotFound and Validation errors are caller-facing and never retried.
// Storage errors from single-record calls propagate to the caller; batch
// operations record them per item and continue. ConcurrencyConflict means the
// caller should re-read and retry.
var (
	// ErrNotFound indicates an operation referenced a missing memory id.
	ErrNotFound = errors.New("memory not found")

	// ErrValidation indicates an out-of-range score, invalid enum or malformed data.
	ErrValidation = errors.New("validation failed")

	// ErrStorage indicates a backend call failed.
	ErrStorage = errors.New("storage operation failed")

	// ErrConcurrencyConflict indicates a stale update was detected by the store.
	ErrConcurrencyConflict = errors.New("concurrent modification detected")

	// ErrInvalidTransition indicates a tier change not allowed by the tier table.
	ErrInvalidTransition = fmt.Errorf("%w: invalid tier transition", ErrValidation)

	// ErrDiscarded indicates a candidate scored below the minimum store threshold.
	ErrDiscarded = errors.New("memory discarded below minimum importance")
)

// StorageError wraps a backend error with the failing operation.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrValidation) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
