// Package core provides the tiermem client: memory lifecycle operations,
// consolidation, forgetting and retrieval behind one facade.
package core

import (
	"errors"
	"fmt"

	"github.com/oceanbase/tiermem-go/pkg/types"
)

// Error taxonomy shared with the engine packages.
var (
	// ErrNotFound indicates that a requested memory was not found.
	ErrNotFound = types.ErrNotFound

	// ErrValidation indicates invalid input or an invalid record.
	ErrValidation = types.ErrValidation

	// ErrStorage indicates that a storage operation failed.
	ErrStorage = types.ErrStorage

	// ErrConcurrencyConflict indicates that a fenced write lost a race.
	ErrConcurrencyConflict = types.ErrConcurrencyConflict

	// ErrInvalidTransition indicates a tier move outside the transition table.
	ErrInvalidTransition = types.ErrInvalidTransition

	// ErrDiscarded indicates a candidate scored below the minimum store threshold.
	ErrDiscarded = types.ErrDiscarded
)

// Predefined errors for client-level failures.
var (
	// ErrInvalidConfig indicates that the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates that embedding generation failed.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrLLMOperation indicates that an LLM operation failed.
	ErrLLMOperation = errors.New("llm operation failed")

	// ErrNoExtractor indicates Ingest was called without an extractor.
	ErrNoExtractor = errors.New("no extractor configured")
)

// MemoryError wraps errors with operation context.
//
// Example:
//
//	err := &MemoryError{
//	    Op:  "Create",
//	    Err: ErrEmbeddingFailed,
//	}
//	// Error() returns: "tiermem: Create: embedding generation failed"
type MemoryError struct {
	// Op is the name of the operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns "tiermem: <Op>: <Err>".
func (e *MemoryError) Error() string {
	return fmt.Sprintf("tiermem: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error so errors.Is and errors.As see through
// the wrapper.
func (e *MemoryError) Unwrap() error {
	return e.Err
}

// NewMemoryError creates a new MemoryError wrapping the given error.
//
// If err is nil, returns nil. This allows safe error wrapping:
//
//	if err != nil {
//	    return NewMemoryError("Create", err)
//	}
//
// Parameters:
//   - op: Name of the operation (e.g., "Create", "Retrieve", "Forget")
//   - err: The underlying error to wrap
//
// Returns a MemoryError, or nil if err is nil.
func NewMemoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &MemoryError{
		Op:  op,
		Err: err,
	}
}

// configError reports an invalid configuration field.
func configError(format string, args ...interface{}) error {
	return NewMemoryError("Validate", fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...)))
}
