package journal

import (
	"fmt"

	"github.com/pkg/errors"
)

// ValidationFailure indicates a block is definitively invalid given the
// current chain state. Its status becomes invalid and parked descendants
// are invalidated transitively.
type ValidationFailure struct {
	Reason string
}

func (e *ValidationFailure) Error() string {
	return e.Reason
}

func failuref(format string, a ...interface{}) error {
	return &ValidationFailure{Reason: fmt.Sprintf(format, a...)}
}

// ValidationError indicates validation could not complete, so the validity
// of the block is undetermined. Its status stays unknown and parked
// descendants are purged from the cache without being marked invalid.
type ValidationError struct {
	Reason string
	Cause  error
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Cause)
	}
	return e.Reason
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

func validationErrorf(format string, a ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, a...)}
}

func wrapValidationError(cause error, format string, a ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, a...), Cause: cause}
}

// IsFailure reports whether err classifies the block as invalid.
func IsFailure(err error) bool {
	var f *ValidationFailure
	return errors.As(err, &f)
}

// IsError reports whether err left the block's validity undetermined.
func IsError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// DuplicateBatchError reports a batch id already committed on the chain or
// repeated within the candidate block.
type DuplicateBatchError struct {
	BatchID string
}

func (e *DuplicateBatchError) Error() string {
	return fmt.Sprintf("duplicate batch %s", e.BatchID)
}

// DuplicateTransactionError reports a transaction id already committed on
// the chain or repeated within the candidate block.
type DuplicateTransactionError struct {
	TransactionID string
}

func (e *DuplicateTransactionError) Error() string {
	return fmt.Sprintf("duplicate transaction %s", e.TransactionID)
}

// MissingDependencyError reports a declared dependency that is not
// committed on the chain being extended.
type MissingDependencyError struct {
	TransactionID string
	Dependency    string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("transaction %s depends on %s which is not committed", e.TransactionID, e.Dependency)
}
