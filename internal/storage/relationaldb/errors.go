package relationaldb

import (
	"errors"
	"fmt"
)

var (
	// Configuration errors
	ErrInvalidDriver   = errors.New("invalid database driver")
	ErrMissingDatabase = errors.New("database name is required")
	ErrMissingHost     = errors.New("database host is required")
	ErrMissingPath     = errors.New("sqlite database path is required")

	// Connection errors
	ErrDatabaseClosed = errors.New("database connection is closed")

	// Data errors
	ErrBatchNotFound  = errors.New("batch not found")
	ErrIntentNotFound = errors.New("intent not found")
	ErrItemNotFound   = errors.New("item not found")
	ErrWalletNotFound = errors.New("wallet not found")

	// State errors
	ErrIllegalTransition = errors.New("illegal batch state transition")
)

// OperationError wraps a failure with the operation that produced it.
type OperationError struct {
	Op     string
	Detail string
	Err    error
}

func (e *OperationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Detail)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Detail, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

func NewOperationError(op, detail string, err error) *OperationError {
	return &OperationError{Op: op, Detail: detail, Err: err}
}
