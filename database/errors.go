package database

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/arifwicaksono2000/botapp-trader/ledger"
)

// PostgreSQL error codes
const (
	pgErrUniqueViolation = "23505" // unique_violation
)

// Partial unique indexes created by InitSchema.
const (
	idxRunningPivot    = "idx_segments_running_pivot"
	idxRunningPosition = "idx_trade_details_running_position"
)

// DBError represents a database operation error with context
type DBError struct {
	Operation string
	Err       error
}

// Error implements the error interface
func (e *DBError) Error() string {
	return fmt.Sprintf("database error in %s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error
func (e *DBError) Unwrap() error {
	return e.Err
}

// NotFoundError represents a resource not found error
type NotFoundError struct {
	Resource string
	ID       interface{}
}

// Error implements the error interface
func (e *NotFoundError) Error() string {
	if e.ID != nil {
		return fmt.Sprintf("%s not found: %v", e.Resource, e.ID)
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

// Is lets callers match ledger.ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ledger.ErrNotFound
}

// NewNotFoundErrorWithID creates a new NotFoundError with an ID
func NewNotFoundErrorWithID(resource string, id interface{}) error {
	return &NotFoundError{
		Resource: resource,
		ID:       id,
	}
}

// WrapDBError wraps a database error with operation context, translating
// record-not-found and the ledger's unique-index violations into the ledger
// sentinels.
func WrapDBError(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = ledger.ErrNotFound
	} else if sentinel := constraintError(err); sentinel != nil {
		err = fmt.Errorf("%w: %v", sentinel, err)
	}
	return &DBError{
		Operation: operation,
		Err:       err,
	}
}

func constraintError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgErrUniqueViolation {
		return nil
	}
	switch pgErr.ConstraintName {
	case idxRunningPivot:
		return ledger.ErrPivotExists
	case idxRunningPosition:
		return ledger.ErrPositionClaimed
	default:
		return nil
	}
}
