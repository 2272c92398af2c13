package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientCredits       = errors.New("insufficient credits")
	ErrUnknownAccount            = errors.New("unknown account")
	ErrAccountInactive           = errors.New("account inactive")
	ErrUnknownReservation        = errors.New("unknown reservation")
	ErrDuplicateIdempotencyKey   = errors.New("duplicate idempotency key")
	ErrReservationExists         = errors.New("reservation already exists")
	ErrReservationClosed         = errors.New("reservation closed")
	ErrConcurrentUpdate          = errors.New("concurrent update")
	ErrBalanceMismatch           = errors.New("balance does not match ledger")
	ErrInvalidAccountID          = errors.New("invalid account id")
	ErrInvalidEntryID            = errors.New("invalid entry id")
	ErrInvalidReservationID      = errors.New("invalid reservation id")
	ErrInvalidIdempotencyKey     = errors.New("invalid idempotency key")
	ErrInvalidCredits            = errors.New("invalid credits")
	ErrInvalidEntryKind          = errors.New("invalid entry kind")
	ErrInvalidReason             = errors.New("invalid reason")
	ErrInvalidReservationStatus  = errors.New("invalid reservation status")
	ErrInvalidSubscriptionState  = errors.New("invalid subscription state")
	ErrInvalidMetadataJSON       = errors.New("invalid metadata json")
	ErrInvalidServiceConfig      = errors.New("invalid service config")
	ErrInvalidReservationOutcome = errors.New("invalid reservation outcome")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
