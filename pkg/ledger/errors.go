package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientCredit   = errors.New("insufficient credit")
	ErrDebtCeilingExceeded  = errors.New("debt ceiling exceeded")
	ErrLockTimeout          = errors.New("account lock timeout")
	ErrZeroDelta            = errors.New("zero delta")
	ErrPurchaseGranted      = errors.New("purchase already granted credit")
	ErrInvalidDraft         = errors.New("invalid transaction draft")
	ErrInvalidKind          = errors.New("invalid transaction kind")
	ErrInvalidStatus        = errors.New("invalid transaction status")
	ErrUnknownTransaction   = errors.New("unknown transaction")
	ErrUnknownAccount       = errors.New("unknown account")
	ErrInvalidServiceConfig = errors.New("invalid service config")
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

// Retryable reports whether the caller may safely retry the operation.
// Only lock-acquisition timeouts qualify; business rejections must surface.
func Retryable(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}
