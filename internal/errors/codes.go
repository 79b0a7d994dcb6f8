package errors

import (
	"context"
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for bulk operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Setup errors, detected eagerly and never retried
	ErrCodeInvalidConfig   ErrorCode = 1000
	ErrCodeInvalidTopology ErrorCode = 1001
	ErrCodeInvalidArgument ErrorCode = 1002

	// Execution errors
	ErrCodeRequestFailed     ErrorCode = 2000
	ErrCodeThresholdExceeded ErrorCode = 2001
	ErrCodeProtocolViolation ErrorCode = 2002
	ErrCodeCancelled         ErrorCode = 2003
	ErrCodeInternal          ErrorCode = 2004
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeInvalidConfig:
		return "invalid_config"
	case ErrCodeInvalidTopology:
		return "invalid_topology"
	case ErrCodeInvalidArgument:
		return "invalid_argument"
	case ErrCodeRequestFailed:
		return "request_failed"
	case ErrCodeThresholdExceeded:
		return "threshold_exceeded"
	case ErrCodeProtocolViolation:
		return "protocol_violation"
	case ErrCodeCancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// BulkError represents a structured error with code and context
type BulkError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *BulkError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *BulkError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts BulkError to gRPC status
func (e *BulkError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *BulkError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidConfig, ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case ErrCodeInvalidTopology:
		return codes.FailedPrecondition
	case ErrCodeRequestFailed:
		if s, ok := status.FromError(e.Cause); ok && e.Cause != nil {
			return s.Code()
		}
		return codes.Unavailable
	case ErrCodeThresholdExceeded:
		return codes.Aborted
	case ErrCodeCancelled:
		return codes.Canceled
	default:
		return codes.Internal
	}
}

// NewBulkError creates a new BulkError
func NewBulkError(code ErrorCode, message string, cause error) *BulkError {
	return &BulkError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *BulkError) WithDetail(key string, value interface{}) *BulkError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidConfig(setting, reason string) *BulkError {
	return NewBulkError(ErrCodeInvalidConfig, fmt.Sprintf("invalid value for %s: %s", setting, reason), nil).
		WithDetail("setting", setting)
}

func InvalidTopology(message string, cause error) *BulkError {
	return NewBulkError(ErrCodeInvalidTopology, message, cause)
}

func InvalidArgument(message string, cause error) *BulkError {
	return NewBulkError(ErrCodeInvalidArgument, message, cause)
}

func RequestFailed(statement string, cause error) *BulkError {
	return NewBulkError(ErrCodeRequestFailed, fmt.Sprintf("statement execution failed: %s", statement), cause).
		WithDetail("statement", statement)
}

// ThresholdExceeded is the abort signal of a bulk operation. It is never
// produced by a single failed request.
func ThresholdExceeded(threshold string, errorCount, totalItems int64) *BulkError {
	return NewBulkError(ErrCodeThresholdExceeded,
		fmt.Sprintf("too many errors, the maximum allowed is %s: %d errors out of %d items", threshold, errorCount, totalItems), nil).
		WithDetail("threshold", threshold).
		WithDetail("errors", errorCount).
		WithDetail("items", totalItems)
}

func ProtocolViolation(message string, cause error) *BulkError {
	return NewBulkError(ErrCodeProtocolViolation, message, cause)
}

func Cancelled(cause error) *BulkError {
	return NewBulkError(ErrCodeCancelled, "operation cancelled", cause)
}

func InternalError(message string, cause error) *BulkError {
	return NewBulkError(ErrCodeInternal, message, cause)
}

// IsBulkError checks if an error is, or wraps, a BulkError
func IsBulkError(err error) bool {
	var be *BulkError
	return stderrors.As(err, &be)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var be *BulkError
	if stderrors.As(err, &be) {
		return be.Code
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return ErrCodeCancelled
	}
	return ErrCodeInternal
}

// IsThresholdExceeded reports whether err aborted a bulk operation because of
// its error threshold.
func IsThresholdExceeded(err error) bool {
	return GetCode(err) == ErrCodeThresholdExceeded
}

// IsCancelled reports whether err stems from cancellation.
func IsCancelled(err error) bool {
	return GetCode(err) == ErrCodeCancelled
}
