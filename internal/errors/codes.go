package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// ErrorCode represents internal error codes for sync operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument     ErrorCode = 1000
	ErrCodeDeviceNotRegistered ErrorCode = 1001
	ErrCodeRecordNotFound      ErrorCode = 1002
	ErrCodeInvalidVectorClock  ErrorCode = 1003
	ErrCodeBatchTooLarge       ErrorCode = 1004
	ErrCodePayloadTooLarge     ErrorCode = 1005
	ErrCodeKindMismatch        ErrorCode = 1006
	ErrCodeUnauthenticated     ErrorCode = 1007

	// Server errors (5xx equivalent)
	ErrCodeInternal          ErrorCode = 2000
	ErrCodeUnavailable       ErrorCode = 2001
	ErrCodeTransientConflict ErrorCode = 2002
)

// SyncError represents a structured error with code and context
type SyncError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// GRPCCode maps internal error codes to gRPC codes
func (e *SyncError) GRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeInvalidVectorClock, ErrCodeKindMismatch:
		return codes.InvalidArgument
	case ErrCodeBatchTooLarge, ErrCodePayloadTooLarge:
		return codes.OutOfRange
	case ErrCodeDeviceNotRegistered, ErrCodeRecordNotFound:
		return codes.NotFound
	case ErrCodeUnauthenticated:
		return codes.Unauthenticated
	case ErrCodeTransientConflict:
		return codes.Aborted
	case ErrCodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewSyncError creates a new SyncError
func NewSyncError(code ErrorCode, message string, cause error) *SyncError {
	return &SyncError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *SyncError) WithDetail(key string, value interface{}) *SyncError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeInvalidArgument, message, cause)
}

func DeviceNotRegistered(tenantID, deviceID string) *SyncError {
	return NewSyncError(ErrCodeDeviceNotRegistered, fmt.Sprintf("device not registered: %s", deviceID), nil).
		WithDetail("tenant_id", tenantID).
		WithDetail("device_id", deviceID)
}

func InvalidVectorClock(recordID, reason string) *SyncError {
	return NewSyncError(ErrCodeInvalidVectorClock, fmt.Sprintf("invalid vector clock for record '%s': %s", recordID, reason), nil).
		WithDetail("record_id", recordID).
		WithDetail("reason", reason)
}

func BatchTooLarge(size, maxSize int) *SyncError {
	return NewSyncError(ErrCodeBatchTooLarge, fmt.Sprintf("batch size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func PayloadTooLarge(recordID string, size, maxSize int) *SyncError {
	return NewSyncError(ErrCodePayloadTooLarge, fmt.Sprintf("payload of record '%s' is %d bytes, maximum is %d", recordID, size, maxSize), nil).
		WithDetail("record_id", recordID).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func KindMismatch(recordID, stored, incoming string) *SyncError {
	return NewSyncError(ErrCodeKindMismatch, fmt.Sprintf("record '%s' is a %s, cannot be written as a %s", recordID, stored, incoming), nil).
		WithDetail("record_id", recordID)
}

func Unauthenticated(message string) *SyncError {
	return NewSyncError(ErrCodeUnauthenticated, message, nil)
}

func TransientConflict(operation string, attempts int, cause error) *SyncError {
	return NewSyncError(ErrCodeTransientConflict, fmt.Sprintf("%s did not commit after %d attempts", operation, attempts), cause).
		WithDetail("operation", operation).
		WithDetail("attempts", attempts)
}

func InternalError(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeUnavailable, message, cause)
}

// AsSyncError extracts a SyncError from anywhere in err's chain
func AsSyncError(err error) (*SyncError, bool) {
	var se *SyncError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	if se, ok := AsSyncError(err); ok {
		return se.Code
	}
	return ErrCodeInternal
}

// IsTransient reports whether the caller should retry the whole request
func IsTransient(err error) bool {
	return GetCode(err) == ErrCodeTransientConflict
}
