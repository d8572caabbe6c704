package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

// HTTPErrorCode is the machine-readable error code in JSON error bodies.
type HTTPErrorCode string

const (
	HTTPCodeUnknown             HTTPErrorCode = "UNKNOWN"
	HTTPCodeInvalidRequest      HTTPErrorCode = "INVALID_REQUEST"
	HTTPCodeInternalError       HTTPErrorCode = "INTERNAL_ERROR"
	HTTPCodeServiceDown         HTTPErrorCode = "SERVICE_UNAVAILABLE"
	HTTPCodeTimeout             HTTPErrorCode = "TIMEOUT"
	HTTPCodeRateLimited         HTTPErrorCode = "RATE_LIMITED"
	HTTPCodeUnauthorized        HTTPErrorCode = "UNAUTHORIZED"
	HTTPCodeDeviceNotRegistered HTTPErrorCode = "DEVICE_NOT_REGISTERED"
	HTTPCodeRecordNotFound      HTTPErrorCode = "RECORD_NOT_FOUND"
	HTTPCodeBatchTooLarge       HTTPErrorCode = "BATCH_TOO_LARGE"
	HTTPCodeTransientConflict   HTTPErrorCode = "TRANSIENT_CONFLICT"
	HTTPCodeClientClosed        HTTPErrorCode = "CLIENT_CLOSED_REQUEST"
)

// StatusClientClosedRequest is reported when the client went away before the
// request finished.
const StatusClientClosedRequest = 499

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string        `json:"status"`
	ErrorCode HTTPErrorCode `json:"error_code"`
	Message   string        `json:"message"`
	RequestID string        `json:"request_id,omitempty"`
}

// Handler writes errors as JSON HTTP responses.
type Handler struct {
	logger *zap.Logger
}

// NewHandler creates a new error handler.
func NewHandler(logger *zap.Logger) *Handler {
	return &Handler{
		logger: logger,
	}
}

// HandleError processes an error and writes an appropriate HTTP response.
func (h *Handler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	statusCode := HTTPStatus(err)
	errorCode := HTTPCode(err)
	requestID := r.Header.Get("X-Request-ID")

	if statusCode == StatusClientClosedRequest {
		h.logger.Debug("request canceled by client",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID))
		h.WriteErrorResponse(w, statusCode, errorCode, "request canceled", requestID)
		return
	}

	message := err.Error()
	if statusCode >= http.StatusInternalServerError && errorCode != HTTPCodeTransientConflict {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID),
			zap.Error(err))
		message = "internal server error"
	}

	if errorCode == HTTPCodeTransientConflict {
		w.Header().Set("Retry-After", "1")
	}

	h.WriteErrorResponse(w, statusCode, errorCode, message, requestID)
}

// HTTPStatus converts an error to an HTTP status code via its gRPC code.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	if stderrors.Is(err, context.Canceled) {
		return StatusClientClosedRequest
	}

	se, ok := AsSyncError(err)
	if !ok {
		return http.StatusInternalServerError
	}

	switch se.GRPCCode() {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists:
		return http.StatusConflict
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Aborted:
		return http.StatusConflict
	case codes.OutOfRange:
		return http.StatusRequestEntityTooLarge
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// HTTPCode converts an error to the error code reported in the body.
func HTTPCode(err error) HTTPErrorCode {
	if err == nil {
		return HTTPCodeUnknown
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return HTTPCodeTimeout
	}
	if stderrors.Is(err, context.Canceled) {
		return HTTPCodeClientClosed
	}

	switch GetCode(err) {
	case ErrCodeInvalidArgument, ErrCodeInvalidVectorClock, ErrCodeKindMismatch, ErrCodePayloadTooLarge:
		return HTTPCodeInvalidRequest
	case ErrCodeBatchTooLarge:
		return HTTPCodeBatchTooLarge
	case ErrCodeDeviceNotRegistered:
		return HTTPCodeDeviceNotRegistered
	case ErrCodeRecordNotFound:
		return HTTPCodeRecordNotFound
	case ErrCodeUnauthenticated:
		return HTTPCodeUnauthorized
	case ErrCodeTransientConflict:
		return HTTPCodeTransientConflict
	case ErrCodeUnavailable:
		return HTTPCodeServiceDown
	default:
		return HTTPCodeInternalError
	}
}

// WriteErrorResponse writes a formatted error response to the HTTP response writer.
func (h *Handler) WriteErrorResponse(w http.ResponseWriter, statusCode int, errorCode HTTPErrorCode, message string, requestID string) {
	h.logger.Warn("HTTP error response",
		zap.Int("status_code", statusCode),
		zap.String("error_code", string(errorCode)),
		zap.String("message", message),
		zap.String("request_id", requestID),
	)

	resp := ErrorResponse{
		Status:    "error",
		ErrorCode: errorCode,
		Message:   message,
		RequestID: requestID,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

// WriteValidationError writes a validation error response.
func (h *Handler) WriteValidationError(w http.ResponseWriter, message string, requestID string) {
	h.WriteErrorResponse(w, http.StatusBadRequest, HTTPCodeInvalidRequest, message, requestID)
}

// WriteUnauthorized writes an unauthenticated response.
func (h *Handler) WriteUnauthorized(w http.ResponseWriter, message string, requestID string) {
	h.WriteErrorResponse(w, http.StatusUnauthorized, HTTPCodeUnauthorized, message, requestID)
}

// WriteRateLimitedError writes a rate limit exceeded response.
func (h *Handler) WriteRateLimitedError(w http.ResponseWriter, requestID string) {
	h.WriteErrorResponse(w, http.StatusTooManyRequests, HTTPCodeRateLimited, "rate limit exceeded", requestID)
}
