package types

import "errors"

// Error taxonomy shared by the acquisition core and its surfaces.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidName       = errors.New("invalid name")
	ErrBusy              = errors.New("busy")
	ErrOutOfSpace        = errors.New("out of space")
	ErrAllocationFailed  = errors.New("allocation failed")
	ErrConflict          = errors.New("conflict")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrFault             = errors.New("fault")
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// ErrorCode returns the short code used in API payloads for err.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrInvalidName):
		return "INVALID_NAME"
	case errors.Is(err, ErrBusy):
		return "BUSY"
	case errors.Is(err, ErrOutOfSpace):
		return "OUT_OF_SPACE"
	case errors.Is(err, ErrAllocationFailed):
		return "ALLOCATION_FAILED"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrProtocolViolation):
		return "PROTOCOL_VIOLATION"
	case errors.Is(err, ErrFault):
		return "FAULT"
	default:
		return "INTERNAL"
	}
}
