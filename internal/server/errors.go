package server

import (
	"errors"

	"github.com/localrivet/embedservice/internal/errortypes"
)

// ErrorResponse represents the structure of error details reported by the tools
type ErrorResponse struct {
	Status     string                 `json:"status"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	StackTrace string                 `json:"stack_trace,omitempty"`
}

// Error response codes
const (
	StatusCodeValidationError = "VALIDATION_ERROR"
	StatusCodeCapacityError   = "CAPACITY_ERROR"
	StatusCodeDuplicateName   = "DUPLICATE_NAME"
	StatusCodeTypeError       = "TYPE_ERROR"
	StatusCodeConfigError     = "CONFIG_ERROR"
	StatusCodeDatabaseError   = "DATABASE_ERROR"
	StatusCodeExternalError   = "EXTERNAL_ERROR"
	StatusCodeInternalError   = "INTERNAL_ERROR"
	StatusCodeUnknownError    = "UNKNOWN_ERROR"
)

var codes = map[errortypes.ErrorType]string{
	errortypes.ErrorTypeValidation: StatusCodeValidationError,
	errortypes.ErrorTypeCapacity:   StatusCodeCapacityError,
	errortypes.ErrorTypeDuplicate:  StatusCodeDuplicateName,
	errortypes.ErrorTypeType:       StatusCodeTypeError,
	errortypes.ErrorTypeConfig:     StatusCodeConfigError,
	errortypes.ErrorTypeDatabase:   StatusCodeDatabaseError,
	errortypes.ErrorTypeExternal:   StatusCodeExternalError,
	errortypes.ErrorTypeInternal:   StatusCodeInternalError,
}

// ErrorCode classifies err by the kind of the outermost AppError in its chain.
// Errors that carry no AppError, such as failures returned as is by a
// parameter-server layer, are UNKNOWN_ERROR.
func ErrorCode(err error) string {
	var appErr *errortypes.AppError
	if errors.As(err, &appErr) {
		if code, ok := codes[appErr.Type]; ok {
			return code
		}
	}
	return StatusCodeUnknownError
}

// errorToResponse converts an error to a standardized ErrorResponse
func errorToResponse(err error) ErrorResponse {
	resp := ErrorResponse{
		Status:  "error",
		Code:    ErrorCode(err),
		Message: err.Error(),
	}
	var appErr *errortypes.AppError
	if errors.As(err, &appErr) {
		resp.Details = appErr.Fields
		resp.StackTrace = appErr.StackInfo
	}
	return resp
}
