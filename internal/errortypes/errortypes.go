// Package errortypes provides the error taxonomy of the embedding service.
package errortypes

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
)

// ErrorType classifies an AppError.
type ErrorType string

// Error types
const (
	// ErrorTypeValidation marks bad caller-supplied arguments. Always raised
	// before any state is mutated or any layer is called.
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeCapacity marks an oversized vocabulary or a full registry.
	ErrorTypeCapacity ErrorType = "capacity"
	// ErrorTypeDuplicate marks a re-registration under a used table name.
	ErrorTypeDuplicate ErrorType = "duplicate"
	// ErrorTypeType marks an initializer or option of an unsupported kind.
	ErrorTypeType     ErrorType = "type"
	ErrorTypeConfig   ErrorType = "config"
	ErrorTypeDatabase ErrorType = "database"
	ErrorTypeExternal ErrorType = "external"
	ErrorTypeInternal ErrorType = "internal"
)

// AppError is an error with a kind, a caller-facing message and context fields.
type AppError struct {
	Err       error
	Type      ErrorType
	Message   string
	StackInfo string
	Fields    map[string]interface{}
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Err.Error()
}

// Unwrap exposes the wrapped sentinel to errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithField adds a field to the error for additional context
func (e *AppError) WithField(key string, value interface{}) *AppError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the error
func (e *AppError) WithFields(fields map[string]interface{}) *AppError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// captureStack records the call site of the constructor's caller.
func captureStack() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(4, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var builder strings.Builder
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "testing/") && !strings.Contains(frame.File, "/go/src/") {
			fmt.Fprintf(&builder, "%s:%d %s\n", frame.File, frame.Line, frame.Function)
		}
		if !more {
			break
		}
	}
	return builder.String()
}

func newAppError(errType ErrorType, err error, message string) *AppError {
	if err == nil {
		err = errors.New("unknown error")
	}

	return &AppError{
		Err:       err,
		Type:      errType,
		Message:   message,
		StackInfo: captureStack(),
		Fields:    make(map[string]interface{}),
	}
}

// ValidationError creates a new validation error
func ValidationError(err error, message string) *AppError {
	return newAppError(ErrorTypeValidation, err, message)
}

// CapacityError creates a new capacity error
func CapacityError(err error, message string) *AppError {
	return newAppError(ErrorTypeCapacity, err, message)
}

// DuplicateNameError creates a new duplicate-name error
func DuplicateNameError(err error, message string) *AppError {
	return newAppError(ErrorTypeDuplicate, err, message)
}

// TypeError creates a new unsupported-type error
func TypeError(err error, message string) *AppError {
	return newAppError(ErrorTypeType, err, message)
}

// ConfigError creates a new configuration error
func ConfigError(err error, message string) *AppError {
	return newAppError(ErrorTypeConfig, err, message)
}

// DatabaseError creates a new database error
func DatabaseError(err error, message string) *AppError {
	return newAppError(ErrorTypeDatabase, err, message)
}

// ExternalError creates a new external error
func ExternalError(err error, message string) *AppError {
	return newAppError(ErrorTypeExternal, err, message)
}

// InternalError creates a new internal error
func InternalError(err error, message string) *AppError {
	return newAppError(ErrorTypeInternal, err, message)
}

// LogError logs err on logger, or on the default slog logger when nil.
// AppErrors are logged with their type, stack and fields.
func LogError(logger *slog.Logger, err error) {
	if logger == nil {
		logger = slog.Default()
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		args := []any{
			"type", string(appErr.Type),
			"original_error", appErr.Err.Error(),
		}
		if appErr.StackInfo != "" {
			args = append(args, "stack", appErr.StackInfo)
		}
		for k, v := range appErr.Fields {
			args = append(args, k, v)
		}
		logger.Error(appErr.Message, args...)
	} else {
		logger.Error(err.Error(), "error", err)
	}
}

// TypeOf returns the kind of err, or "" when err is not an AppError.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ""
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return TypeOf(err) == ErrorTypeValidation
}

// IsCapacityError checks if an error is a capacity error
func IsCapacityError(err error) bool {
	return TypeOf(err) == ErrorTypeCapacity
}

// IsDuplicateNameError checks if an error is a duplicate-name error
func IsDuplicateNameError(err error) bool {
	return TypeOf(err) == ErrorTypeDuplicate
}

// IsTypeError checks if an error is an unsupported-type error
func IsTypeError(err error) bool {
	return TypeOf(err) == ErrorTypeType
}

// IsConfigError checks if an error is a configuration error
func IsConfigError(err error) bool {
	return TypeOf(err) == ErrorTypeConfig
}

// IsDatabaseError checks if an error is a database error
func IsDatabaseError(err error) bool {
	return TypeOf(err) == ErrorTypeDatabase
}
