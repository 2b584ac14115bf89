package engine

import (
	"errors"
	"fmt"

	"denim/internal/query"
)

type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`

	cause error
}

type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

// Unwrap exposes the adapter error behind a BACKEND_FAILURE.
func (e *AppError) Unwrap() error {
	return e.cause
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

const (
	CodeUnknownTable         = "UNKNOWN_TABLE"
	CodeUnknownField         = "UNKNOWN_FIELD"
	CodeUnknownExpansion     = "UNKNOWN_EXPANSION"
	CodeUnknownOperator      = "UNKNOWN_OPERATOR"
	CodeValidationFailed     = "VALIDATION_FAILED"
	CodeUnauthorizedQuery    = "UNAUTHORIZED_QUERY"
	CodeUnauthorizedCreation = "UNAUTHORIZED_RECORD_CREATION"
	CodeUnauthorizedUpdate   = "UNAUTHORIZED_RECORD_UPDATE"
	CodeUnauthorizedDeletion = "UNAUTHORIZED_RECORD_DELETION"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeForbidden            = "FORBIDDEN"
	CodeNotFound             = "NOT_FOUND"
	CodeBackendFailure       = "BACKEND_FAILURE"
	CodeUnknownWorkflow      = "UNKNOWN_WORKFLOW"
	CodeInvalidPayload       = "INVALID_PAYLOAD"
)

// HasCode reports whether err carries an AppError with code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func NotFoundError(table, id string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Status:  404,
		Message: fmt.Sprintf("%s with id %s not found", table, id),
	}
}

func UnknownTableError(name string) *AppError {
	return &AppError{
		Code:    CodeUnknownTable,
		Status:  404,
		Message: fmt.Sprintf("Unknown table: %s", name),
	}
}

func UnknownExpansionError(table, path string) *AppError {
	return &AppError{
		Code:    CodeUnknownExpansion,
		Status:  500,
		Message: fmt.Sprintf("Unknown expansion %s on table %s", path, table),
	}
}

func UnknownWorkflowError(name string) *AppError {
	return &AppError{
		Code:    CodeUnknownWorkflow,
		Status:  404,
		Message: fmt.Sprintf("Unknown workflow: %s", name),
	}
}

func ValidationError(details []ErrorDetail) *AppError {
	return &AppError{
		Code:    CodeValidationFailed,
		Status:  422,
		Message: "Validation failed",
		Details: details,
	}
}

func UnauthorizedQueryError(table, msg string) *AppError {
	return &AppError{
		Code:    CodeUnauthorizedQuery,
		Status:  403,
		Message: fmt.Sprintf("Unauthorized query on %s: %s", table, msg),
	}
}

func UnauthorizedCreationError(table string) *AppError {
	return &AppError{
		Code:    CodeUnauthorizedCreation,
		Status:  403,
		Message: fmt.Sprintf("Not allowed to create records in %s", table),
	}
}

func UnauthorizedUpdateError(table, id string) *AppError {
	return &AppError{
		Code:    CodeUnauthorizedUpdate,
		Status:  403,
		Message: fmt.Sprintf("Not allowed to update %s/%s", table, id),
	}
}

func UnauthorizedDeletionError(table, id string) *AppError {
	return &AppError{
		Code:    CodeUnauthorizedDeletion,
		Status:  403,
		Message: fmt.Sprintf("Not allowed to delete %s/%s", table, id),
	}
}

func UnauthorizedError(msg string) *AppError {
	return &AppError{Code: CodeUnauthorized, Status: 401, Message: msg}
}

func ForbiddenError(msg string) *AppError {
	return &AppError{Code: CodeForbidden, Status: 403, Message: msg}
}

func InvalidPayloadError(msg string) *AppError {
	return &AppError{Code: CodeInvalidPayload, Status: 400, Message: msg}
}

// BackendFailureError wraps an adapter error.
func BackendFailureError(table, op string, err error) *AppError {
	return &AppError{
		Code:    CodeBackendFailure,
		Status:  502,
		Message: fmt.Sprintf("%s %s failed: %v", op, table, err),
		cause:   err,
	}
}

// ConfigError maps evaluator errors (unknown field or operator) to the
// matching configuration error. Other errors are returned unchanged.
func ConfigError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return err
	}
	switch {
	case errors.Is(err, query.ErrUnknownField):
		return &AppError{Code: CodeUnknownField, Status: 500, Message: err.Error(), cause: err}
	case errors.Is(err, query.ErrUnknownOperator):
		return &AppError{Code: CodeUnknownOperator, Status: 500, Message: err.Error(), cause: err}
	}
	return err
}

// backendError maps an adapter error into the taxonomy. Errors that already
// carry an AppError or an evaluator sentinel keep their meaning.
func backendError(table, op string, err error) error {
	if err == nil {
		return nil
	}
	if mapped := ConfigError(err); mapped != err {
		return mapped
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return err
	}
	return BackendFailureError(table, op, err)
}
