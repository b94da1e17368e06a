// Package axerror defines the coded errors shared by every platform service.
//
// Errors cross service boundaries as JSON {code, message, detail}; the code is
// stable and machine-matched by clients (the executor retries on some codes and
// gives up on others), so new codes are added, never renamed.
package axerror

import (
	"errors"
	"fmt"
	"net/http"
)

// AXError is a coded error. The base values below are compared by code, so
// derived errors (via New/WithDetailf) still match their base with errors.Is.
type AXError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`

	status int
}

var (
	ErrInvalidParam       = &AXError{Code: "ERR_API_INVALID_PARAM", Message: "invalid request parameter", status: http.StatusBadRequest}
	ErrResourceNotFound   = &AXError{Code: "ERR_API_RESOURCE_NOT_FOUND", Message: "resource not found", status: http.StatusNotFound}
	ErrIllegalOperation   = &AXError{Code: "ERR_AX_ILLEGAL_OPERATION", Message: "operation not permitted in current state", status: http.StatusBadRequest}
	ErrServiceUnavailable = &AXError{Code: "ERR_AX_SERVICE_UNAVAILABLE", Message: "service temporarily unavailable", status: http.StatusServiceUnavailable}
	ErrTimeout            = &AXError{Code: "ERR_AX_TIMEOUT", Message: "operation timed out", status: http.StatusInternalServerError}
	ErrConditionalUpdate  = &AXError{Code: "ERR_AX_CONDITIONAL_UPDATE_FAILURE", Message: "conditional update lost the race", status: http.StatusInternalServerError}
	ErrInternal           = &AXError{Code: "ERR_AX_INTERNAL", Message: "internal error", status: http.StatusInternalServerError}
)

func (e *AXError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Detail)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches by code so that derived errors compare equal to their base value.
func (e *AXError) Is(target error) bool {
	var ax *AXError
	if !errors.As(target, &ax) {
		return false
	}

	return e.Code == ax.Code
}

// New returns a copy of the base error carrying a detail string.
func (e *AXError) New(detail string) *AXError {
	derived := *e
	derived.Detail = detail

	return &derived
}

// WithDetailf is New with formatting.
func (e *AXError) WithDetailf(format string, args ...any) *AXError {
	return e.New(fmt.Sprintf(format, args...))
}

// WithStatus returns a copy carrying an explicit HTTP status; used when
// relaying an upstream service's response.
func (e *AXError) WithStatus(status int) *AXError {
	derived := *e
	derived.status = status

	return &derived
}

// HTTPStatus returns the status mapped to this error's code.
func (e *AXError) HTTPStatus() int {
	if e.status == 0 {
		return http.StatusInternalServerError
	}

	return e.status
}

// StatusOf maps an arbitrary error to an HTTP status. Non-AXError values are
// internal errors.
func StatusOf(err error) int {
	var ax *AXError
	if errors.As(err, &ax) {
		return ax.HTTPStatus()
	}

	return http.StatusInternalServerError
}

// Convert wraps an arbitrary error into an AXError, passing AXError values
// through untouched.
func Convert(err error) *AXError {
	if err == nil {
		return nil
	}

	var ax *AXError
	if errors.As(err, &ax) {
		return ax
	}

	return ErrInternal.New(err.Error())
}
