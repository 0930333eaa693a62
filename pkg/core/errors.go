package core

import (
	"errors"
	"fmt"
)

// Error is the error shape surfaced to connected clients. Detail carries
// optional diagnostic fields (upstream status, raw body, task ids).
type Error struct {
	Type    ErrorType      `json:"type"`
	Message string         `json:"message"`
	Param   string         `json:"param,omitempty"`
	Code    string         `json:"code,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.cause
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrProvider       ErrorType = "provider_error"
	ErrModel          ErrorType = "model_error"
	ErrTool           ErrorType = "tool_error"
	ErrAPI            ErrorType = "api_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrOverloaded     ErrorType = "overloaded_error"
)

// NewInvalidRequestError creates a validation error.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
	}
}

// NewInvalidRequestErrorWithParam creates a validation error naming the offending field.
func NewInvalidRequestErrorWithParam(message, param string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
		Param:   param,
	}
}

// NewProviderError creates a speech-provider error.
func NewProviderError(provider string, underlying error) *Error {
	return &Error{
		Type:    ErrProvider,
		Message: fmt.Sprintf("%s: %v", provider, underlying),
		cause:   underlying,
	}
}

// NewModelError wraps a language-model invocation failure.
func NewModelError(underlying error) *Error {
	msg := "model invocation failed"
	if underlying != nil {
		msg = underlying.Error()
	}
	return &Error{
		Type:    ErrModel,
		Message: msg,
		cause:   underlying,
	}
}

// NewAPIError creates a generic internal error.
func NewAPIError(message string) *Error {
	return &Error{
		Type:    ErrAPI,
		Message: message,
	}
}

// WithDetail returns e with k set in its detail map.
func (e *Error) WithDetail(k string, v any) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[k] = v
	return e
}

// Describe flattens any error into the {message, detail} pair sent on
// assistant_error events.
func Describe(err error) (string, map[string]any) {
	if err == nil {
		return "", nil
	}
	detail := map[string]any{"message": err.Error()}
	var ce *Error
	if errors.As(err, &ce) && ce != nil {
		detail["type"] = string(ce.Type)
		if ce.Code != "" {
			detail["code"] = ce.Code
		}
		if ce.Param != "" {
			detail["param"] = ce.Param
		}
		for k, v := range ce.Detail {
			detail[k] = v
		}
		detail["message"] = ce.Message
		return ce.Message, detail
	}
	return err.Error(), detail
}
