package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// RequestError is returned for every failed REST call: transport failures
// carry Err, non-2xx responses carry StatusCode.
type RequestError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func newStatusError(statusCode int, message string) *RequestError {
	if message == "" {
		message = lower(http.StatusText(statusCode))
	}
	return &RequestError{
		StatusCode: statusCode,
		Message:    message,
	}
}

func newTransportError(message string, err error) *RequestError {
	return &RequestError{
		Message: message,
		Err:     err,
	}
}

// IsConflict reports whether err is a 409 response, which callers treat as
// "already in the desired state".
func IsConflict(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && re.StatusCode == http.StatusConflict
}

// IsRetryable reports whether retrying the same request could succeed.
func IsRetryable(err error) bool {
	var re *RequestError
	if !errors.As(err, &re) || errors.Is(err, context.Canceled) {
		return false
	}

	switch {
	case re.StatusCode == 0:
		return true
	case re.StatusCode == http.StatusTooManyRequests:
		return true
	case re.StatusCode >= http.StatusInternalServerError:
		return true
	}
	return false
}
