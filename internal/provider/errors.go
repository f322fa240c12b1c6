package provider

import (
	"errors"
	"fmt"
)

// ErrTransient and ErrPermanent classify provider failures. An *Error
// matches one of them through errors.Is.
var (
	ErrTransient = errors.New("transient provider error")
	ErrPermanent = errors.New("permanent provider error")
)

type Error struct {
	Code       string
	StatusCode int
	Message    string
	Body       string
	Retryable  bool
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider API error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider request failed: %s", e.Message)
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Retryable
	case ErrPermanent:
		return !e.Retryable
	}
	return false
}

// RetryableStatus reports whether an HTTP status is worth retrying.
func RetryableStatus(code int) bool { return code == 429 || code >= 500 }

// IsRetryable classifies err. Errors that carry no classification, such as
// transport failures, are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return !errors.Is(err, ErrPermanent)
}

// ErrorCode is the short code recorded in the delivery log: http_<status>
// when a response was received, the error code otherwise.
func ErrorCode(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		if pe.StatusCode > 0 {
			return fmt.Sprintf("http_%d", pe.StatusCode)
		}
		if pe.Code != "" {
			return pe.Code
		}
	}
	return CodeRequestError
}

const (
	CodeRequestError = "request_error"
	CodeAPIError     = "api_error"
)
