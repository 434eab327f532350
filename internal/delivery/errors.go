package delivery

import (
	"errors"
	"fmt"
)

// SendError describes a failed request to the collector or one of its
// side endpoints.
type SendError struct {
	// Code identifies the failure category.
	Code ErrorCode

	// Status is the HTTP status for ErrCodeStatus, zero otherwise.
	Status int

	// Endpoint names the request that failed ("collector", "pixel", "init").
	Endpoint string

	Err error
}

// ErrorCode categorizes send failures.
type ErrorCode string

const (
	// ErrCodeNetwork covers connection and transport failures.
	ErrCodeNetwork ErrorCode = "NETWORK"

	// ErrCodeStatus means the server answered with a non-2xx status.
	ErrCodeStatus ErrorCode = "STATUS"

	// ErrCodeEncode means the request could not be built.
	ErrCodeEncode ErrorCode = "ENCODE"

	// ErrCodeTimeout means the request did not finish within the timeout.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
)

func (e *SendError) Error() string {
	switch {
	case e.Code == ErrCodeStatus:
		return fmt.Sprintf("%s: %s: status %d", e.Code, e.Endpoint, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Endpoint, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Endpoint)
	}
}

func (e *SendError) Unwrap() error { return e.Err }

func hasCode(err error, code ErrorCode) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsTimeout reports whether err is a send timeout.
func IsTimeout(err error) bool { return hasCode(err, ErrCodeTimeout) }

// IsStatus reports whether err is a non-2xx answer.
func IsStatus(err error) bool { return hasCode(err, ErrCodeStatus) }

// IsNetwork reports whether err is a transport failure.
func IsNetwork(err error) bool { return hasCode(err, ErrCodeNetwork) }

// IsEncode reports whether err happened before anything was sent.
func IsEncode(err error) bool { return hasCode(err, ErrCodeEncode) }
