package normalize

import (
	"errors"
	"fmt"
)

// MalformedError reports a recognized conversion event that could not be
// normalized. Such events are dropped and logged, never emitted.
type MalformedError struct {
	Field  string
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed %s: %s", e.Field, e.Reason)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// IsMalformed reports whether err (or anything it wraps) is a MalformedError.
func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}

func malformed(field, reason string, err error) *MalformedError {
	return &MalformedError{Field: field, Reason: reason, Err: err}
}
