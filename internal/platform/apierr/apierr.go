// Package apierr pairs a failure with the HTTP status and stable code it
// should surface as. The auth middleware and the gaze handlers build these
// for errors whose transport shape is already known at the point of failure,
// like a rejected token or a malformed snapshot batch.
package apierr

import "fmt"

// Error wraps the cause together with its response status and a
// machine-readable code such as "invalid_token" or "therapist_only".
type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}
