package backend

import (
	"errors"
	"fmt"
)

// Normalized backend errors.
var (
	// ErrValidation covers network failures, timeouts, non-2xx responses and
	// undecodable bodies on the validation round trip.
	ErrValidation = errors.New("VALIDATION")

	// ErrProtocol means the backend answered but the verdict was neither
	// "match" nor "badmatch".
	ErrProtocol = errors.New("PROTOCOL")

	// ErrUpload covers failures of the SVG fragment upload.
	ErrUpload = errors.New("UPLOAD")
)

// Error wraps a backend failure with the operation and HTTP status.
type Error struct {
	Op     string // "user_found", "add_svg"
	Code   error  // ErrValidation, ErrProtocol or ErrUpload
	Status int    // HTTP status, 0 when no response was received
	Err    error  // underlying cause
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("backend %s: %v", e.Op, e.Code)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap returns both the normalized code and the cause so errors.Is
// matches either.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Code}
	}
	return []error{e.Code, e.Err}
}
