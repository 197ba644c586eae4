package radio

import (
	"errors"
	"fmt"
)

// Transport errors. Every failure returned by a Transport matches ErrTransport.
var (
	ErrTransport      = errors.New("TRANSPORT")
	ErrScanSuperseded = errors.New("scan superseded by a newer scan")
	ErrScanStopped    = errors.New("scan stopped")
	ErrNotAdvertising = errors.New("not advertising")
)

// TransportError wraps a radio stack failure with the operation that hit it.
type TransportError struct {
	Op  string // "advertise", "scan", "stop"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("radio %s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrTransport) match any TransportError.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// Wrap returns err as a TransportError for op. Nil stays nil and an existing
// TransportError is returned untouched.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}
