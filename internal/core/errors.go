package core

import (
	"errors"
	"fmt"

	"chorus/server/internal/protocol"
)

// Error is a per-message failure with a protocol code. The message is what
// clients see in ack replies; the code is for router-side classification.
type Error struct {
	Code    protocol.Code
	Message string
}

func (e *Error) Error() string { return e.Message }

// Errf builds a coded error.
func Errf(code protocol.Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the protocol code from err, defaulting to Transient.
func CodeOf(err error) protocol.Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return protocol.CodeTransient
}
