package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorInfo is the identity of an error as it crosses the boundary.
type ErrorInfo struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Error is an error reconstructed from an ErrorInfo on the receiving side.
type Error struct {
	Name    string
	Message string
	Stack   string
}

func (e *Error) Error() string {
	if e.Name == "" || e.Name == "Error" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// Err rebuilds an error value with the same name, message and stack.
func (i ErrorInfo) Err() error {
	name := i.Name
	if name == "" {
		name = "Error"
	}
	return &Error{Name: name, Message: i.Message, Stack: i.Stack}
}

// Named is implemented by errors that carry their own error name.
type Named interface {
	ErrorName() string
}

// Stacked is implemented by errors that captured a stack trace.
type Stacked interface {
	ErrorStack() string
}

// FromError captures the identity of err for the wire.
func FromError(err error) ErrorInfo {
	if err == nil {
		return ErrorInfo{Name: "Error"}
	}
	var pe *Error
	if errors.As(err, &pe) {
		return ErrorInfo{Name: pe.Name, Message: pe.Message, Stack: pe.Stack}
	}

	info := ErrorInfo{Name: "Error", Message: err.Error()}
	var named Named
	var stacked Stacked
	switch {
	case errors.As(err, &named):
		info.Name = named.ErrorName()
	case errors.Is(err, context.Canceled):
		info.Name = "AbortError"
	case errors.Is(err, context.DeadlineExceeded):
		info.Name = "TimeoutError"
	}
	// Drop the "Name: " prefix some errors render, so the name is not
	// repeated when the receiving side rebuilds the error.
	info.Message = strings.TrimPrefix(info.Message, info.Name+": ")
	if errors.As(err, &stacked) {
		info.Stack = stacked.ErrorStack()
	}
	return info
}

// TypeError is a script-visible misuse of an API, named after its JavaScript
// counterpart so it round-trips with the same name.
type TypeError struct {
	Message string
}

func (e *TypeError) Error() string     { return "TypeError: " + e.Message }
func (e *TypeError) ErrorName() string { return "TypeError" }

// Violation is the panic value raised when a peer breaks the protocol. These
// indicate a bug in the bridge itself and are never recovered.
type Violation struct {
	Message string
}

func (v Violation) Error() string { return "protocol violation: " + v.Message }

// Violationf panics with a Violation.
func Violationf(format string, args ...any) {
	panic(Violation{Message: fmt.Sprintf(format, args...)})
}
