package core

import (
	"errors"
	"fmt"
)

// Error is the typed error carried across the realtime session surface.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
	Param   string    `json:"param,omitempty"`
	cause   error
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
	// ErrDevice covers microphone/speaker acquisition and permission failures.
	ErrDevice ErrorType = "device_error"
	// ErrConnect covers transport establishment failures.
	ErrConnect ErrorType = "connect_error"
	// ErrTool covers unknown tool names and tool handler failures.
	ErrTool ErrorType = "tool_error"
	// ErrProtocol covers malformed or unexpected inbound frames.
	ErrProtocol ErrorType = "protocol_error"
	// ErrInvalidRequest covers caller misuse of the local API.
	ErrInvalidRequest ErrorType = "invalid_request_error"
	// ErrClosed is returned by operations on a session that has disconnected.
	ErrClosed ErrorType = "session_closed"
)

// NewDeviceError creates a device error wrapping the underlying cause.
func NewDeviceError(message string, cause error) *Error {
	return &Error{Type: ErrDevice, Message: message, cause: cause}
}

// NewConnectError creates a connect error wrapping the underlying cause.
func NewConnectError(message string, cause error) *Error {
	return &Error{Type: ErrConnect, Message: message, cause: cause}
}

// NewToolError creates a tool error.
func NewToolError(message, code string) *Error {
	return &Error{Type: ErrTool, Message: message, Code: code}
}

// NewProtocolError creates a protocol error wrapping the underlying cause.
func NewProtocolError(message string, cause error) *Error {
	return &Error{Type: ErrProtocol, Message: message, cause: cause}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// NewClosedError creates a session-closed error.
func NewClosedError(message string) *Error {
	return &Error{Type: ErrClosed, Message: message}
}

// IsType reports whether err is (or wraps) an *Error of the given type.
func IsType(err error, t ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == t
	}
	return false
}

// IsFatal reports whether an error should terminate the session. Tool and
// protocol errors are absorbed in-band; a long-lived session must survive them.
func IsFatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		switch e.Type {
		case ErrTool, ErrProtocol:
			return false
		}
	}
	return true
}
