package a2a

import "fmt"

// ============================================================================
// PROTOCOL ERRORS
// Error is both the JSON-RPC error object and a Go error. Handlers
// return *Error values; the dispatcher writes them into the response
// envelope unchanged. errors.Is matches on code.
// ============================================================================

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// A2A protocol error codes.
const (
	CodeTaskNotFound                 = -32001
	CodeTaskNotCancelable            = -32002
	CodePushNotificationNotSupported = -32003
	CodeUnsupportedCapability        = -32004
	CodeAuthenticationRequired       = -32005
	CodeProtocolViolation            = -32006
)

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("jsonrpc error %d: %s (%v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Is matches two protocol errors by code, so
// errors.Is(err, a2a.ErrTaskNotFound) works across WithData copies.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithData returns a copy of the error with detail data attached. The
// sentinel itself is never mutated.
func (e *Error) WithData(data any) *Error {
	return &Error{Code: e.Code, Message: e.Message, Data: data}
}

// Sentinel errors, one per protocol code.
var (
	ErrParseError     = &Error{Code: CodeParseError, Message: "Invalid JSON payload"}
	ErrInvalidRequest = &Error{Code: CodeInvalidRequest, Message: "Request payload validation error"}
	ErrMethodNotFound = &Error{Code: CodeMethodNotFound, Message: "Method not found"}
	ErrInvalidParams  = &Error{Code: CodeInvalidParams, Message: "Invalid parameters"}
	ErrInternalError  = &Error{Code: CodeInternalError, Message: "Internal error"}

	ErrTaskNotFound                 = &Error{Code: CodeTaskNotFound, Message: "Task not found"}
	ErrTaskNotCancelable            = &Error{Code: CodeTaskNotCancelable, Message: "Task cannot be canceled"}
	ErrPushNotificationNotSupported = &Error{Code: CodePushNotificationNotSupported, Message: "Push notifications are not supported"}
	ErrUnsupportedCapability        = &Error{Code: CodeUnsupportedCapability, Message: "This capability is not supported"}
	ErrAuthenticationRequired       = &Error{Code: CodeAuthenticationRequired, Message: "Authentication required"}
	ErrProtocolViolation            = &Error{Code: CodeProtocolViolation, Message: "Protocol violation"}
)

// AsError coerces any Go error into a protocol error. Non-protocol
// errors become internal errors with the message preserved as data, so
// handler bugs still produce a well-formed JSON-RPC response.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*Error); ok {
		return pe
	}
	return ErrInternalError.WithData(err.Error())
}
