package wirebus

import "fmt"

// Code classifies bus errors. Codes travel on the RPC wire and survive
// round trips between client and server.
type Code string

const (
	CodeValidationFailed   Code = "validation-failed"
	CodeTimeout            Code = "timeout"
	CodeConnectionFailed   Code = "connection-failed"
	CodeVersionMismatch    Code = "version-mismatch"
	CodeDescriptorMismatch Code = "descriptor-mismatch"
	CodeMissingHandler     Code = "missing-handler"
	CodeUnknownEndpoint    Code = "unknown-endpoint"
)

// Error is the bus error type. Endpoint is set when the failure is
// scoped to one endpoint.
type Error struct {
	Code     Code
	Endpoint string
	Message  string
	cause    error
}

// NewError builds an Error. The endpoint may be empty.
func NewError(code Code, endpoint, message string) *Error {
	return &Error{Code: code, Endpoint: endpoint, Message: message}
}

// Errorf builds an Error with a formatted message. A %w verb wraps the
// cause for errors.Unwrap.
func Errorf(code Code, endpoint, format string, args ...any) *Error {
	wrapped := fmt.Errorf(format, args...)
	e := &Error{Code: code, Endpoint: endpoint, Message: wrapped.Error()}
	if u, ok := wrapped.(interface{ Unwrap() error }); ok {
		e.cause = u.Unwrap()
	}
	return e
}

func (e *Error) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Code, e.Endpoint, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches another *Error by code, and by endpoint when the target
// names one. errors.Is(err, &Error{Code: CodeTimeout}) checks the code
// alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	if t.Endpoint != "" && t.Endpoint != e.Endpoint {
		return false
	}
	return true
}

// IsCode reports whether err carries the given bus code.
func IsCode(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code == code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// WireError is the serialized form carried in rpc:res frames.
type WireError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// Wire converts for the rpc:res err field.
func (e *Error) Wire() *WireError {
	return &WireError{
		Name:    string(e.Code),
		Message: e.Message,
		Code:    string(e.Code),
	}
}

// WrapWireError converts an arbitrary handler error for the wire,
// preserving bus codes and stamping everything else as a plain error.
func WrapWireError(err error, stack string) *WireError {
	if err == nil {
		return nil
	}
	if be, ok := err.(*Error); ok {
		w := be.Wire()
		w.Stack = stack
		return w
	}
	return &WireError{Name: "Error", Message: err.Error(), Stack: stack}
}

// Err converts a wire error back into the client-side error value.
func (w *WireError) Err(endpoint string) error {
	if w.Code != "" {
		return &Error{Code: Code(w.Code), Endpoint: endpoint, Message: w.Message}
	}
	return fmt.Errorf("%s: %s", endpoint, w.Message)
}
