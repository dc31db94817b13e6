package provider

import (
	"errors"
	"fmt"
)

// ErrorKind classifies provider failures into a small set of categories
// suitable for retry decisions.
type ErrorKind string

const (
	ErrorKindAuth           ErrorKind = "auth"
	ErrorKindInvalidRequest ErrorKind = "invalid_request"
	ErrorKindRateLimited    ErrorKind = "rate_limited"
	ErrorKindUnavailable    ErrorKind = "unavailable"
	ErrorKindUnsupportedOp  ErrorKind = "unsupported_operation"
	ErrorKindUpstreamFormat ErrorKind = "upstream_format"
	ErrorKindUnknown        ErrorKind = "unknown"
)

// Error describes a failure returned by a model provider. It crosses
// package boundaries so the gateway core and clients can surface stable,
// structured information without depending on any single SDK's error type.
type Error struct {
	Provider    string
	Operation   string
	HTTPStatus  int
	Kind        ErrorKind
	Code        string
	Message     string
	RequestID   string
	Retryable   bool
	RawRequest  []byte
	RawResponse []byte
	Cause       error
}

func (e *Error) Error() string {
	op := e.Operation
	if op == "" {
		op = "request"
	}
	status := ""
	if e.HTTPStatus > 0 {
		status = fmt.Sprintf("%d ", e.HTTPStatus)
	}
	code := ""
	if e.Code != "" {
		code = e.Code + ": "
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	return fmt.Sprintf("%s %s %s(%s): %s", e.Provider, e.Kind, status, op, code+msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// AsError returns the first *Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ErrUnsupportedOperation is returned by StartBatch/PollBatch for adapters
// that do not implement batch inference.
func ErrUnsupportedOperation(providerName, operation string) *Error {
	return &Error{Provider: providerName, Operation: operation, Kind: ErrorKindUnsupportedOp, Message: "operation not supported by this provider"}
}
