package client

import (
	"context"
	"errors"
	"fmt"

	"goa.design/tzgw/auth"
	"goa.design/tzgw/function"
	"goa.design/tzgw/provider"
	"goa.design/tzgw/schema"
	"goa.design/tzgw/variant"
)

// ErrorKind names the abstract error categories spec.md §7 enumerates. The
// kind, not any concrete Go type, is what callers branch on.
type ErrorKind string

const (
	ErrorKindInvalidRequest          ErrorKind = "invalid_request"
	ErrorKindInvalidMessage          ErrorKind = "invalid_message"
	ErrorKindJSONSchemaValidation    ErrorKind = "json_schema_validation"
	ErrorKindInvalidFunctionVariants ErrorKind = "invalid_function_variants"
	ErrorKindAPIKeyMissing           ErrorKind = "api_key_missing"
	ErrorKindBadCredentialsPre       ErrorKind = "bad_credentials_pre_inference"
	ErrorKindInvalidAuthToken        ErrorKind = "invalid_auth_token"
	ErrorKindInferenceServer         ErrorKind = "inference_server"
	ErrorKindRequestTimeout          ErrorKind = "request_timeout"
	ErrorKindSerialization           ErrorKind = "serialization"
	ErrorKindConfig                  ErrorKind = "config"
	ErrorKindStreamError             ErrorKind = "stream_error"
)

// Error is the HTTP-shaped error the dispatcher returns for every failure,
// in both modes, per spec.md §7: "Errors returned by the embedded core are
// re-shaped by the dispatcher into an HTTP-shaped error carrying a status
// code derived from the error kind, even in embedded mode, so that callers
// observe a uniform surface."
type Error struct {
	Kind       ErrorKind
	HTTPStatus int
	Message    string

	// RawRequest/RawResponse are populated only when Kind is
	// InferenceServer, and then always: classify copies them from the
	// provider error with no verbose/compact display switch.
	RawRequest  []byte
	RawResponse []byte

	Cause error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("client: %s (%s, status %d)", e.Message, e.Kind, e.HTTPStatus)
	}
	if e.Cause != nil {
		return fmt.Sprintf("client: %s (%s, status %d)", e.Cause.Error(), e.Kind, e.HTTPStatus)
	}
	return fmt.Sprintf("client: %s error (status %d)", e.Kind, e.HTTPStatus)
}

func (e *Error) Unwrap() error { return e.Cause }

// classify re-shapes any error the embedded core can produce into an
// *Error per spec.md §7's propagation policy. A value already an *Error is
// returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var asErr *Error
	if errors.As(err, &asErr) {
		return asErr
	}

	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		kind := ErrorKindInvalidMessage
		if verr.Kind == schema.ValidationErrorKindJSONSchema {
			kind = ErrorKindJSONSchemaValidation
		}
		return &Error{Kind: kind, HTTPStatus: 400, Message: verr.Error(), Cause: err}
	}

	var verrVariant *variant.InvalidFunctionVariantsError
	if errors.As(err, &verrVariant) {
		return &Error{Kind: ErrorKindInvalidFunctionVariants, HTTPStatus: 400, Message: verrVariant.Error(), Cause: err}
	}

	var cerr *function.ConfigError
	if errors.As(err, &cerr) {
		return &Error{Kind: ErrorKindInvalidRequest, HTTPStatus: 400, Message: cerr.Error(), Cause: err}
	}

	if errors.Is(err, auth.ErrAPIKeyMissing) {
		return &Error{Kind: ErrorKindAPIKeyMissing, HTTPStatus: 401, Message: err.Error(), Cause: err}
	}
	if errors.Is(err, auth.ErrInvalidAuthToken) {
		return &Error{Kind: ErrorKindInvalidAuthToken, HTTPStatus: 401, Message: err.Error(), Cause: err}
	}
	if errors.Is(err, auth.ErrAdminTokenNotConfigured) {
		return &Error{Kind: ErrorKindConfig, HTTPStatus: 500, Message: err.Error(), Cause: err}
	}

	var credErr *provider.ErrAPIKeyMissing
	if errors.As(err, &credErr) {
		return &Error{Kind: ErrorKindBadCredentialsPre, HTTPStatus: 401, Message: credErr.Error(), Cause: err}
	}

	var perr *provider.Error
	if errors.As(err, &perr) {
		return &Error{
			Kind:        ErrorKindInferenceServer,
			HTTPStatus:  providerHTTPStatus(perr),
			Message:     perr.Error(),
			RawRequest:  perr.RawRequest,
			RawResponse: perr.RawResponse,
			Cause:       err,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrorKindRequestTimeout, HTTPStatus: 504, Message: "request exceeded its configured timeout", Cause: err}
	}

	return &Error{Kind: ErrorKindSerialization, HTTPStatus: 500, Message: err.Error(), Cause: err}
}

// providerHTTPStatus derives an HTTP status from a provider error when the
// adapter didn't already attach a concrete one (adapters built on an HTTP
// SDK, like openai, usually do; others classify by error code instead).
func providerHTTPStatus(perr *provider.Error) int {
	if perr.HTTPStatus != 0 {
		return perr.HTTPStatus
	}
	switch perr.Kind {
	case provider.ErrorKindAuth:
		return 401
	case provider.ErrorKindInvalidRequest:
		return 400
	case provider.ErrorKindRateLimited:
		return 429
	case provider.ErrorKindUnavailable:
		return 503
	case provider.ErrorKindUnsupportedOp:
		return 501
	default:
		return 502
	}
}
