package schema

import "fmt"

// ValidationErrorKind classifies why ValidateInput rejected an Input.
type ValidationErrorKind string

const (
	// ValidationErrorKindInvalidMessage indicates a message shape is
	// malformed independent of any JSON Schema (for example, a system
	// object supplied without a system schema).
	ValidationErrorKindInvalidMessage ValidationErrorKind = "invalid_message"

	// ValidationErrorKindJSONSchema indicates content failed JSON Schema
	// validation against the configured per-role schema.
	ValidationErrorKindJSONSchema ValidationErrorKind = "json_schema_validation"
)

// ValidationError reports a schema or shape violation in an Input, including
// the offending message index and role so callers can point at the exact
// failure.
type ValidationError struct {
	Kind          ValidationErrorKind
	MessageIndex  int // -1 for the system field
	Role          Role
	Reason        string
	SchemaFailure error
}

func (e *ValidationError) Error() string {
	loc := "system"
	if e.MessageIndex >= 0 {
		loc = fmt.Sprintf("messages[%d] (%s)", e.MessageIndex, e.Role)
	}
	if e.SchemaFailure != nil {
		return fmt.Sprintf("%s: %s: %v", loc, e.Reason, e.SchemaFailure)
	}
	return fmt.Sprintf("%s: %s", loc, e.Reason)
}

// Unwrap exposes the underlying jsonschema validation failure, if any.
func (e *ValidationError) Unwrap() error { return e.SchemaFailure }
