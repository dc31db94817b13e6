package schema

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schemas holds the compiled per-role schemas for a function. A nil *Schemas
// field means no schema was configured for that role; callers then require
// plain-string content instead.
type Schemas struct {
	System    *jsonschema.Schema
	User      *jsonschema.Schema
	Assistant *jsonschema.Schema
}

// CompileSchemas compiles the raw JSON Schema documents configured for a
// function's system/user/assistant roles. Any of the three may be nil/empty,
// in which case the corresponding Schemas field is left nil. Compilation
// happens once, at function construction time, since Config (and therefore
// Function) is immutable for the lifetime of the process.
func CompileSchemas(system, user, assistant json.RawMessage) (*Schemas, error) {
	out := &Schemas{}
	var err error
	if out.System, err = compileOne("system_schema", system); err != nil {
		return nil, err
	}
	if out.User, err = compileOne("user_schema", user); err != nil {
		return nil, err
	}
	if out.Assistant, err = compileOne("assistant_schema", assistant); err != nil {
		return nil, err
	}
	return out, nil
}

// CompileOne compiles a single ad-hoc JSON Schema document, for callers
// that need to validate against a schema outside the system/user/assistant
// triple (for example, a Json function's dynamic per-request output
// schema override).
func CompileOne(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	return compileOne(name, raw)
}

func compileOne(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add %s resource: %w", name, err)
	}
	sch, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return sch, nil
}

func roleSchema(schemas *Schemas, role Role) *jsonschema.Schema {
	if schemas == nil {
		return nil
	}
	switch role {
	case RoleUser:
		return schemas.User
	case RoleAssistant:
		return schemas.Assistant
	default:
		return nil
	}
}

// ValidateInput checks input against schemas per spec.md §4.1:
//
//   - System content must validate against the system schema iff one is
//     configured; absent both is fine, and a system object without a schema
//     fails.
//   - Each non-RawText text block in a message is validated: Arguments is
//     checked as a JSON object, Text is checked as a JSON string, against the
//     role's schema when configured. With no schema configured, Text must be
//     a plain string (Arguments is always rejected in that case) and
//     RawText is never checked.
//
// Validation is pure and side-effect free; calling it twice on the same
// input and schemas is equivalent to calling it once.
func ValidateInput(input Input, schemas *Schemas) error {
	if err := validateSystem(input.System, schemas); err != nil {
		return err
	}
	for i, msg := range input.Messages {
		if err := validateMessage(i, msg, schemas); err != nil {
			return err
		}
	}
	return nil
}

func validateSystem(sys *SystemContent, schemas *Schemas) error {
	var sysSchema *jsonschema.Schema
	if schemas != nil {
		sysSchema = schemas.System
	}
	if sys == nil {
		if sysSchema != nil {
			return &ValidationError{
				Kind:         ValidationErrorKindInvalidMessage,
				MessageIndex: -1,
				Reason:       "system_schema is configured but no system content was supplied",
			}
		}
		return nil
	}
	if sysSchema == nil {
		if sys.Object != nil {
			return &ValidationError{
				Kind:         ValidationErrorKindInvalidMessage,
				MessageIndex: -1,
				Reason:       "system content is an object but no system_schema is configured",
			}
		}
		return nil
	}
	if sys.Object == nil {
		return &ValidationError{
			Kind:         ValidationErrorKindInvalidMessage,
			MessageIndex: -1,
			Reason:       "system_schema is configured but system content is not an object",
		}
	}
	var doc any
	if err := json.Unmarshal(sys.Object, &doc); err != nil {
		return &ValidationError{Kind: ValidationErrorKindInvalidMessage, MessageIndex: -1, Reason: "system content is not valid JSON", SchemaFailure: err}
	}
	if err := sysSchema.Validate(doc); err != nil {
		return &ValidationError{Kind: ValidationErrorKindJSONSchema, MessageIndex: -1, Reason: "system content failed schema validation", SchemaFailure: err}
	}
	return nil
}

func validateMessage(index int, msg Message, schemas *Schemas) error {
	roleSch := roleSchema(schemas, msg.Role)
	for _, block := range msg.Content {
		text, ok := block.(TextBlock)
		if !ok {
			// RawText and non-text blocks are not schema-checked.
			continue
		}
		if err := validateTextBlock(index, msg.Role, text, roleSch); err != nil {
			return err
		}
	}
	return nil
}

func validateTextBlock(index int, role Role, text TextBlock, roleSch *jsonschema.Schema) error {
	switch {
	case text.Arguments != nil:
		var doc any
		if err := json.Unmarshal(text.Arguments, &doc); err != nil {
			return &ValidationError{Kind: ValidationErrorKindInvalidMessage, MessageIndex: index, Role: role, Reason: "arguments is not valid JSON", SchemaFailure: err}
		}
		if _, isObj := doc.(map[string]any); !isObj {
			return &ValidationError{Kind: ValidationErrorKindInvalidMessage, MessageIndex: index, Role: role, Reason: "arguments must be a JSON object"}
		}
		if roleSch == nil {
			return &ValidationError{Kind: ValidationErrorKindInvalidMessage, MessageIndex: index, Role: role, Reason: "structured arguments supplied but no schema is configured for this role"}
		}
		if err := roleSch.Validate(doc); err != nil {
			return &ValidationError{Kind: ValidationErrorKindJSONSchema, MessageIndex: index, Role: role, Reason: "arguments failed schema validation", SchemaFailure: err}
		}
		return nil
	case text.Text != nil:
		if roleSch == nil {
			// No schema configured: plain string content is always accepted.
			return nil
		}
		if err := roleSch.Validate(*text.Text); err != nil {
			return &ValidationError{Kind: ValidationErrorKindJSONSchema, MessageIndex: index, Role: role, Reason: "text failed schema validation", SchemaFailure: err}
		}
		return nil
	default:
		return &ValidationError{Kind: ValidationErrorKindInvalidMessage, MessageIndex: index, Role: role, Reason: "text block has neither text nor arguments set"}
	}
}
