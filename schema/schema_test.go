package schema_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/tzgw/schema"
)

func strPtr(s string) *string { return &s }

func TestValidateInput_NoSchemaRequiresStrings(t *testing.T) {
	input := schema.Input{
		Messages: []schema.Message{
			{Role: schema.RoleUser, Content: []schema.ContentBlock{schema.TextBlock{Text: strPtr("hello")}}},
		},
	}
	require.NoError(t, schema.ValidateInput(input, nil))
}

func TestValidateInput_ArgumentsWithoutSchemaFails(t *testing.T) {
	input := schema.Input{
		Messages: []schema.Message{
			{Role: schema.RoleUser, Content: []schema.ContentBlock{schema.TextBlock{Arguments: json.RawMessage(`{"a":1}`)}}},
		},
	}
	err := schema.ValidateInput(input, nil)
	require.Error(t, err)
}

func TestValidateInput_RawTextBypassesSchema(t *testing.T) {
	schemas, err := schema.CompileSchemas(nil, json.RawMessage(`{"type":"object","required":["name"]}`), nil)
	require.NoError(t, err)
	input := schema.Input{
		Messages: []schema.Message{
			{Role: schema.RoleUser, Content: []schema.ContentBlock{schema.RawTextBlock{Value: "anything goes"}}},
		},
	}
	require.NoError(t, schema.ValidateInput(input, schemas))
}

func TestValidateInput_ArgumentsValidatedAgainstRoleSchema(t *testing.T) {
	schemas, err := schema.CompileSchemas(nil, json.RawMessage(`{"type":"object","required":["name","age"]}`), nil)
	require.NoError(t, err)

	ok := schema.Input{Messages: []schema.Message{
		{Role: schema.RoleUser, Content: []schema.ContentBlock{schema.TextBlock{Arguments: json.RawMessage(`{"name":"Jerry","age":30}`)}}},
	}}
	require.NoError(t, schema.ValidateInput(ok, schemas))

	bad := schema.Input{Messages: []schema.Message{
		{Role: schema.RoleUser, Content: []schema.ContentBlock{schema.TextBlock{Arguments: json.RawMessage(`{"name":"Jerry"}`)}}},
	}}
	err = schema.ValidateInput(bad, schemas)
	require.Error(t, err)
	var verr *schema.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, schema.ValidationErrorKindJSONSchema, verr.Kind)
	require.Equal(t, 0, verr.MessageIndex)
}

func TestValidateInput_SystemObjectWithoutSchemaFails(t *testing.T) {
	input := schema.Input{System: &schema.SystemContent{Object: json.RawMessage(`{"a":1}`)}}
	err := schema.ValidateInput(input, nil)
	require.Error(t, err)
}

func TestValidateInput_SystemSchemaWithoutContentFails(t *testing.T) {
	schemas, err := schema.CompileSchemas(json.RawMessage(`{"type":"object"}`), nil, nil)
	require.NoError(t, err)
	err = schema.ValidateInput(schema.Input{}, schemas)
	require.Error(t, err)
}

func TestValidateInput_MultipleTextBlocksIndependentlyValidated(t *testing.T) {
	schemas, err := schema.CompileSchemas(nil, json.RawMessage(`{"type":"string","minLength":3}`), nil)
	require.NoError(t, err)
	input := schema.Input{Messages: []schema.Message{
		{Role: schema.RoleUser, Content: []schema.ContentBlock{
			schema.TextBlock{Text: strPtr("hello")},
			schema.TextBlock{Text: strPtr("hi")},
		}},
	}}
	err = schema.ValidateInput(input, schemas)
	require.Error(t, err)
}

func TestValidateInput_IdempotentAcrossRuns(t *testing.T) {
	schemas, err := schema.CompileSchemas(nil, json.RawMessage(`{"type":"string"}`), nil)
	require.NoError(t, err)
	input := schema.Input{Messages: []schema.Message{
		{Role: schema.RoleUser, Content: []schema.ContentBlock{schema.TextBlock{Text: strPtr("hi")}}},
	}}
	require.NoError(t, schema.ValidateInput(input, schemas))
	require.NoError(t, schema.ValidateInput(input, schemas))
}
