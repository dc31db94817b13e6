package function_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/tzgw/function"
)

// TestExtractJSONOutput_TextThenToolCall validates spec.md §8 property 6's
// first case: raw equals the tool-call arguments, index is 1, auxiliary
// contains only the text block.
func TestExtractJSONOutput_TextThenToolCall(t *testing.T) {
	content := []function.OutputBlock{
		function.TextOutput{Text: "Hello"},
		function.ToolCallOutput{ID: "t1", Name: "f", Arguments: `{"a":1}`},
	}
	raw, aux, index := function.ExtractJSONOutput(content)
	require.NotNil(t, raw)
	require.Equal(t, `{"a":1}`, *raw)
	require.Equal(t, 1, index)
	require.Equal(t, []function.OutputBlock{content[0]}, aux)
}

// TestExtractJSONOutput_OnlyThoughts validates property 6's second case:
// no qualifying block means raw output is absent.
func TestExtractJSONOutput_OnlyThoughts(t *testing.T) {
	content := []function.OutputBlock{
		function.ThoughtOutput{Text: "thinking"},
		function.ThoughtOutput{Text: "more thinking"},
	}
	raw, aux, index := function.ExtractJSONOutput(content)
	require.Nil(t, raw)
	require.Equal(t, -1, index)
	require.Equal(t, content, aux)
}

// TestExtractJSONOutput_LastTextWins validates property 6's third case:
// among multiple text blocks the last one is selected.
func TestExtractJSONOutput_LastTextWins(t *testing.T) {
	content := []function.OutputBlock{
		function.TextOutput{Text: "A"},
		function.TextOutput{Text: "B"},
	}
	raw, aux, index := function.ExtractJSONOutput(content)
	require.NotNil(t, raw)
	require.Equal(t, "B", *raw)
	require.Equal(t, 1, index)
	require.Equal(t, []function.OutputBlock{content[0]}, aux)
}

func jsonFunction(outputSchema string) *function.Function {
	return &function.Function{
		Name:         "structured",
		Kind:         function.KindJSON,
		OutputSchema: []byte(outputSchema),
	}
}

// TestPrepareResponse_Json_ValidParse validates spec.md §8 scenario S2's
// success case.
func TestPrepareResponse_Json_ValidParse(t *testing.T) {
	f := jsonFunction(`{"type":"object","required":["name","age"]}`)
	_, result, err := function.PrepareResponse(context.Background(), f, function.AssemblyInput{
		Content: []function.OutputBlock{function.TextOutput{Text: `{"name":"Jerry","age":30}`}},
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	require.JSONEq(t, `{"name":"Jerry","age":30}`, string(result.Parsed))
	require.NotNil(t, result.Raw)
}

// TestPrepareResponse_Json_SchemaFailureKeepsRaw validates scenario S2's
// failure case: parsed is absent but raw is retained.
func TestPrepareResponse_Json_SchemaFailureKeepsRaw(t *testing.T) {
	f := jsonFunction(`{"type":"object","required":["name","age"],"properties":{"age":{"type":"integer"}}}`)
	_, result, err := function.PrepareResponse(context.Background(), f, function.AssemblyInput{
		Content: []function.OutputBlock{function.TextOutput{Text: `{"name":"Jerry","age":"thirty"}`}},
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Nil(t, result.Parsed)
	require.NotNil(t, result.Raw)
	require.Equal(t, `{"name":"Jerry","age":"thirty"}`, *result.Raw)
}

func TestPrepareResponse_Json_UnparsableRawIsKeptWithoutParsed(t *testing.T) {
	f := jsonFunction(`{"type":"object"}`)
	_, result, err := function.PrepareResponse(context.Background(), f, function.AssemblyInput{
		Content: []function.OutputBlock{function.TextOutput{Text: `not json`}},
	})
	require.NoError(t, err)
	require.Nil(t, result.Parsed)
	require.Equal(t, "not json", *result.Raw)
}

func TestPrepareResponse_Chat_PassesContentThrough(t *testing.T) {
	f := &function.Function{Kind: function.KindChat}
	chat, _, err := function.PrepareResponse(context.Background(), f, function.AssemblyInput{
		Content:      []function.OutputBlock{function.TextOutput{Text: "hi"}},
		Usage:        function.Usage{InputTokens: 3, OutputTokens: 4},
		FinishReason: function.FinishStop,
	})
	require.NoError(t, err)
	require.Equal(t, []function.OutputBlock{function.TextOutput{Text: "hi"}}, chat.Content)
	require.Equal(t, function.FinishStop, chat.FinishReason)
	require.NotEqual(t, chat.InferenceID.String(), "")
}

func TestPrepareResponse_Json_DynamicSchemaOverridesStatic(t *testing.T) {
	f := jsonFunction(`{"type":"object","required":["name"]}`)
	_, result, err := function.PrepareResponse(context.Background(), f, function.AssemblyInput{
		Content:             []function.OutputBlock{function.TextOutput{Text: `{"other":1}`}},
		DynamicOutputSchema: []byte(`{"type":"object","required":["other"]}`),
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"other":1}`, string(result.Parsed))
}
