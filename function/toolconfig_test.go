package function_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/tzgw/function"
)

func chatFunction() *function.Function {
	return &function.Function{
		Name:      "chatty",
		Kind:      function.KindChat,
		ToolNames: []string{"search"},
	}
}

func staticTools() map[string]function.Tool {
	return map[string]function.Tool{
		"search": {Name: "search", Description: "Search the web"},
		"lookup": {Name: "lookup", Description: "Lookup a record"},
	}
}

func TestPrepareToolConfig_CombinesStaticAndAdditional(t *testing.T) {
	cfg, err := function.PrepareToolConfig(chatFunction(), function.DynamicParams{
		AdditionalTools: []function.Tool{{Name: "lookup"}},
	}, staticTools())
	require.NoError(t, err)
	require.Len(t, cfg.Tools, 2)
}

func TestPrepareToolConfig_UnknownStaticToolIsConfigError(t *testing.T) {
	f := chatFunction()
	f.ToolNames = []string{"nonexistent"}
	_, err := function.PrepareToolConfig(f, function.DynamicParams{}, staticTools())
	require.Error(t, err)
	var cerr *function.ConfigError
	require.ErrorAs(t, err, &cerr)
}

func TestPrepareToolConfig_AllowedToolsIntersects(t *testing.T) {
	f := chatFunction()
	f.ToolNames = []string{"search", "lookup"}
	cfg, err := function.PrepareToolConfig(f, function.DynamicParams{
		AllowedTools: []string{"lookup"},
	}, staticTools())
	require.NoError(t, err)
	require.Len(t, cfg.Tools, 1)
	require.Equal(t, "lookup", cfg.Tools[0].Name)
}

func TestPrepareToolConfig_DynamicToolChoiceOverridesStatic(t *testing.T) {
	f := chatFunction()
	f.ToolChoice = function.ToolChoice{Mode: function.ToolChoiceAuto}
	required := function.ToolChoice{Mode: function.ToolChoiceRequired}
	cfg, err := function.PrepareToolConfig(f, function.DynamicParams{ToolChoice: &required}, staticTools())
	require.NoError(t, err)
	require.Equal(t, function.ToolChoiceRequired, cfg.ToolChoice.Mode)
}

func TestPrepareToolConfig_SpecificToolChoiceMustBeAvailable(t *testing.T) {
	f := chatFunction()
	choice := function.ToolChoice{Mode: function.ToolChoiceSpecific, Name: "nonexistent"}
	_, err := function.PrepareToolConfig(f, function.DynamicParams{ToolChoice: &choice}, staticTools())
	require.Error(t, err)
}

func TestPrepareToolConfig_JsonFunctionRejectsDynamicParams(t *testing.T) {
	f := &function.Function{Name: "structured", Kind: function.KindJSON}
	_, err := function.PrepareToolConfig(f, function.DynamicParams{AllowedTools: []string{"x"}}, staticTools())
	require.Error(t, err)
}

func TestPrepareToolConfig_JsonFunctionWithNoDynamicParamsReturnsNilConfig(t *testing.T) {
	f := &function.Function{Name: "structured", Kind: function.KindJSON}
	cfg, err := function.PrepareToolConfig(f, function.DynamicParams{}, staticTools())
	require.NoError(t, err)
	require.Nil(t, cfg)
}

func TestImplicitJSONTool_RejectedForChat(t *testing.T) {
	f := chatFunction()
	_, err := function.ImplicitJSONTool(f)
	require.Error(t, err)
}

func TestImplicitJSONTool_BuildsFromOutputSchema(t *testing.T) {
	f := &function.Function{Kind: function.KindJSON, OutputSchema: []byte(`{"type":"object"}`)}
	tool, err := function.ImplicitJSONTool(f)
	require.NoError(t, err)
	require.Equal(t, "response", tool.Name)
}

func TestFunction_Validate_RejectsReservedVariantPrefix(t *testing.T) {
	f := &function.Function{
		Kind:     function.KindChat,
		Variants: map[string]function.VariantInfo{function.ReservedVariantPrefix + "x": {}},
	}
	require.Error(t, f.Validate())
}

func TestFunction_Validate_JsonRequiresOutputSchema(t *testing.T) {
	f := &function.Function{Kind: function.KindJSON}
	require.Error(t, f.Validate())
}
