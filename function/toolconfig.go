package function

// DynamicParams carries the per-request, caller-supplied tool overrides
// that combine with a function's static tool configuration.
//
// These fields are only meaningful for Chat functions; supplying any of
// them for a Json function is a ConfigError.
type DynamicParams struct {
	AllowedTools      []string
	AdditionalTools   []Tool
	ToolChoice        *ToolChoice
	ParallelToolCalls *bool
}

// isSet reports whether any dynamic tool-related parameter was supplied.
func (p DynamicParams) isSet() bool {
	return len(p.AllowedTools) > 0 || len(p.AdditionalTools) > 0 || p.ToolChoice != nil || p.ParallelToolCalls != nil
}

// ToolConfig is the resolved set of tools and tool-use policy to send to a
// provider for one request.
type ToolConfig struct {
	Tools             []Tool
	ToolChoice        ToolChoice
	ParallelToolCalls bool
}

// PrepareToolConfig resolves a function's tool configuration for one
// request per spec.md §4.2.
//
// Chat functions combine f.ToolNames (looked up in staticTools) with
// dynamic.AdditionalTools, intersect with dynamic.AllowedTools when
// present, resolve tool_choice (dynamic overrides static), and set
// parallelism (dynamic overrides static, default true).
//
// Json functions reject any dynamic tool-related parameter and return a
// nil ToolConfig; providers lacking native JSON mode instead use an
// implicit tool derived from f.OutputSchema, synthesized by the caller via
// ImplicitJSONTool.
func PrepareToolConfig(f *Function, dynamic DynamicParams, staticTools map[string]Tool) (*ToolConfig, error) {
	if f.Kind == KindJSON {
		if dynamic.isSet() {
			return nil, &ConfigError{Reason: "dynamic tool parameters are not allowed for a json function"}
		}
		return nil, nil
	}

	tools, err := resolveTools(f.ToolNames, dynamic, staticTools)
	if err != nil {
		return nil, err
	}

	choice := f.ToolChoice
	if dynamic.ToolChoice != nil {
		choice = *dynamic.ToolChoice
	}
	if choice.Mode == ToolChoiceSpecific {
		if !containsTool(tools, choice.Name) {
			return nil, &ConfigError{Reason: "tool_choice refers to unavailable tool " + choice.Name}
		}
	}

	parallel := true
	if f.ParallelToolCalls != nil {
		parallel = *f.ParallelToolCalls
	}
	if dynamic.ParallelToolCalls != nil {
		parallel = *dynamic.ParallelToolCalls
	}

	return &ToolConfig{Tools: tools, ToolChoice: choice, ParallelToolCalls: parallel}, nil
}

func resolveTools(staticNames []string, dynamic DynamicParams, staticTools map[string]Tool) ([]Tool, error) {
	combined := make([]Tool, 0, len(staticNames)+len(dynamic.AdditionalTools))
	for _, name := range staticNames {
		tool, ok := staticTools[name]
		if !ok {
			return nil, &ConfigError{Reason: "unknown tool " + name}
		}
		combined = append(combined, tool)
	}
	combined = append(combined, dynamic.AdditionalTools...)

	if len(dynamic.AllowedTools) == 0 {
		return combined, nil
	}
	allowed := make(map[string]bool, len(dynamic.AllowedTools))
	for _, name := range dynamic.AllowedTools {
		allowed[name] = true
	}
	out := make([]Tool, 0, len(combined))
	for _, tool := range combined {
		if allowed[tool.Name] {
			out = append(out, tool)
		}
	}
	return out, nil
}

func containsTool(tools []Tool, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// ImplicitJSONTool synthesizes the fixed-shape tool a provider without
// native JSON mode uses to emulate structured output, per spec.md §4.4:
// name "response", strict schema enforcement, schema taken from the
// function's output schema.
func ImplicitJSONTool(f *Function) (Tool, error) {
	if f.Kind != KindJSON {
		return Tool{}, &ConfigError{Reason: "implicit_tool is only valid for a json function"}
	}
	if len(f.OutputSchema) == 0 {
		return Tool{}, &ConfigError{Reason: "json function is missing its output schema"}
	}
	return Tool{Name: "response", Description: "Respond with structured output matching the required schema.", Schema: f.OutputSchema}, nil
}
