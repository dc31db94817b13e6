// Package function models function configuration (chat vs. JSON-mode,
// variants, tool config) and assembles normalized inference results from
// provider content blocks per-response.
package function

import (
	"encoding/json"
	"time"

	"goa.design/tzgw/schema"
	"goa.design/tzgw/variant"
)

// Kind distinguishes a function's response shape.
type Kind string

const (
	// KindChat is a free-form conversational function; its tool config and
	// response pass through unchanged.
	KindChat Kind = "chat"

	// KindJSON is a structured-output function; its response is extracted
	// and parsed against an output schema.
	KindJSON Kind = "json"
)

// ReservedVariantPrefix is the namespace reserved for internal variant
// names; a variant beginning with this prefix is rejected at config
// validation.
const ReservedVariantPrefix = "__tzgw_"

// ToolChoiceMode selects how a function resolves tool usage.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceSpecific ToolChoiceMode = "specific"
)

// ToolChoice configures tool-use behavior. Name is populated only when Mode
// is ToolChoiceSpecific.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

// Tool is a named, schema-described function the model may invoke. Static
// tools are named in Function.ToolNames and resolved from the tool map passed
// to PrepareToolConfig; dynamic tools arrive per-request in
// DynamicParams.AdditionalTools.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// VariantInfo wraps a variant's selection weight and per-variant timeout
// overrides. Config beyond weight/timeouts (model, template, parameters) is
// opaque to the gateway core and carried by the caller's own variant
// registry; the sampler and config layer only need the fields below.
type VariantInfo struct {
	Weight         float64
	RequestTimeout time.Duration
}

func (v VariantInfo) toSamplerInfo() variant.Info { return variant.Info{Weight: v.Weight} }

// Function is a named entry point: a kind, a schema set, and a collection
// of variants. It is constructed once at startup and shared immutably for
// the lifetime of the process.
type Function struct {
	Name        string
	Kind        Kind
	Description string
	Variants    map[string]VariantInfo
	Schemas     *schema.Schemas

	// Chat-only fields.
	ToolNames          []string
	ToolChoice         ToolChoice
	ParallelToolCalls  *bool

	// JSON-only fields.
	OutputSchema json.RawMessage
}

// Validate checks the cross-field invariants spec.md §3 requires of a
// Function's static configuration (independent of any request). It does
// not validate request-scoped parameters; see PrepareToolConfig for that.
func (f *Function) Validate() error {
	for name := range f.Variants {
		if hasReservedPrefix(name) {
			return &ConfigError{Reason: "variant name " + name + " uses the reserved namespace prefix"}
		}
	}
	if f.Kind == KindJSON && len(f.OutputSchema) == 0 {
		return &ConfigError{Reason: "json function is missing a mandatory output schema"}
	}
	return nil
}

func hasReservedPrefix(name string) bool {
	return len(name) >= len(ReservedVariantPrefix) && name[:len(ReservedVariantPrefix)] == ReservedVariantPrefix
}

// SamplerVariants projects f.Variants into the shape variant.Sample expects.
func (f *Function) SamplerVariants() map[string]variant.Info {
	out := make(map[string]variant.Info, len(f.Variants))
	for name, info := range f.Variants {
		out[name] = info.toSamplerInfo()
	}
	return out
}
