package function

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"goa.design/clue/log"

	"goa.design/tzgw/schema"
)

// ChatInferenceResult is the normalized result of a Chat function call:
// provider content blocks unchanged, plus usage/finish-reason/latency
// aggregated from the underlying model attempts.
type ChatInferenceResult struct {
	InferenceID  uuid.UUID
	EpisodeID    uuid.UUID
	Content      []OutputBlock
	Usage        Usage
	FinishReason FinishReason
	Latency      time.Duration
	ModelResults []ModelAttempt
}

// JSONInferenceResult is the normalized result of a Json function call.
// Raw holds the extracted text (from the last Text-or-ToolCall block)
// verbatim even when it failed to parse or validate; Parsed is nil in that
// case.
type JSONInferenceResult struct {
	InferenceID  uuid.UUID
	EpisodeID    uuid.UUID
	Raw          *string
	Parsed       json.RawMessage
	Auxiliary    []OutputBlock
	Usage        Usage
	FinishReason FinishReason
	Latency      time.Duration
	ModelResults []ModelAttempt
}

// AssemblyInput collects the per-request context PrepareResponse needs
// beyond the content blocks themselves.
type AssemblyInput struct {
	EpisodeID    uuid.UUID
	Content      []OutputBlock
	Usage        Usage
	FinishReason FinishReason
	Latency      time.Duration
	ModelResults []ModelAttempt

	// DynamicOutputSchema overrides f.OutputSchema for Json validation when
	// the caller supplied one per-request; nil means use the static schema.
	DynamicOutputSchema json.RawMessage
}

// PrepareResponse assembles the final inference result per spec.md §4.6. A
// new UUIDv7 inference id is minted for every call; EpisodeID passes
// through from in.
func PrepareResponse(ctx context.Context, f *Function, in AssemblyInput) (*ChatInferenceResult, *JSONInferenceResult, error) {
	inferenceID, err := uuid.NewV7()
	if err != nil {
		return nil, nil, err
	}

	if f.Kind == KindChat {
		return &ChatInferenceResult{
			InferenceID:  inferenceID,
			EpisodeID:    in.EpisodeID,
			Content:      in.Content,
			Usage:        in.Usage,
			FinishReason: in.FinishReason,
			Latency:      in.Latency,
			ModelResults: in.ModelResults,
		}, nil, nil
	}

	raw, auxiliary, _ := ExtractJSONOutput(in.Content)

	result := &JSONInferenceResult{
		InferenceID:  inferenceID,
		EpisodeID:    in.EpisodeID,
		Raw:          raw,
		Auxiliary:    auxiliary,
		Usage:        in.Usage,
		FinishReason: in.FinishReason,
		Latency:      in.Latency,
		ModelResults: in.ModelResults,
	}
	if raw == nil {
		return nil, result, nil
	}

	var doc any
	if err := json.Unmarshal([]byte(*raw), &doc); err != nil {
		// Raw output is not valid JSON: parsed stays nil, raw is preserved.
		log.Error(ctx, err, log.KV{K: "component", V: "response-assembler"},
			log.KV{K: "event", V: "failed to parse json output"})
		return nil, result, nil
	}

	outputSchema := in.DynamicOutputSchema
	if len(outputSchema) == 0 {
		outputSchema = f.OutputSchema
	}
	if len(outputSchema) > 0 {
		compiled, err := schema.CompileOne("output_schema", outputSchema)
		if err != nil {
			return nil, nil, err
		}
		if err := compiled.Validate(doc); err != nil {
			// Validation failure: parsed stays nil, raw is preserved.
			log.Error(ctx, err, log.KV{K: "component", V: "response-assembler"},
				log.KV{K: "event", V: "json output failed schema validation"})
			return nil, result, nil
		}
	}

	result.Parsed = json.RawMessage(*raw)
	return nil, result, nil
}

// ExtractJSONOutput applies the JSON-mode "pick last Text-or-ToolCall
// block" rule from spec.md §3/§8 property 6. It returns the raw text of
// that block (tool-call arguments for a ToolCallOutput, text for a
// TextOutput), the remaining blocks in original order as auxiliary
// content, and the index of the selected block in the original slice
// (-1 if no qualifying block was found).
func ExtractJSONOutput(content []OutputBlock) (raw *string, auxiliary []OutputBlock, index int) {
	index = -1
	for i, block := range content {
		switch b := block.(type) {
		case TextOutput:
			text := b.Text
			raw = &text
			index = i
		case ToolCallOutput:
			args := b.Arguments
			raw = &args
			index = i
		}
	}
	if index < 0 {
		return nil, content, -1
	}
	auxiliary = make([]OutputBlock, 0, len(content)-1)
	for i, block := range content {
		if i != index {
			auxiliary = append(auxiliary, block)
		}
	}
	return raw, auxiliary, index
}
