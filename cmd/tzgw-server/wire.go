package main

import (
	"encoding/json"
	"fmt"

	"goa.design/tzgw/client"
	"goa.design/tzgw/function"
	"goa.design/tzgw/provider"
	"goa.design/tzgw/schema"
)

// wireInferenceRequest is the JSON body accepted by POST inference, mirroring
// the shape client.marshalInferenceRequest produces on the calling side of
// this same wire contract (spec.md §6).
type wireInferenceRequest struct {
	FunctionName        string          `json:"function_name"`
	EpisodeID           string          `json:"episode_id,omitempty"`
	Input               wireInput       `json:"input"`
	AllowedTools        []string        `json:"allowed_tools,omitempty"`
	AdditionalTools     []wireTool      `json:"additional_tools,omitempty"`
	ToolChoice          *wireToolChoice `json:"tool_choice,omitempty"`
	ParallelToolCalls   *bool           `json:"parallel_tool_calls,omitempty"`
	DynamicOutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
	ExtraBody           map[string]any  `json:"extra_body,omitempty"`
}

type wireInput struct {
	System   json.RawMessage   `json:"system,omitempty"`
	Messages []json.RawMessage `json:"messages"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"parameters,omitempty"`
}

type wireToolChoice struct {
	Mode string `json:"mode"`
	Name string `json:"name,omitempty"`
}

type wireContentBlock struct {
	Type      string          `json:"type"`
	Text      *string         `json:"text,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Value     string          `json:"value,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Result    string          `json:"result,omitempty"`
	MIMEType  string          `json:"mime_type,omitempty"`
	Data      []byte          `json:"data,omitempty"`
	URL       string          `json:"url,omitempty"`
}

type wireMessage struct {
	Role    string             `json:"role"`
	Content []wireContentBlock `json:"content"`
}

// decodeInferenceParams turns a wireInferenceRequest into the dispatcher's
// InferenceParams, resolving the auth code from the fixed header name
// rather than the body.
func decodeInferenceParams(req wireInferenceRequest, authCode string) (client.InferenceParams, error) {
	messages := make([]schema.Message, len(req.Input.Messages))
	for i, raw := range req.Input.Messages {
		var wm wireMessage
		if err := json.Unmarshal(raw, &wm); err != nil {
			return client.InferenceParams{}, fmt.Errorf("decoding message %d: %w", i, err)
		}
		blocks := make([]schema.ContentBlock, len(wm.Content))
		for j, b := range wm.Content {
			block, err := decodeWireBlock(b)
			if err != nil {
				return client.InferenceParams{}, fmt.Errorf("decoding message %d block %d: %w", i, j, err)
			}
			blocks[j] = block
		}
		messages[i] = schema.Message{Role: schema.Role(wm.Role), Content: blocks}
	}

	var system *schema.SystemContent
	if len(req.Input.System) > 0 {
		system = decodeWireSystem(req.Input.System)
	}

	dynamic := function.DynamicParams{
		AllowedTools:      req.AllowedTools,
		ParallelToolCalls: req.ParallelToolCalls,
	}
	for _, t := range req.AdditionalTools {
		dynamic.AdditionalTools = append(dynamic.AdditionalTools, function.Tool{Name: t.Name, Description: t.Description, Schema: t.Schema})
	}
	if req.ToolChoice != nil {
		dynamic.ToolChoice = &function.ToolChoice{Mode: function.ToolChoiceMode(req.ToolChoice.Mode), Name: req.ToolChoice.Name}
	}

	return client.InferenceParams{
		FunctionName:        req.FunctionName,
		EpisodeID:           req.EpisodeID,
		Input:               schema.Input{System: system, Messages: messages},
		Dynamic:             dynamic,
		DynamicOutputSchema: req.DynamicOutputSchema,
		AuthCode:            authCode,
		ExtraBody:           req.ExtraBody,
	}, nil
}

func decodeWireBlock(b wireContentBlock) (schema.ContentBlock, error) {
	switch b.Type {
	case "text":
		return schema.TextBlock{Text: b.Text, Arguments: b.Arguments}, nil
	case "raw_text":
		return schema.RawTextBlock{Value: b.Value}, nil
	case "tool_call":
		return schema.ToolCallBlock{ID: b.ID, Name: b.Name, Arguments: b.Arguments}, nil
	case "tool_result":
		return schema.ToolResultBlock{ID: b.ID, Name: b.Name, Result: b.Result}, nil
	case "file":
		return schema.FileBlock{MIMEType: b.MIMEType, Data: b.Data, URL: b.URL}, nil
	default:
		return nil, fmt.Errorf("unknown content block type %q", b.Type)
	}
}

func decodeWireSystem(raw json.RawMessage) *schema.SystemContent {
	var text string
	if json.Unmarshal(raw, &text) == nil {
		return &schema.SystemContent{Text: &text}
	}
	return &schema.SystemContent{Object: raw}
}

// wireInferenceResponse is the JSON shape of a non-streaming inference
// response, mirroring client's decode side of the same contract.
type wireInferenceResponse struct {
	InferenceID  string             `json:"inference_id"`
	EpisodeID    string             `json:"episode_id"`
	Content      []wireContentBlock `json:"content,omitempty"`
	Raw          *string            `json:"raw,omitempty"`
	Parsed       json.RawMessage    `json:"parsed,omitempty"`
	Usage        wireUsage          `json:"usage"`
	FinishReason string             `json:"finish_reason"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func encodeInferenceResult(res *client.InferenceResult) wireInferenceResponse {
	switch {
	case res.Chat != nil:
		c := res.Chat
		content := make([]wireContentBlock, 0, len(c.Content))
		for _, b := range c.Content {
			content = append(content, encodeOutputBlock(b))
		}
		return wireInferenceResponse{
			InferenceID:  c.InferenceID.String(),
			EpisodeID:    c.EpisodeID.String(),
			Content:      content,
			Usage:        wireUsage{InputTokens: c.Usage.InputTokens, OutputTokens: c.Usage.OutputTokens},
			FinishReason: string(c.FinishReason),
		}
	case res.JSON != nil:
		j := res.JSON
		return wireInferenceResponse{
			InferenceID:  j.InferenceID.String(),
			EpisodeID:    j.EpisodeID.String(),
			Raw:          j.Raw,
			Parsed:       j.Parsed,
			Usage:        wireUsage{InputTokens: j.Usage.InputTokens, OutputTokens: j.Usage.OutputTokens},
			FinishReason: string(j.FinishReason),
		}
	default:
		return wireInferenceResponse{}
	}
}

func encodeOutputBlock(b function.OutputBlock) wireContentBlock {
	switch v := b.(type) {
	case function.TextOutput:
		return wireContentBlock{Type: "text", Text: &v.Text}
	case function.ToolCallOutput:
		return wireContentBlock{Type: "tool_call", ID: v.ID, Name: v.Name, Arguments: json.RawMessage(v.Arguments)}
	case function.ThoughtOutput:
		return wireContentBlock{Type: "thought", Text: &v.Text, Value: v.Signature}
	case function.FileOutput:
		return wireContentBlock{Type: "file", MIMEType: v.MIMEType, Data: v.Data}
	default:
		return wireContentBlock{Type: "unknown"}
	}
}

// wireChunk mirrors a streaming.Demuxer chunk's JSON shape, one SSE "data:"
// frame per provider.Chunk.
type wireChunk struct {
	Choices []wireChunkChoice `json:"choices,omitempty"`
	Usage   *wireUsage        `json:"usage,omitempty"`
}

type wireChunkChoice struct {
	Delta        wireChunkDelta `json:"delta"`
	FinishReason *string        `json:"finish_reason,omitempty"`
}

type wireChunkDelta struct {
	Content   string              `json:"content,omitempty"`
	ToolCalls []wireChunkToolCall `json:"tool_calls,omitempty"`
}

type wireChunkToolCall struct {
	ID       string              `json:"id,omitempty"`
	Function wireChunkToolCallFn `json:"function"`
}

type wireChunkToolCallFn struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

func encodeChunk(c *provider.Chunk) wireChunk {
	var delta wireChunkDelta
	for _, b := range c.Content {
		switch v := b.(type) {
		case function.TextOutput:
			delta.Content += v.Text
		case function.ToolCallOutput:
			delta.ToolCalls = append(delta.ToolCalls, wireChunkToolCall{ID: v.ID, Function: wireChunkToolCallFn{Name: v.Name, Arguments: v.Arguments}})
		}
	}
	choice := wireChunkChoice{Delta: delta}
	if c.FinishReason != nil {
		s := string(*c.FinishReason)
		choice.FinishReason = &s
	}
	out := wireChunk{Choices: []wireChunkChoice{choice}}
	if c.Usage != nil {
		out.Usage = &wireUsage{InputTokens: c.Usage.InputTokens, OutputTokens: c.Usage.OutputTokens}
	}
	return out
}
