package streaming

import (
	"encoding/json"
	"fmt"

	"goa.design/tzgw/function"
	"goa.design/tzgw/provider"
)

// rawChunk is the generic OpenAI-compatible streaming chunk shape spec.md
// §4.5 describes: zero or one choice, each with optional delta content,
// optional tool-call deltas, and an optional finish reason; usage appears
// only on the terminal chunk.
type rawChunk struct {
	Choices []rawChoice `json:"choices"`
	Usage   *rawUsage   `json:"usage"`
}

type rawChoice struct {
	Delta        rawDelta `json:"delta"`
	FinishReason *string  `json:"finish_reason"`
}

type rawDelta struct {
	Content   string         `json:"content"`
	ToolCalls []rawToolDelta `json:"tool_calls"`
}

type rawToolDelta struct {
	Index    *int             `json:"index"`
	ID       string           `json:"id"`
	Function rawFunctionDelta `json:"function"`
}

type rawFunctionDelta struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type rawUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

var chunkFinishReasons = map[string]function.FinishReason{
	"stop":           function.FinishStop,
	"length":         function.FinishLength,
	"tool_calls":     function.FinishToolCall,
	"content_filter": function.FinishContentFilter,
}

// toolCallStitcher tracks, per stream, the provider-supplied id observed
// for each tool-call index so that later deltas which omit the id (after
// the first occurrence) can still be attributed to the right logical tool
// call, per spec.md §4.5 and §8 property 7.
type toolCallStitcher struct {
	idsByIndex map[int]string
	names      map[int]string
}

func newToolCallStitcher() *toolCallStitcher {
	return &toolCallStitcher{idsByIndex: map[int]string{}, names: map[int]string{}}
}

// resolve returns the (id, name) to attribute a delta to, recording a
// newly observed id/name when present. An index beyond any previously
// observed id, with no id of its own, is an error.
func (s *toolCallStitcher) resolve(delta rawToolDelta) (id, name string, err error) {
	index := 0
	if delta.Index != nil {
		index = *delta.Index
	}
	if delta.ID != "" {
		s.idsByIndex[index] = delta.ID
	}
	if delta.Function.Name != "" {
		s.names[index] = delta.Function.Name
	}
	id, ok := s.idsByIndex[index]
	if !ok {
		return "", "", fmt.Errorf("streaming: tool call delta at index %d has no id and none was previously observed", index)
	}
	return id, s.names[index], nil
}

// decodeChunk parses one SSE "data:" payload into a normalized
// provider.Chunk, using stitcher to attribute id-less tool-call deltas to
// their logical tool call.
func decodeChunk(data string, stitcher *toolCallStitcher) (*provider.Chunk, error) {
	var raw rawChunk
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, fmt.Errorf("streaming: invalid chunk JSON: %w", err)
	}
	if len(raw.Choices) > 1 {
		return nil, fmt.Errorf("streaming: chunk contains %d choices, expected zero or one", len(raw.Choices))
	}

	chunk := &provider.Chunk{}
	if len(raw.Choices) == 0 {
		if raw.Usage != nil {
			u := function.Usage{InputTokens: raw.Usage.PromptTokens, OutputTokens: raw.Usage.CompletionTokens}
			chunk.Usage = &u
		}
		return chunk, nil
	}

	choice := raw.Choices[0]
	if choice.Delta.Content != "" {
		chunk.Content = append(chunk.Content, function.TextOutput{Text: choice.Delta.Content})
	}
	for _, td := range choice.Delta.ToolCalls {
		id, name, err := stitcher.resolve(td)
		if err != nil {
			return nil, err
		}
		chunk.Content = append(chunk.Content, function.ToolCallOutput{ID: id, Name: name, Arguments: td.Function.Arguments})
	}
	if choice.FinishReason != nil {
		reason := provider.MapFinishReason(*choice.FinishReason, chunkFinishReasons)
		chunk.FinishReason = &reason
	}
	if raw.Usage != nil {
		u := function.Usage{InputTokens: raw.Usage.PromptTokens, OutputTokens: raw.Usage.CompletionTokens}
		chunk.Usage = &u
	}
	return chunk, nil
}
