package streaming

import (
	"goa.design/tzgw/function"
	"goa.design/tzgw/provider"
)

// Accumulate folds a sequence of normalized chunks into the content blocks,
// usage, and finish reason of a complete response. Per spec.md §8 property
// 7, multiple ToolCallOutput deltas sharing an id are merged into one
// logical tool call with concatenated arguments. TextOutput blocks are
// concatenated in arrival order into one block, which comes first; the
// merged tool calls follow in order of first occurrence. Other block kinds
// are not carried over. Usage and finish reason are taken from whichever
// chunk carries them, which need not be the same chunk.
func Accumulate(chunks []*provider.Chunk) ([]function.OutputBlock, function.Usage, function.FinishReason) {
	var (
		textBuilder   string
		haveText      bool
		order         []string
		toolByID      = map[string]*function.ToolCallOutput{}
		usage         function.Usage
		finishReason  function.FinishReason
	)

	for _, chunk := range chunks {
		for _, block := range chunk.Content {
			switch b := block.(type) {
			case function.TextOutput:
				textBuilder += b.Text
				haveText = true
			case function.ToolCallOutput:
				call, ok := toolByID[b.ID]
				if !ok {
					merged := b
					toolByID[b.ID] = &merged
					order = append(order, b.ID)
					continue
				}
				call.Arguments += b.Arguments
				if b.Name != "" {
					call.Name = b.Name
				}
			}
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if chunk.FinishReason != nil {
			finishReason = *chunk.FinishReason
		}
	}

	var out []function.OutputBlock
	if haveText {
		out = append(out, function.TextOutput{Text: textBuilder})
	}
	for _, id := range order {
		out = append(out, *toolByID[id])
	}
	return out, usage, finishReason
}
