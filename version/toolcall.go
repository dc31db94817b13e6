package version

import (
	"encoding/json"

	"goa.design/tzgw/schema"
)

// AdjustToolCallArguments rewrites every ToolCallBlock whose Arguments is a
// JSON object into one whose Arguments is that object's string
// serialization, leaving string- and array-valued arguments untouched. It
// returns a new slice of messages; the input is never mutated in place.
// Per spec.md §8 property 5, this rewrite is applied only when the
// negotiated peer requires it (see NeedsToolCallStringification) — the
// caller decides that, this function only performs the rewrite itself.
func AdjustToolCallArguments(messages []schema.Message) []schema.Message {
	out := make([]schema.Message, len(messages))
	for i, msg := range messages {
		content := make([]schema.ContentBlock, len(msg.Content))
		for j, block := range msg.Content {
			call, ok := block.(schema.ToolCallBlock)
			if !ok || !isJSONObject(call.Arguments) {
				content[j] = block
				continue
			}
			var v any
			if err := json.Unmarshal(call.Arguments, &v); err != nil {
				content[j] = block
				continue
			}
			canonical, err := json.Marshal(v)
			if err != nil {
				content[j] = block
				continue
			}
			stringified, err := json.Marshal(string(canonical))
			if err != nil {
				content[j] = block
				continue
			}
			call.Arguments = stringified
			content[j] = call
		}
		out[i] = schema.Message{Role: msg.Role, Content: content}
	}
	return out
}

func isJSONObject(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}
