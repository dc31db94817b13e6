package provider

import (
	"encoding/json"
	"strings"

	"goa.design/tzgw/function"
)

// MapFinishReason normalizes a provider-specific stop-reason string to the
// shared FinishReason vocabulary per spec.md §4.4. Unrecognized strings
// bucket to FinishUnknown rather than failing translation.
func MapFinishReason(raw string, known map[string]function.FinishReason) function.FinishReason {
	if reason, ok := known[raw]; ok {
		return reason
	}
	return function.FinishUnknown
}

// ApplyExtraBody overrides fields in body by dot-separated JSON path,
// creating intermediate objects as needed. It mutates body in place and
// returns it. Per spec.md §4.4, this runs after request translation and
// before the raw request is captured for logging.
func ApplyExtraBody(body map[string]any, extra map[string]any) map[string]any {
	if body == nil {
		body = map[string]any{}
	}
	for path, value := range extra {
		setByPath(body, path, value)
	}
	return body
}

func setByPath(root map[string]any, path string, value any) {
	segments := strings.Split(path, ".")
	cur := root
	for i, seg := range segments {
		if i == len(segments)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
}

// MarshalRawRequest serializes body for RawRequest/logging purposes. A
// marshal failure is swallowed to a nil slice since logging the raw
// request is best-effort and must never fail the call itself.
func MarshalRawRequest(body any) []byte {
	data, err := json.Marshal(body)
	if err != nil {
		return nil
	}
	return data
}

// ExactlyOneChoice enforces the response-translation invariant that a
// provider response carries exactly one choice; any other count is an
// upstream-format error with the raw request/response attached.
func ExactlyOneChoice(providerName string, n int, rawRequest, rawResponse []byte) error {
	if n == 1 {
		return nil
	}
	return &Error{
		Provider:    providerName,
		Operation:   "infer",
		Kind:        ErrorKindUpstreamFormat,
		Message:     "expected exactly one choice in provider response",
		RawRequest:  rawRequest,
		RawResponse: rawResponse,
	}
}
