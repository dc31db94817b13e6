package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"goa.design/tzgw/function"
	"goa.design/tzgw/provider"
	"goa.design/tzgw/schema"
	"goa.design/tzgw/streaming"
	"goa.design/tzgw/version"
)

// Fixed header names per spec.md §6.
const (
	// HeaderAuth is the fixed header name carrying a request's bearer code.
	HeaderAuth = "x-tensorzero-api-key"

	// HeaderGatewayVersion is the fixed header name a gateway stamps on
	// every response; its absence signals an older peer.
	HeaderGatewayVersion = "x-tensorzero-gateway-version"
)

// wireInferenceRequest is the JSON body posted to "inference", covering
// both Chat and Json functions; fields a given function kind doesn't use
// are simply omitted by the zero-value-means-absent encoding below.
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

// inferRemote posts params to "inference" and decodes the JSON response.
func (d *Dispatcher) inferRemote(ctx context.Context, params InferenceParams) (*InferenceResult, error) {
	body, err := d.marshalInferenceRequest(params, false)
	if err != nil {
		return nil, classify(err)
	}

	resp, err := d.doJSON(ctx, http.MethodPost, "inference", body, params.AuthCode)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	d.recordPeerVersion(resp.Header.Get(HeaderGatewayVersion))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classify(httpStatusError(resp.StatusCode, data))
	}

	var wire wireInferenceResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, classify(fmt.Errorf("client: decoding inference response: %w", err))
	}
	return wire.toResult(), nil
}

// inferStreamRemote posts a streaming inference request and peeks the
// first SSE event before returning, per spec.md §4.8.
func (d *Dispatcher) inferStreamRemote(ctx context.Context, params InferenceParams) (provider.Streamer, error) {
	body, err := d.marshalInferenceRequest(params, true)
	if err != nil {
		return nil, classify(err)
	}

	resp, err := d.doJSON(ctx, http.MethodPost, "inference", body, params.AuthCode)
	if err != nil {
		return nil, classify(err)
	}
	d.recordPeerVersion(resp.Header.Get(HeaderGatewayVersion))

	source := streaming.NewHTTPEventSource(resp)
	demux := streaming.NewDemuxer(source, resp.Body)

	first, err := demux.Recv()
	if err != nil {
		_ = demux.Close()
		return nil, classify(err)
	}
	return newPeekedStreamer(first, demux), nil
}

// marshalInferenceRequest builds the wire body, applying the tool-call
// argument stringification rewrite when the negotiated peer is old or
// unknown (spec.md §4.9).
func (d *Dispatcher) marshalInferenceRequest(params InferenceParams, stream bool) ([]byte, error) {
	messages := params.Input.Messages
	needsRewrite, err := version.NeedsToolCallStringification(d.peerVersionSnapshot())
	if err != nil {
		return nil, err
	}
	if needsRewrite {
		messages = version.AdjustToolCallArguments(messages)
	}

	encodedMessages := make([]json.RawMessage, len(messages))
	for i, msg := range messages {
		raw, err := encodeWireMessage(msg)
		if err != nil {
			return nil, err
		}
		encodedMessages[i] = raw
	}

	var system json.RawMessage
	if params.Input.System != nil {
		system, err = encodeWireSystem(*params.Input.System)
		if err != nil {
			return nil, err
		}
	}

	wire := wireInferenceRequest{
		FunctionName:        params.FunctionName,
		EpisodeID:           params.EpisodeID,
		Input:               wireInput{System: system, Messages: encodedMessages},
		AllowedTools:        params.Dynamic.AllowedTools,
		ParallelToolCalls:   params.Dynamic.ParallelToolCalls,
		DynamicOutputSchema: params.DynamicOutputSchema,
		Stream:              stream,
		ExtraBody:           params.ExtraBody,
	}
	for _, t := range params.Dynamic.AdditionalTools {
		wire.AdditionalTools = append(wire.AdditionalTools, wireTool{Name: t.Name, Description: t.Description, Schema: t.Schema})
	}
	if params.Dynamic.ToolChoice != nil {
		wire.ToolChoice = &wireToolChoice{Mode: string(params.Dynamic.ToolChoice.Mode), Name: params.Dynamic.ToolChoice.Name}
	}

	return json.Marshal(wire)
}

// doJSON issues an HTTP request against baseURL+path, attaching the auth
// header when authCode is non-empty.
func (d *Dispatcher) doJSON(ctx context.Context, method, path string, body []byte, authCode string) (*http.Response, error) {
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return nil, fmt.Errorf("client: invalid base URL: %w", err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("client: invalid path %q: %w", path, err)
	}
	full := u.ResolveReference(ref)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, full.String(), reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authCode != "" {
		req.Header.Set(HeaderAuth, authCode)
	}
	return d.http.Do(req)
}

func httpStatusError(status int, body []byte) *provider.Error {
	return &provider.Error{
		Provider:    "client",
		Operation:   "inference",
		HTTPStatus:  status,
		Kind:        statusErrorKind(status),
		Message:     string(body),
		RawResponse: body,
	}
}

func statusErrorKind(status int) provider.ErrorKind {
	switch {
	case status == 401 || status == 403:
		return provider.ErrorKindAuth
	case status == 429:
		return provider.ErrorKindRateLimited
	case status >= 500:
		return provider.ErrorKindUnavailable
	default:
		return provider.ErrorKindInvalidRequest
	}
}

// --- Remote-mode-only passthrough operations ---
//
// These HTTP-surface entries (spec.md §6) name external collaborators that
// are out of scope for the embedded core per spec.md §1 (dataset CRUD,
// dynamic-evaluation workflows, batch/optimization lifecycle). Remote mode
// exercises the declared surface as thin JSON passthroughs; embedded mode
// reports them unsupported rather than inventing business logic for them.

var errEmbeddedUnsupported = fmt.Errorf("client: operation is not implemented by the embedded gateway core")

func (d *Dispatcher) embeddedUnsupported(op string) error {
	return &Error{Kind: ErrorKindInvalidRequest, HTTPStatus: 501, Message: fmt.Sprintf("%s is not supported in embedded mode", op), Cause: errEmbeddedUnsupported}
}

// Status performs the "GET status" operation. In embedded mode it reports
// a minimal liveness payload directly, since no peer is involved.
func (d *Dispatcher) Status(ctx context.Context) (json.RawMessage, error) {
	if d.mode == ModeEmbedded {
		return json.RawMessage(`{"status":"ok"}`), nil
	}
	return d.passthroughGET(ctx, "status", "")
}

// Feedback performs the "POST feedback" operation.
func (d *Dispatcher) Feedback(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	if d.mode == ModeEmbedded {
		return nil, d.embeddedUnsupported("feedback")
	}
	return d.passthroughPOST(ctx, "feedback", body)
}

// ObjectStorage performs the "GET internal/object_storage" operation.
// storagePath is the raw JSON value of the storage_path query parameter.
func (d *Dispatcher) ObjectStorage(ctx context.Context, storagePath json.RawMessage) (json.RawMessage, error) {
	if d.mode == ModeEmbedded {
		return nil, d.embeddedUnsupported("object_storage")
	}
	path := "internal/object_storage?storage_path=" + url.QueryEscape(string(storagePath))
	return d.passthroughGET(ctx, path, "")
}

// DynamicEvaluationRun performs the "POST dynamic_evaluation_run" operation.
func (d *Dispatcher) DynamicEvaluationRun(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	if d.mode == ModeEmbedded {
		return nil, d.embeddedUnsupported("dynamic_evaluation_run")
	}
	return d.passthroughPOST(ctx, "dynamic_evaluation_run", body)
}

// DynamicEvaluationRunEpisode performs "POST dynamic_evaluation_run/{run_id}/episode".
func (d *Dispatcher) DynamicEvaluationRunEpisode(ctx context.Context, runID string, body json.RawMessage) (json.RawMessage, error) {
	if d.mode == ModeEmbedded {
		return nil, d.embeddedUnsupported("dynamic_evaluation_run_episode")
	}
	return d.passthroughPOST(ctx, fmt.Sprintf("dynamic_evaluation_run/%s/episode", url.PathEscape(runID)), body)
}

// DatapointsBulk performs "POST datasets/{name}/datapoints/bulk".
func (d *Dispatcher) DatapointsBulk(ctx context.Context, dataset string, body json.RawMessage) (json.RawMessage, error) {
	if d.mode == ModeEmbedded {
		return nil, d.embeddedUnsupported("datapoints_bulk")
	}
	return d.passthroughPOST(ctx, fmt.Sprintf("datasets/%s/datapoints/bulk", url.PathEscape(dataset)), body)
}

// DatapointsList performs "GET datasets/{name}/datapoints".
func (d *Dispatcher) DatapointsList(ctx context.Context, dataset string, limit, offset int, functionName string) (json.RawMessage, error) {
	if d.mode == ModeEmbedded {
		return nil, d.embeddedUnsupported("datapoints_list")
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	if functionName != "" {
		q.Set("function_name", functionName)
	}
	path := fmt.Sprintf("datasets/%s/datapoints", url.PathEscape(dataset))
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	return d.passthroughGET(ctx, path, "")
}

// DatapointGet performs "GET datasets/{name}/datapoints/{id}".
func (d *Dispatcher) DatapointGet(ctx context.Context, dataset, id string) (json.RawMessage, error) {
	if d.mode == ModeEmbedded {
		return nil, d.embeddedUnsupported("datapoint_get")
	}
	return d.passthroughGET(ctx, fmt.Sprintf("datasets/%s/datapoints/%s", url.PathEscape(dataset), url.PathEscape(id)), "")
}

// DatapointDelete performs "DELETE datasets/{name}/datapoints/{id}".
func (d *Dispatcher) DatapointDelete(ctx context.Context, dataset, id string) error {
	if d.mode == ModeEmbedded {
		return d.embeddedUnsupported("datapoint_delete")
	}
	resp, err := d.doJSON(ctx, http.MethodDelete, fmt.Sprintf("datasets/%s/datapoints/%s", url.PathEscape(dataset), url.PathEscape(id)), nil, "")
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()
	d.recordPeerVersion(resp.Header.Get(HeaderGatewayVersion))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return classify(httpStatusError(resp.StatusCode, data))
	}
	return nil
}

func (d *Dispatcher) passthroughGET(ctx context.Context, path, authCode string) (json.RawMessage, error) {
	resp, err := d.doJSON(ctx, http.MethodGet, path, nil, authCode)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()
	d.recordPeerVersion(resp.Header.Get(HeaderGatewayVersion))
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classify(httpStatusError(resp.StatusCode, data))
	}
	return json.RawMessage(data), nil
}

func (d *Dispatcher) passthroughPOST(ctx context.Context, path string, body json.RawMessage) (json.RawMessage, error) {
	resp, err := d.doJSON(ctx, http.MethodPost, path, body, "")
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()
	d.recordPeerVersion(resp.Header.Get(HeaderGatewayVersion))
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classify(httpStatusError(resp.StatusCode, data))
	}
	return json.RawMessage(data), nil
}

// --- wire message encoding (schema.ContentBlock tagged union -> JSON) ---

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

func encodeWireMessage(msg schema.Message) (json.RawMessage, error) {
	blocks := make([]wireContentBlock, len(msg.Content))
	for i, block := range msg.Content {
		encoded, err := encodeWireBlock(block)
		if err != nil {
			return nil, err
		}
		blocks[i] = encoded
	}
	return json.Marshal(wireMessage{Role: string(msg.Role), Content: blocks})
}

func encodeWireBlock(block schema.ContentBlock) (wireContentBlock, error) {
	switch b := block.(type) {
	case schema.TextBlock:
		return wireContentBlock{Type: "text", Text: b.Text, Arguments: b.Arguments}, nil
	case schema.RawTextBlock:
		return wireContentBlock{Type: "raw_text", Value: b.Value}, nil
	case schema.ToolCallBlock:
		return wireContentBlock{Type: "tool_call", ID: b.ID, Name: b.Name, Arguments: b.Arguments}, nil
	case schema.ToolResultBlock:
		return wireContentBlock{Type: "tool_result", ID: b.ID, Name: b.Name, Result: b.Result}, nil
	case schema.FileBlock:
		return wireContentBlock{Type: "file", MIMEType: b.MIMEType, Data: b.Data, URL: b.URL}, nil
	default:
		return wireContentBlock{}, fmt.Errorf("client: unknown content block type %T", block)
	}
}

func encodeWireSystem(sys schema.SystemContent) (json.RawMessage, error) {
	if sys.Object != nil {
		return sys.Object, nil
	}
	if sys.Text != nil {
		return json.Marshal(*sys.Text)
	}
	return nil, nil
}

// wireInferenceResponse is the JSON shape of a non-streaming "inference"
// response; enough of it is decoded to reconstruct an InferenceResult.
type wireInferenceResponse struct {
	InferenceID  string             `json:"inference_id"`
	EpisodeID    string             `json:"episode_id"`
	Content      []wireContentBlock `json:"content"`
	Raw          *string            `json:"raw,omitempty"`
	Parsed       json.RawMessage    `json:"parsed,omitempty"`
	Usage        wireUsage          `json:"usage"`
	FinishReason string             `json:"finish_reason"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (w wireInferenceResponse) toResult() *InferenceResult {
	usage := function.Usage{InputTokens: w.Usage.InputTokens, OutputTokens: w.Usage.OutputTokens}
	finish := function.FinishReason(w.FinishReason)

	if w.Parsed != nil || w.Raw != nil {
		return &InferenceResult{JSON: &function.JSONInferenceResult{
			Raw:          w.Raw,
			Parsed:       w.Parsed,
			Usage:        usage,
			FinishReason: finish,
		}}
	}

	content := make([]function.OutputBlock, 0, len(w.Content))
	for _, b := range w.Content {
		content = append(content, decodeWireOutputBlock(b))
	}
	return &InferenceResult{Chat: &function.ChatInferenceResult{
		Content:      content,
		Usage:        usage,
		FinishReason: finish,
	}}
}

func decodeWireOutputBlock(b wireContentBlock) function.OutputBlock {
	switch b.Type {
	case "tool_call":
		return function.ToolCallOutput{ID: b.ID, Name: b.Name, Arguments: string(b.Arguments)}
	case "thought":
		text := ""
		if b.Text != nil {
			text = *b.Text
		}
		return function.ThoughtOutput{Text: text, Signature: b.Value}
	case "file":
		return function.FileOutput{MIMEType: b.MIMEType, Data: b.Data}
	default:
		text := ""
		if b.Text != nil {
			text = *b.Text
		}
		return function.TextOutput{Text: text}
	}
}
