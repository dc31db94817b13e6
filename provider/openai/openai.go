// Package openai implements provider.Client on top of the OpenAI Chat
// Completions and Batches APIs.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"goa.design/tzgw/function"
	"goa.design/tzgw/provider"
	"goa.design/tzgw/schema"
	"goa.design/tzgw/streaming"
)

// ChatClient captures the subset of the openai-go client the adapter uses,
// satisfied by the real SDK's Chat.Completions service or a mock in tests.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
	NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

// BatchClient captures the subset of the Batches API the adapter uses for
// StartBatch/PollBatch.
type BatchClient interface {
	New(ctx context.Context, body openai.BatchNewParams, opts ...option.RequestOption) (*openai.Batch, error)
	Get(ctx context.Context, batchID string, opts ...option.RequestOption) (*openai.Batch, error)
}

// Client adapts provider.Client to OpenAI Chat Completions.
type Client struct {
	chat         ChatClient
	batches      BatchClient
	providerName string
}

// New builds an adapter from injected chat and batch clients (real or
// mock). batches may be nil, in which case StartBatch/PollBatch return
// ErrUnsupportedOperation.
func New(chat ChatClient, batches BatchClient) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	return &Client{chat: chat, batches: batches, providerName: "openai"}, nil
}

// NewFromCredential constructs an adapter using the default OpenAI HTTP
// transport with a resolved bearer secret.
func NewFromCredential(secret string) (*Client, error) {
	if secret == "" {
		return nil, errors.New("openai: api key is required")
	}
	c := openai.NewClient(option.WithAPIKey(secret))
	return New(&c.Chat.Completions, &c.Batches)
}

var finishReasons = map[string]function.FinishReason{
	"stop":           function.FinishStop,
	"length":         function.FinishLength,
	"tool_calls":     function.FinishToolCall,
	"content_filter": function.FinishContentFilter,
}

func (c *Client) Infer(ctx context.Context, req provider.Request) (*provider.Response, error) {
	params, rawBody, err := c.translateRequest(req)
	if err != nil {
		return nil, err
	}
	opts, err := credentialOpts(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.chat.New(ctx, *params, opts...)
	if err != nil {
		return nil, c.translateError("infer", err, rawBody)
	}
	rawResponse, _ := json.Marshal(resp)
	return c.translateResponse(resp, rawBody, rawResponse)
}

// InferStream routes through the shared streaming package: openai-go's
// ssestream.Stream already demultiplexes the transport, so the adapter
// feeds its decoded data frames into streaming.NewDemuxer via a small
// EventSource shim rather than re-implementing SSE parsing.
func (c *Client) InferStream(ctx context.Context, req provider.Request) (provider.Streamer, []byte, error) {
	params, rawBody, err := c.translateRequest(req)
	if err != nil {
		return nil, nil, err
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	opts, err := credentialOpts(req)
	if err != nil {
		return nil, nil, err
	}

	stream := c.chat.NewStreaming(ctx, *params, opts...)
	if err := stream.Err(); err != nil {
		return nil, rawBody, c.translateError("infer_stream", err, rawBody)
	}
	source := &sdkEventSource{stream: stream}
	return streaming.NewDemuxer(source, sdkStreamCloser{stream}), rawBody, nil
}

func (c *Client) StartBatch(ctx context.Context, reqs []provider.Request) (*provider.BatchHandle, error) {
	if c.batches == nil {
		return nil, provider.ErrUnsupportedOperation(c.providerName, "start_batch")
	}
	var buf bytes.Buffer
	for i, req := range reqs {
		params, _, err := c.translateRequest(req)
		if err != nil {
			return nil, fmt.Errorf("openai: batch request %d: %w", i, err)
		}
		line := map[string]any{
			"custom_id": fmt.Sprintf("req-%d", i),
			"method":    http.MethodPost,
			"url":       "/v1/chat/completions",
			"body":      params,
		}
		data, err := json.Marshal(line)
		if err != nil {
			return nil, err
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	batch, err := c.batches.New(ctx, openai.BatchNewParams{
		Endpoint:         openai.BatchNewParamsEndpointV1ChatCompletions,
		CompletionWindow: "24h",
		InputFileID:      uploadBatchInput(buf.Bytes()),
	})
	if err != nil {
		return nil, c.translateError("start_batch", err, nil)
	}
	return &provider.BatchHandle{ID: batch.ID}, nil
}

func (c *Client) PollBatch(ctx context.Context, handle provider.BatchHandle) (*provider.BatchPollResult, error) {
	if c.batches == nil {
		return nil, provider.ErrUnsupportedOperation(c.providerName, "poll_batch")
	}
	batch, err := c.batches.Get(ctx, handle.ID)
	if err != nil {
		return nil, c.translateError("poll_batch", err, nil)
	}
	switch batch.Status {
	case openai.BatchStatusCompleted:
		return &provider.BatchPollResult{Status: provider.BatchStatusCompleted}, nil
	case openai.BatchStatusFailed, openai.BatchStatusExpired, openai.BatchStatusCancelled:
		return &provider.BatchPollResult{Status: provider.BatchStatusFailed}, nil
	default:
		return &provider.BatchPollResult{Status: provider.BatchStatusInProgress}, nil
	}
}

// uploadBatchInput is a placeholder seam for wiring the Files API; the
// gateway's batch input is typically small enough to assemble in-process
// and hand to Files.New before calling Batches.New. Left as a named hook
// so the caller wiring the real Files client can fill it in.
func uploadBatchInput(jsonl []byte) string {
	_ = jsonl
	return ""
}

func credentialOpts(req provider.Request) ([]option.RequestOption, error) {
	secret, err := req.Credential.Resolve(req.DynamicKeys)
	if err != nil {
		return nil, err
	}
	if secret == "" {
		return nil, nil
	}
	return []option.RequestOption{option.WithAPIKey(secret)}, nil
}

func (c *Client) translateRequest(req provider.Request) (*openai.ChatCompletionNewParams, []byte, error) {
	if req.ModelID == "" {
		return nil, nil, errors.New("openai: model id is required")
	}
	if len(req.Messages) == 0 {
		return nil, nil, errors.New("openai: at least one message is required")
	}

	messages, err := encodeMessages(req.Messages, req.System)
	if err != nil {
		return nil, nil, err
	}

	params := &openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.ModelID),
		Messages: messages,
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = openai.Int(int64(*req.MaxTokens))
	}
	if req.TopP != nil {
		params.TopP = openai.Float(*req.TopP)
	}
	if req.PresencePenalty != nil {
		params.PresencePenalty = openai.Float(*req.PresencePenalty)
	}
	if req.FrequencyPenalty != nil {
		params.FrequencyPenalty = openai.Float(*req.FrequencyPenalty)
	}
	if req.Seed != nil {
		params.Seed = openai.Int(*req.Seed)
	}
	if len(req.StopSequences) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: req.StopSequences}
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	if choice, err := encodeToolChoice(req.ToolChoice); err != nil {
		return nil, nil, err
	} else if choice != nil {
		params.ToolChoice = *choice
	}
	if req.ResponseFormat != nil {
		format, err := encodeResponseFormat(*req.ResponseFormat)
		if err != nil {
			return nil, nil, err
		}
		params.ResponseFormat = format
	}

	body := map[string]any{}
	raw, _ := json.Marshal(params)
	_ = json.Unmarshal(raw, &body)
	body = provider.ApplyExtraBody(body, req.ExtraBody)
	rawBody := provider.MarshalRawRequest(body)

	return params, rawBody, nil
}

func encodeMessages(msgs []schema.Message, sys *schema.SystemContent) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if sys != nil && sys.Text != nil {
		out = append(out, openai.SystemMessage(*sys.Text))
	}
	for _, m := range msgs {
		var text string
		var toolCalls []openai.ChatCompletionMessageToolCallParam
		for _, block := range m.Content {
			switch b := block.(type) {
			case schema.TextBlock:
				if b.Text != nil {
					text += *b.Text
				}
			case schema.RawTextBlock:
				text += b.Value
			case schema.ToolCallBlock:
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: b.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      b.Name,
						Arguments: string(b.Arguments),
					},
				})
			case schema.ToolResultBlock:
				out = append(out, openai.ToolMessage(b.Result, b.ID))
			}
		}
		switch m.Role {
		case schema.RoleUser:
			out = append(out, openai.UserMessage(text))
		case schema.RoleAssistant:
			msg := openai.ChatCompletionAssistantMessageParam{Content: openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(text)}}
			msg.ToolCalls = toolCalls
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &msg})
		default:
			return nil, fmt.Errorf("openai: unsupported role %q", m.Role)
		}
	}
	return out, nil
}

func encodeTools(tools []function.Tool) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		var params map[string]any
		if len(t.Schema) > 0 {
			_ = json.Unmarshal(t.Schema, &params)
		}
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  params,
			},
		})
	}
	return out
}

func encodeToolChoice(choice function.ToolChoice) (*openai.ChatCompletionToolChoiceOptionUnionParam, error) {
	switch choice.Mode {
	case "", function.ToolChoiceAuto:
		return nil, nil
	case function.ToolChoiceNone:
		c := openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("none")}
		return &c, nil
	case function.ToolChoiceRequired:
		c := openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("required")}
		return &c, nil
	case function.ToolChoiceSpecific:
		if choice.Name == "" {
			return nil, errors.New("openai: specific tool_choice requires a name")
		}
		c := openai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
				Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: choice.Name},
			},
		}
		return &c, nil
	default:
		return nil, fmt.Errorf("openai: unsupported tool_choice mode %q", choice.Mode)
	}
}

func encodeResponseFormat(rf provider.ResponseFormat) (openai.ChatCompletionNewParamsResponseFormatUnion, error) {
	if !rf.JSONMode {
		return openai.ChatCompletionNewParamsResponseFormatUnion{}, nil
	}
	if !rf.Strict {
		return openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		}, nil
	}
	if len(rf.Schema) == 0 {
		return openai.ChatCompletionNewParamsResponseFormatUnion{}, errors.New("openai: strict json mode requires an output schema")
	}
	var schemaFields map[string]any
	if err := json.Unmarshal(rf.Schema, &schemaFields); err != nil {
		return openai.ChatCompletionNewParamsResponseFormatUnion{}, fmt.Errorf("openai: output schema: %w", err)
	}
	return openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
			JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
				Name:   rf.Name,
				Schema: schemaFields,
				Strict: openai.Bool(true),
			},
		},
	}, nil
}

func (c *Client) translateResponse(resp *openai.ChatCompletion, rawRequest, rawResponse []byte) (*provider.Response, error) {
	if err := provider.ExactlyOneChoice(c.providerName, len(resp.Choices), rawRequest, rawResponse); err != nil {
		return nil, err
	}
	choice := resp.Choices[0]

	var content []function.OutputBlock
	if choice.Message.Content != "" {
		content = append(content, function.TextOutput{Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		content = append(content, function.ToolCallOutput{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}

	usage := function.Usage{InputTokens: int(resp.Usage.PromptTokens), OutputTokens: int(resp.Usage.CompletionTokens)}
	finish := provider.MapFinishReason(string(choice.FinishReason), finishReasons)

	return &provider.Response{Content: content, Usage: usage, FinishReason: finish, RawRequest: rawRequest, RawResponse: rawResponse}, nil
}

func (c *Client) translateError(op string, err error, rawRequest []byte) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &provider.Error{
			Provider:   c.providerName,
			Operation:  op,
			HTTPStatus: apiErr.StatusCode,
			Kind:       classifyStatus(apiErr.StatusCode),
			Message:    apiErr.Message,
			RawRequest: rawRequest,
			Retryable:  apiErr.StatusCode == 429 || apiErr.StatusCode >= 500,
			Cause:      err,
		}
	}
	return &provider.Error{Provider: c.providerName, Operation: op, Kind: provider.ErrorKindUnknown, RawRequest: rawRequest, Cause: err}
}

func classifyStatus(status int) provider.ErrorKind {
	switch {
	case status == 401 || status == 403:
		return provider.ErrorKindAuth
	case status == 429:
		return provider.ErrorKindRateLimited
	case status == 400 || status == 422:
		return provider.ErrorKindInvalidRequest
	case status >= 500:
		return provider.ErrorKindUnavailable
	default:
		return provider.ErrorKindUnknown
	}
}

// sdkEventSource adapts openai-go's ssestream.Stream to streaming.EventSource
// so the adapter reuses the shared demuxer/stitcher instead of duplicating
// chunk-translation logic.
type sdkEventSource struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
	opened bool
}

func (s *sdkEventSource) Next() (streaming.Event, bool) {
	if !s.opened {
		s.opened = true
		return streaming.Event{Kind: streaming.EventOpen}, true
	}
	if !s.stream.Next() {
		if err := s.stream.Err(); err != nil && !errors.Is(err, io.EOF) {
			return streaming.Event{Kind: streaming.EventError, Cause: err}, true
		}
		return streaming.Event{}, false
	}
	chunk := s.stream.Current()
	data, _ := json.Marshal(chunk)
	return streaming.Event{Kind: streaming.EventMessage, Data: string(data)}, true
}

type sdkStreamCloser struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
}

func (c sdkStreamCloser) Close() error { return c.stream.Close() }
