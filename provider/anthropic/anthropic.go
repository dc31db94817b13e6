// Package anthropic implements provider.Client on top of the Anthropic
// Claude Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/tzgw/function"
	"goa.design/tzgw/provider"
	"goa.design/tzgw/schema"
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter, satisfied by *sdk.MessageService in production and a mock in
// tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Client adapts provider.Client to Anthropic Claude Messages.
type Client struct {
	msg          MessagesClient
	providerName string
}

// New builds an adapter from an injected Messages client (real or mock).
func New(msg MessagesClient) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	return &Client{msg: msg, providerName: "anthropic"}, nil
}

// NewFromCredential constructs an adapter using the default Anthropic HTTP
// transport with a resolved bearer secret.
func NewFromCredential(secret string) (*Client, error) {
	if secret == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(secret))
	return New(&ac.Messages)
}

var finishReasons = map[string]function.FinishReason{
	"end_turn":      function.FinishStop,
	"stop_sequence": function.FinishStop,
	"max_tokens":    function.FinishLength,
	"tool_use":      function.FinishToolCall,
}

func (c *Client) Infer(ctx context.Context, req provider.Request) (*provider.Response, error) {
	params, rawBody, err := c.translateRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	secret, err := req.Credential.Resolve(req.DynamicKeys)
	if err != nil {
		return nil, err
	}
	opts := credentialOpts(secret)

	msg, err := c.msg.New(ctx, *params, opts...)
	if err != nil {
		return nil, c.translateError("infer", err, rawBody)
	}
	rawResponse, _ := json.Marshal(msg)
	return c.translateResponse(msg, rawBody, rawResponse)
}

func (c *Client) InferStream(ctx context.Context, req provider.Request) (provider.Streamer, []byte, error) {
	params, rawBody, err := c.translateRequest(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	secret, err := req.Credential.Resolve(req.DynamicKeys)
	if err != nil {
		return nil, nil, err
	}
	opts := credentialOpts(secret)

	stream := c.msg.NewStreaming(ctx, *params, opts...)
	if err := stream.Err(); err != nil {
		return nil, rawBody, c.translateError("infer_stream", err, rawBody)
	}
	return newStreamer(ctx, stream), rawBody, nil
}

func (c *Client) StartBatch(ctx context.Context, reqs []provider.Request) (*provider.BatchHandle, error) {
	return nil, provider.ErrUnsupportedOperation(c.providerName, "start_batch")
}

func (c *Client) PollBatch(ctx context.Context, handle provider.BatchHandle) (*provider.BatchPollResult, error) {
	return nil, provider.ErrUnsupportedOperation(c.providerName, "poll_batch")
}

func credentialOpts(secret string) []option.RequestOption {
	if secret == "" {
		return nil
	}
	return []option.RequestOption{option.WithAPIKey(secret)}
}

func (c *Client) translateRequest(_ context.Context, req provider.Request) (*sdk.MessageNewParams, []byte, error) {
	if req.ModelID == "" {
		return nil, nil, errors.New("anthropic: model id is required")
	}
	if len(req.Messages) == 0 {
		return nil, nil, errors.New("anthropic: at least one message is required")
	}

	msgs, system, err := encodeMessages(req.Messages, req.System)
	if err != nil {
		return nil, nil, err
	}

	maxTokens := 4096
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.ModelID),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = sdk.Float(*req.TopP)
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return nil, nil, err
		}
		params.Tools = tools
	}
	if choice, err := encodeToolChoice(req.ToolChoice, req.Tools); err != nil {
		return nil, nil, err
	} else if choice != nil {
		params.ToolChoice = *choice
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Strict {
		if len(req.ResponseFormat.Schema) == 0 {
			return nil, nil, errors.New("anthropic: strict json mode requires an output schema")
		}
		tool, err := strictOutputTool(*req.ResponseFormat)
		if err != nil {
			return nil, nil, err
		}
		params.Tools = append(params.Tools, tool)
		params.ToolChoice = sdk.ToolChoiceParamOfTool(req.ResponseFormat.Name)
	}

	body := map[string]any{}
	raw, _ := json.Marshal(params)
	_ = json.Unmarshal(raw, &body)
	body = provider.ApplyExtraBody(body, req.ExtraBody)
	rawBody := provider.MarshalRawRequest(body)

	return &params, rawBody, nil
}

func encodeMessages(msgs []schema.Message, sys *schema.SystemContent) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	var system []sdk.TextBlockParam
	if sys != nil && sys.Text != nil {
		system = append(system, sdk.TextBlockParam{Text: *sys.Text})
	}

	conversation := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Content))
		for _, block := range m.Content {
			switch b := block.(type) {
			case schema.TextBlock:
				if b.Text != nil {
					blocks = append(blocks, sdk.NewTextBlock(*b.Text))
				}
			case schema.RawTextBlock:
				blocks = append(blocks, sdk.NewTextBlock(b.Value))
			case schema.ToolCallBlock:
				var input any
				_ = json.Unmarshal(b.Arguments, &input)
				blocks = append(blocks, sdk.NewToolUseBlock(b.ID, input, b.Name))
			case schema.ToolResultBlock:
				blocks = append(blocks, sdk.NewToolResultBlock(b.ID, b.Result, false))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case schema.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case schema.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported role %q", m.Role)
		}
	}
	return conversation, system, nil
}

func encodeTools(tools []function.Tool) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schemaFields map[string]any
		if len(t.Schema) > 0 {
			if err := json.Unmarshal(t.Schema, &schemaFields); err != nil {
				return nil, fmt.Errorf("anthropic: tool %q schema: %w", t.Name, err)
			}
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schemaFields}, t.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(t.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func encodeToolChoice(choice function.ToolChoice, tools []function.Tool) (*sdk.ToolChoiceUnionParam, error) {
	switch choice.Mode {
	case "", function.ToolChoiceAuto:
		return nil, nil
	case function.ToolChoiceNone:
		none := sdk.NewToolChoiceNoneParam()
		return &sdk.ToolChoiceUnionParam{OfNone: &none}, nil
	case function.ToolChoiceRequired:
		return &sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}, nil
	case function.ToolChoiceSpecific:
		for _, t := range tools {
			if t.Name == choice.Name {
				tc := sdk.ToolChoiceParamOfTool(choice.Name)
				return &tc, nil
			}
		}
		return nil, fmt.Errorf("anthropic: tool_choice refers to unavailable tool %q", choice.Name)
	default:
		return nil, fmt.Errorf("anthropic: unsupported tool_choice mode %q", choice.Mode)
	}
}

func strictOutputTool(rf provider.ResponseFormat) (sdk.ToolUnionParam, error) {
	var fields map[string]any
	if err := json.Unmarshal(rf.Schema, &fields); err != nil {
		return sdk.ToolUnionParam{}, fmt.Errorf("anthropic: strict output schema: %w", err)
	}
	u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: fields}, rf.Name)
	return u, nil
}

func (c *Client) translateResponse(msg *sdk.Message, rawRequest, rawResponse []byte) (*provider.Response, error) {
	var content []function.OutputBlock
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				content = append(content, function.TextOutput{Text: block.Text})
			}
		case "thinking":
			content = append(content, function.ThoughtOutput{Text: block.Thinking, Signature: block.Signature})
		case "tool_use":
			args, _ := json.Marshal(block.Input)
			content = append(content, function.ToolCallOutput{ID: block.ID, Name: block.Name, Arguments: string(args)})
		}
	}

	usage := function.Usage{InputTokens: int(msg.Usage.InputTokens), OutputTokens: int(msg.Usage.OutputTokens)}
	finish := provider.MapFinishReason(string(msg.StopReason), finishReasons)

	return &provider.Response{
		Content:      content,
		Usage:        usage,
		FinishReason: finish,
		RawRequest:   rawRequest,
		RawResponse:  rawResponse,
	}, nil
}

func (c *Client) translateError(op string, err error, rawRequest []byte) error {
	var apiErr *sdk.Error
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
