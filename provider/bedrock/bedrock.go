// Package bedrock implements provider.Client on top of the AWS Bedrock
// Converse API.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"goa.design/tzgw/function"
	"goa.design/tzgw/provider"
	"goa.design/tzgw/schema"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client the
// adapter uses, satisfied by *bedrockruntime.Client or a mock in tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Client adapts provider.Client to the AWS Bedrock Converse API.
type Client struct {
	runtime      RuntimeClient
	providerName string
}

// New builds an adapter from an injected runtime client (real or mock).
// Bedrock resolves credentials via the AWS SDK's own credential chain, so
// provider.Request.Credential is not consulted here; a request-scoped
// Dynamic credential instead names an IAM role ARN to assume, which
// callers wire into the AWS config before constructing RuntimeClient.
func New(runtime RuntimeClient) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	return &Client{runtime: runtime, providerName: "bedrock"}, nil
}

var finishReasons = map[string]function.FinishReason{
	string(brtypes.StopReasonEndTurn):      function.FinishStop,
	string(brtypes.StopReasonStopSequence): function.FinishStop,
	string(brtypes.StopReasonMaxTokens):    function.FinishLength,
	string(brtypes.StopReasonToolUse):      function.FinishToolCall,
	string(brtypes.StopReasonContentFiltered): function.FinishContentFilter,
}

func (c *Client) Infer(ctx context.Context, req provider.Request) (*provider.Response, error) {
	input, rawBody, err := c.translateRequest(req)
	if err != nil {
		return nil, err
	}

	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return nil, c.translateError("infer", err, rawBody)
	}
	rawResponse, _ := json.Marshal(out)
	return c.translateResponse(out, rawBody, rawResponse)
}

func (c *Client) InferStream(ctx context.Context, req provider.Request) (provider.Streamer, []byte, error) {
	streamInput, rawBody, err := c.translateRequest(req)
	if err != nil {
		return nil, nil, err
	}
	out, err := c.runtime.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         streamInput.ModelId,
		Messages:        streamInput.Messages,
		System:          streamInput.System,
		InferenceConfig: streamInput.InferenceConfig,
		ToolConfig:      streamInput.ToolConfig,
	})
	if err != nil {
		return nil, rawBody, c.translateError("infer_stream", err, rawBody)
	}
	return newStreamer(ctx, out.GetStream()), rawBody, nil
}

func (c *Client) StartBatch(ctx context.Context, reqs []provider.Request) (*provider.BatchHandle, error) {
	return nil, provider.ErrUnsupportedOperation(c.providerName, "start_batch")
}

func (c *Client) PollBatch(ctx context.Context, handle provider.BatchHandle) (*provider.BatchPollResult, error) {
	return nil, provider.ErrUnsupportedOperation(c.providerName, "poll_batch")
}

func (c *Client) translateRequest(req provider.Request) (*bedrockruntime.ConverseInput, []byte, error) {
	if req.ModelID == "" {
		return nil, nil, errors.New("bedrock: model id is required")
	}
	if len(req.Messages) == 0 {
		return nil, nil, errors.New("bedrock: at least one message is required")
	}

	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, nil, err
	}

	var system []brtypes.SystemContentBlock
	if req.System != nil && req.System.Text != nil {
		system = append(system, &brtypes.SystemContentBlockMemberText{Value: *req.System.Text})
	}

	inferenceConfig := &brtypes.InferenceConfiguration{}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		inferenceConfig.Temperature = &t
	}
	if req.MaxTokens != nil {
		mt := int32(*req.MaxTokens)
		inferenceConfig.MaxTokens = &mt
	}
	if req.TopP != nil {
		tp := float32(*req.TopP)
		inferenceConfig.TopP = &tp
	}
	if len(req.StopSequences) > 0 {
		inferenceConfig.StopSequences = req.StopSequences
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:         &req.ModelID,
		Messages:        messages,
		System:          system,
		InferenceConfig: inferenceConfig,
	}

	if len(req.Tools) > 0 {
		toolConfig, err := encodeToolConfig(req.Tools, req.ToolChoice)
		if err != nil {
			return nil, nil, err
		}
		input.ToolConfig = toolConfig
	}

	body := map[string]any{}
	raw, _ := json.Marshal(input)
	_ = json.Unmarshal(raw, &body)
	body = provider.ApplyExtraBody(body, req.ExtraBody)
	rawBody := provider.MarshalRawRequest(body)

	return input, rawBody, nil
}

func encodeMessages(msgs []schema.Message) ([]brtypes.Message, error) {
	out := make([]brtypes.Message, 0, len(msgs))
	for _, m := range msgs {
		var role brtypes.ConversationRole
		switch m.Role {
		case schema.RoleUser:
			role = brtypes.ConversationRoleUser
		case schema.RoleAssistant:
			role = brtypes.ConversationRoleAssistant
		default:
			return nil, fmt.Errorf("bedrock: unsupported role %q", m.Role)
		}

		var content []brtypes.ContentBlock
		for _, block := range m.Content {
			switch b := block.(type) {
			case schema.TextBlock:
				if b.Text != nil {
					content = append(content, &brtypes.ContentBlockMemberText{Value: *b.Text})
				}
			case schema.RawTextBlock:
				content = append(content, &brtypes.ContentBlockMemberText{Value: b.Value})
			case schema.ToolCallBlock:
				var args map[string]any
				_ = json.Unmarshal(b.Arguments, &args)
				content = append(content, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: &b.ID,
					Name:      &b.Name,
					Input:     document.NewLazyDocument(&args),
				}})
			case schema.ToolResultBlock:
				content = append(content, &brtypes.ContentBlockMemberToolResult{Value: brtypes.ToolResultBlock{
					ToolUseId: &b.ID,
					Content: []brtypes.ToolResultContentBlock{
						&brtypes.ToolResultContentBlockMemberText{Value: b.Result},
					},
				}})
			}
		}
		if len(content) == 0 {
			continue
		}
		out = append(out, brtypes.Message{Role: role, Content: content})
	}
	if len(out) == 0 {
		return nil, errors.New("bedrock: at least one non-empty message is required")
	}
	return out, nil
}

func encodeToolConfig(tools []function.Tool, choice function.ToolChoice) (*brtypes.ToolConfiguration, error) {
	specs := make([]brtypes.Tool, 0, len(tools))
	for _, t := range tools {
		var schemaFields map[string]any
		if len(t.Schema) > 0 {
			if err := json.Unmarshal(t.Schema, &schemaFields); err != nil {
				return nil, fmt.Errorf("bedrock: tool %q schema: %w", t.Name, err)
			}
		}
		name, desc := t.Name, t.Description
		specs = append(specs, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
			Name:        &name,
			Description: &desc,
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(&schemaFields)},
		}})
	}

	cfg := &brtypes.ToolConfiguration{Tools: specs}
	switch choice.Mode {
	case "", function.ToolChoiceAuto:
		cfg.ToolChoice = &brtypes.ToolChoiceMemberAuto{}
	case function.ToolChoiceRequired:
		cfg.ToolChoice = &brtypes.ToolChoiceMemberAny{}
	case function.ToolChoiceSpecific:
		name := choice.Name
		cfg.ToolChoice = &brtypes.ToolChoiceMemberTool{Value: brtypes.SpecificToolChoice{Name: &name}}
	case function.ToolChoiceNone:
		// Bedrock Converse has no explicit "none" tool choice; omitting
		// ToolChoice with an empty Tools list achieves the same effect,
		// but tools were requested here, so the caller's combination is
		// contradictory. Leave the default (auto) and let the model's own
		// judgment apply, matching the provider's actual capability.
	}
	return cfg, nil
}

func (c *Client) translateResponse(out *bedrockruntime.ConverseOutput, rawRequest, rawResponse []byte) (*provider.Response, error) {
	msgOutput, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return nil, &provider.Error{Provider: c.providerName, Operation: "infer", Kind: provider.ErrorKindUpstreamFormat, Message: "converse response has no message output", RawRequest: rawRequest, RawResponse: rawResponse}
	}

	var content []function.OutputBlock
	for _, block := range msgOutput.Value.Content {
		switch b := block.(type) {
		case *brtypes.ContentBlockMemberText:
			content = append(content, function.TextOutput{Text: b.Value})
		case *brtypes.ContentBlockMemberReasoningContent:
			if rc, ok := b.Value.(*brtypes.ReasoningContentBlockMemberReasoningText); ok {
				text := ""
				if rc.Value.Text != nil {
					text = *rc.Value.Text
				}
				content = append(content, function.ThoughtOutput{Text: text})
			}
		case *brtypes.ContentBlockMemberToolUse:
			args := decodeDocument(b.Value.Input)
			name := ""
			if b.Value.Name != nil {
				name = *b.Value.Name
			}
			id := ""
			if b.Value.ToolUseId != nil {
				id = *b.Value.ToolUseId
			}
			content = append(content, function.ToolCallOutput{ID: id, Name: name, Arguments: string(args)})
		}
	}

	var usage function.Usage
	if out.Usage != nil {
		if out.Usage.InputTokens != nil {
			usage.InputTokens = int(*out.Usage.InputTokens)
		}
		if out.Usage.OutputTokens != nil {
			usage.OutputTokens = int(*out.Usage.OutputTokens)
		}
	}
	finish := provider.MapFinishReason(string(out.StopReason), finishReasons)

	return &provider.Response{Content: content, Usage: usage, FinishReason: finish, RawRequest: rawRequest, RawResponse: rawResponse}, nil
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}

func (c *Client) translateError(op string, err error, rawRequest []byte) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return &provider.Error{
			Provider:   c.providerName,
			Operation:  op,
			Kind:       classifyCode(apiErr.ErrorCode()),
			Code:       apiErr.ErrorCode(),
			Message:    apiErr.ErrorMessage(),
			RawRequest: rawRequest,
			Retryable:  classifyCode(apiErr.ErrorCode()) == provider.ErrorKindUnavailable || classifyCode(apiErr.ErrorCode()) == provider.ErrorKindRateLimited,
			Cause:      err,
		}
	}
	return &provider.Error{Provider: c.providerName, Operation: op, Kind: provider.ErrorKindUnknown, RawRequest: rawRequest, Cause: err}
}

func classifyCode(code string) provider.ErrorKind {
	switch code {
	case "AccessDeniedException", "UnauthorizedException":
		return provider.ErrorKindAuth
	case "ThrottlingException", "TooManyRequestsException":
		return provider.ErrorKindRateLimited
	case "ValidationException":
		return provider.ErrorKindInvalidRequest
	case "ServiceUnavailableException", "InternalServerException", "ModelTimeoutException":
		return provider.ErrorKindUnavailable
	default:
		return provider.ErrorKindUnknown
	}
}
