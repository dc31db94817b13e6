package client

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"goa.design/tzgw/analytics"
	"goa.design/tzgw/function"
	"goa.design/tzgw/provider"
	"goa.design/tzgw/schema"
	"goa.design/tzgw/streaming"
	"goa.design/tzgw/variant"
)

func (d *Dispatcher) inferEmbedded(ctx context.Context, params InferenceParams) (*InferenceResult, error) {
	started := time.Now()

	episodeID, err := resolveEpisodeID(params.EpisodeID)
	if err != nil {
		return nil, classify(err)
	}

	if err := d.authorize(ctx, params.AuthCode); err != nil {
		return nil, classify(err)
	}

	fn, ok := d.state.Functions[params.FunctionName]
	if !ok {
		return nil, &Error{Kind: ErrorKindInvalidRequest, HTTPStatus: 400, Message: fmt.Sprintf("unknown function %q", params.FunctionName)}
	}

	if err := schema.ValidateInput(params.Input, fn.Schemas); err != nil {
		return nil, classify(err)
	}

	toolConfig, err := function.PrepareToolConfig(fn, params.Dynamic, d.state.Tools)
	if err != nil {
		return nil, classify(err)
	}

	candidates := sortedVariantNames(fn.Variants)
	samplerVariants := fn.SamplerVariants()

	var (
		attempts []function.ModelAttempt
		lastErr  error
	)
	for len(candidates) > 0 {
		variantName, _, remaining, err := variant.Sample(candidates, samplerVariants, fn.Name, episodeID.String())
		if err != nil {
			return nil, classify(err)
		}
		candidates = remaining

		target, prov, err := d.resolveTarget(fn.Name, variantName)
		if err != nil {
			lastErr = err
			continue
		}

		req, err := buildProviderRequest(fn, target, toolConfig, params)
		if err != nil {
			return nil, classify(err)
		}

		callStart := time.Now()
		resp, callErr := prov.Infer(ctx, req)
		latency := time.Since(callStart)

		if callErr != nil {
			attempts = append(attempts, function.ModelAttempt{
				ProviderName: target.ProviderName,
				ModelName:    target.ModelID,
				RawRequest:   rawRequestOf(callErr),
				Latency:      latency,
				FinishReason: function.FinishUnknown,
			})
			lastErr = callErr
			continue
		}

		attempts = append(attempts, function.ModelAttempt{
			ProviderName: target.ProviderName,
			ModelName:    target.ModelID,
			RawRequest:   resp.RawRequest,
			RawResponse:  resp.RawResponse,
			Usage:        resp.Usage,
			FinishReason: resp.FinishReason,
			Latency:      latency,
		})

		totalUsage := aggregateUsage(attempts)
		chat, jsonResult, err := function.PrepareResponse(ctx, fn, function.AssemblyInput{
			EpisodeID:           episodeID,
			Content:             resp.Content,
			Usage:               totalUsage,
			FinishReason:        resp.FinishReason,
			Latency:             time.Since(started),
			ModelResults:        attempts,
			DynamicOutputSchema: params.DynamicOutputSchema,
		})
		if err != nil {
			return nil, classify(err)
		}

		d.recordInference(ctx, fn.Name, variantName, target, chat, jsonResult)

		return &InferenceResult{Chat: chat, JSON: jsonResult}, nil
	}

	if lastErr == nil {
		lastErr = &variant.InvalidFunctionVariantsError{FunctionName: fn.Name, Reason: "no candidate variants"}
	}
	return nil, classify(lastErr)
}

func (d *Dispatcher) inferStreamEmbedded(ctx context.Context, params InferenceParams) (provider.Streamer, error) {
	started := time.Now()

	if err := d.authorize(ctx, params.AuthCode); err != nil {
		return nil, classify(err)
	}

	fn, ok := d.state.Functions[params.FunctionName]
	if !ok {
		return nil, &Error{Kind: ErrorKindInvalidRequest, HTTPStatus: 400, Message: fmt.Sprintf("unknown function %q", params.FunctionName)}
	}

	if err := schema.ValidateInput(params.Input, fn.Schemas); err != nil {
		return nil, classify(err)
	}

	toolConfig, err := function.PrepareToolConfig(fn, params.Dynamic, d.state.Tools)
	if err != nil {
		return nil, classify(err)
	}

	episodeID, err := resolveEpisodeID(params.EpisodeID)
	if err != nil {
		return nil, classify(err)
	}

	candidates := sortedVariantNames(fn.Variants)
	samplerVariants := fn.SamplerVariants()

	var lastErr error
	for len(candidates) > 0 {
		variantName, _, remaining, err := variant.Sample(candidates, samplerVariants, fn.Name, episodeID.String())
		if err != nil {
			return nil, classify(err)
		}
		candidates = remaining

		target, prov, err := d.resolveTarget(fn.Name, variantName)
		if err != nil {
			lastErr = err
			continue
		}

		req, err := buildProviderRequest(fn, target, toolConfig, params)
		if err != nil {
			return nil, classify(err)
		}
		req.Stream = true

		streamer, _, err := prov.InferStream(ctx, req)
		if err != nil {
			lastErr = err
			continue
		}

		// Peek-first-then-yield: a connect-time failure must never reach the
		// caller as the first Recv on a handed-back Streamer.
		first, recvErr := streamer.Recv()
		if recvErr != nil {
			_ = streamer.Close()
			lastErr = recvErr
			continue
		}

		peeked := newPeekedStreamer(first, streamer)
		return newAccumulatingStreamer(peeked, func(chunks []*provider.Chunk) {
			d.finishStreamEmbedded(ctx, fn, variantName, target, episodeID, params, chunks, started)
		}), nil
	}

	if lastErr == nil {
		lastErr = &variant.InvalidFunctionVariantsError{FunctionName: fn.Name, Reason: "no candidate variants"}
	}
	return nil, classify(lastErr)
}

func (d *Dispatcher) authorize(ctx context.Context, authCode string) error {
	if d.state.Auth == nil {
		return nil
	}
	_, err := d.state.Auth.Validate(ctx, authCode)
	return err
}

func (d *Dispatcher) resolveTarget(functionName, variantName string) (VariantTarget, provider.Client, error) {
	targets, ok := d.state.VariantTargets[functionName]
	if !ok {
		return VariantTarget{}, nil, &Error{Kind: ErrorKindConfig, HTTPStatus: 500, Message: fmt.Sprintf("function %q has no routing table", functionName)}
	}
	target, ok := targets[variantName]
	if !ok {
		return VariantTarget{}, nil, &Error{Kind: ErrorKindConfig, HTTPStatus: 500, Message: fmt.Sprintf("variant %q of function %q has no routing target", variantName, functionName)}
	}
	prov, ok := d.state.Providers[target.ProviderName]
	if !ok {
		return VariantTarget{}, nil, &Error{Kind: ErrorKindConfig, HTTPStatus: 500, Message: fmt.Sprintf("unknown provider %q", target.ProviderName)}
	}
	return target, prov, nil
}

// buildProviderRequest assembles the canonical provider.Request for one
// model attempt. For a Json function routed to a provider without native
// ResponseFormat support, the output schema is instead enforced via the
// implicit tool spec.md §4.4 describes.
func buildProviderRequest(fn *function.Function, target VariantTarget, toolConfig *function.ToolConfig, params InferenceParams) (provider.Request, error) {
	req := provider.Request{
		ModelID:      target.ModelID,
		Messages:     params.Input.Messages,
		System:       params.Input.System,
		ExtraBody:    params.ExtraBody,
		ExtraHeaders: params.ExtraHeaders,
		Credential:   target.Credential,
		DynamicKeys:  params.Credentials,
	}

	switch fn.Kind {
	case function.KindChat:
		if toolConfig != nil {
			req.Tools = toolConfig.Tools
			req.ToolChoice = toolConfig.ToolChoice
			req.ParallelToolCalls = &toolConfig.ParallelToolCalls
		}
	case function.KindJSON:
		outputSchema := params.DynamicOutputSchema
		if len(outputSchema) == 0 {
			outputSchema = fn.OutputSchema
		}
		if target.NativeJSONMode {
			req.ResponseFormat = &provider.ResponseFormat{JSONMode: true, Strict: true, Name: "response", Schema: outputSchema}
		} else {
			tool, err := function.ImplicitJSONTool(fn)
			if err != nil {
				return provider.Request{}, err
			}
			req.Tools = []function.Tool{tool}
			req.ToolChoice = function.ToolChoice{Mode: function.ToolChoiceSpecific, Name: tool.Name}
		}
	}

	return req, nil
}

// finishStreamEmbedded runs the response assembler over a completed chunk
// sequence and records the resulting inference, the streaming counterpart
// to the assemble-then-record tail of inferEmbedded's successful attempt.
func (d *Dispatcher) finishStreamEmbedded(ctx context.Context, fn *function.Function, variantName string, target VariantTarget, episodeID uuid.UUID, params InferenceParams, chunks []*provider.Chunk, started time.Time) {
	content, usage, finishReason := streaming.Accumulate(chunks)
	chat, jsonResult, err := function.PrepareResponse(ctx, fn, function.AssemblyInput{
		EpisodeID:    episodeID,
		Content:      content,
		Usage:        usage,
		FinishReason: finishReason,
		Latency:      time.Since(started),
		ModelResults: []function.ModelAttempt{{
			ProviderName: target.ProviderName,
			ModelName:    target.ModelID,
			Usage:        usage,
			FinishReason: finishReason,
			Latency:      time.Since(started),
		}},
		DynamicOutputSchema: params.DynamicOutputSchema,
	})
	if err != nil {
		return
	}
	d.recordInference(ctx, fn.Name, variantName, target, chat, jsonResult)
}

func (d *Dispatcher) recordInference(ctx context.Context, functionName, variantName string, target VariantTarget, chat *function.ChatInferenceResult, jsonResult *function.JSONInferenceResult) {
	if d.state.Analytics == nil {
		return
	}
	rec := analytics.InferenceRecord{FunctionName: functionName, VariantName: variantName, ModelName: target.ModelID, CreatedAt: time.Now()}
	switch {
	case chat != nil:
		rec.InferenceID = chat.InferenceID.String()
		rec.EpisodeID = chat.EpisodeID.String()
		rec.InputTokens = chat.Usage.InputTokens
		rec.OutputTokens = chat.Usage.OutputTokens
		rec.FinishReason = string(chat.FinishReason)
		rec.LatencyMs = chat.Latency.Milliseconds()
	case jsonResult != nil:
		rec.InferenceID = jsonResult.InferenceID.String()
		rec.EpisodeID = jsonResult.EpisodeID.String()
		rec.InputTokens = jsonResult.Usage.InputTokens
		rec.OutputTokens = jsonResult.Usage.OutputTokens
		rec.FinishReason = string(jsonResult.FinishReason)
		rec.LatencyMs = jsonResult.Latency.Milliseconds()
	default:
		return
	}
	// Best-effort: spec.md §5 only requires partial analytics writes not
	// block or fail the response path.
	_ = d.state.Analytics.RecordInference(ctx, rec)
}

func resolveEpisodeID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.NewV7()
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, &Error{Kind: ErrorKindInvalidRequest, HTTPStatus: 400, Message: fmt.Sprintf("episode_id %q is not a valid UUID", raw), Cause: err}
	}
	return id, nil
}

func sortedVariantNames(variants map[string]function.VariantInfo) []string {
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func aggregateUsage(attempts []function.ModelAttempt) function.Usage {
	var total function.Usage
	for _, a := range attempts {
		total = total.Add(a.Usage)
	}
	return total
}

func rawRequestOf(err error) []byte {
	if perr, ok := provider.AsError(err); ok {
		return perr.RawRequest
	}
	return nil
}
