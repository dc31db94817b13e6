// Package provider defines the provider-agnostic request/response
// contract every model adapter implements, per spec.md §4.4: a uniform
// four-operation interface, a canonical request shape, and translation
// rules for tool calls, finish reasons, and usage.
package provider

import (
	"context"
	"encoding/json"

	"goa.design/tzgw/function"
	"goa.design/tzgw/schema"
)

// ResponseFormat selects how a request asks the provider to shape its
// output.
type ResponseFormat struct {
	// JSONMode requests the provider's native structured-output mode.
	JSONMode bool

	// Strict requests schema-enforced structured output when the provider
	// supports it. Name/Schema are populated when Strict is true.
	Strict bool
	Name   string
	Schema json.RawMessage
}

// Request is the canonical, provider-agnostic shape of an inference call.
// Adapters translate this into their wire format; spec.md §4.4 enumerates
// exactly the fields that must be preserved across translation.
type Request struct {
	ModelID string

	Messages []schema.Message
	System   *schema.SystemContent

	Temperature       *float64
	MaxTokens         *int
	TopP              *float64
	PresencePenalty   *float64
	FrequencyPenalty  *float64
	Seed              *int64
	StopSequences     []string

	Stream        bool
	StreamOptions *StreamOptions

	ResponseFormat *ResponseFormat

	Tools             []function.Tool
	ToolChoice        function.ToolChoice
	ParallelToolCalls *bool

	// ExtraBody overrides fields by JSON path in the translated body that
	// the adapters serialize into RawRequest for logging; the adapters do not
	// apply it to the request they send. ExtraHeaders is carried here, but
	// no adapter adds it to the outbound HTTP request.
	ExtraBody    map[string]any
	ExtraHeaders map[string]string

	// Credential resolves the bearer secret for this call; DynamicKeys is
	// the per-request credential map Credential.Resolve consults.
	Credential  Credential
	DynamicKeys map[string]string
}

// StreamOptions controls provider-side streaming behavior (for example,
// requesting a final usage-bearing chunk). Only applied when Stream is
// true.
type StreamOptions struct {
	IncludeUsage bool
}

// Response is the canonical, provider-agnostic shape of a non-streaming
// inference response.
type Response struct {
	Content      []function.OutputBlock
	Usage        function.Usage
	FinishReason function.FinishReason

	// RawRequest is the translated wire body with ExtraBody applied,
	// serialized for logging. RawResponse is the exact bytes received.
	RawRequest  []byte
	RawResponse []byte
}

// BatchHandle identifies an in-flight provider batch job.
type BatchHandle struct {
	ID string
}

// BatchStatus reports the lifecycle state of a batch job.
type BatchStatus string

const (
	BatchStatusInProgress BatchStatus = "in_progress"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
)

// BatchPollResult is returned by PollBatch.
type BatchPollResult struct {
	Status    BatchStatus
	Responses []Response // populated when Status == BatchStatusCompleted
}

// Chunk is one streaming increment of a Response, normalized by the
// streaming engine (C5) from provider-specific SSE frames.
type Chunk struct {
	Content      []function.OutputBlock
	FinishReason *function.FinishReason // set near the end of the stream
	Usage        *function.Usage        // set near the end; may arrive on a different chunk than FinishReason
}

// Streamer yields normalized Chunks from an in-flight streaming call.
// Implementations follow the inspect-first-then-yield discipline: the
// first Recv call surfaces any immediate transport error (e.g. an HTTP
// error status) before any chunk is produced.
type Streamer interface {
	Recv() (*Chunk, error)
	Close() error
}

// Client is the uniform operation set every provider adapter implements.
type Client interface {
	// Infer performs a single non-streaming call.
	Infer(ctx context.Context, req Request) (*Response, error)

	// InferStream performs a streaming call, returning a Streamer plus the
	// raw translated request body for logging.
	InferStream(ctx context.Context, req Request) (Streamer, []byte, error)

	// StartBatch submits a batch job. Adapters without batch support
	// return ErrUnsupportedOperation.
	StartBatch(ctx context.Context, reqs []Request) (*BatchHandle, error)

	// PollBatch checks a batch job's status. Adapters without batch
	// support return ErrUnsupportedOperation.
	PollBatch(ctx context.Context, handle BatchHandle) (*BatchPollResult, error)
}
