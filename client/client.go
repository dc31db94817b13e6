// Package client implements the gateway's two-mode request dispatcher
// (spec.md §4.8): Embedded mode resolves a function, samples a variant, and
// calls a provider adapter in-process; Remote mode speaks JSON-over-HTTP
// (and SSE for streaming) to a peer gateway, tracking its advertised
// version so old-peer compatibility rewrites (package version) can be
// applied.
package client

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"goa.design/tzgw/analytics"
	"goa.design/tzgw/auth"
	"goa.design/tzgw/function"
	"goa.design/tzgw/provider"
	"goa.design/tzgw/schema"
)

// Mode selects how a Dispatcher reaches the gateway core.
type Mode int

const (
	// ModeEmbedded runs the gateway core in-process.
	ModeEmbedded Mode = iota

	// ModeRemote speaks HTTP to a peer gateway.
	ModeRemote
)

// VariantTarget is the routing metadata a variant needs beyond what
// function.VariantInfo carries (weight, timeout): which provider serves it,
// which model id to request, the credential to present, and whether that
// provider understands provider.ResponseFormat natively. function.VariantInfo
// deliberately stays opaque to this (see its doc comment); the dispatcher's
// own registry supplies what function/variant don't.
type VariantTarget struct {
	ProviderName string
	ModelID      string
	Credential   provider.Credential

	// NativeJSONMode reports whether ProviderName's adapter honors
	// provider.Request.ResponseFormat. When false, a Json function routed
	// to this variant instead gets an implicit tool (function.ImplicitJSONTool)
	// with tool_choice pinned to it.
	NativeJSONMode bool
}

// AppState is the embedded-mode gateway core: the immutable function/tool
// registry, the provider adapters and their routing table, and the
// optional auth/analytics collaborators. It is constructed once at startup
// and shared by reference, per spec.md §5's "Config: immutable shared
// state after construction".
type AppState struct {
	Functions map[string]*function.Function
	Tools     map[string]function.Tool

	// Providers maps a provider name (as named by VariantTarget.ProviderName)
	// to the adapter that serves it.
	Providers map[string]provider.Client

	// VariantTargets maps function name -> variant name -> routing target.
	VariantTargets map[string]map[string]VariantTarget

	// Auth, when non-nil, gates every Infer/InferStream call on a valid
	// bearer code. A nil Auth means the embedded core is used without the
	// HTTP-surface authentication layer (for example, in-process tests).
	Auth *auth.Cache

	// Analytics, when non-nil, receives one row per completed inference: a
	// non-streaming call's row on success, a streaming call's row once the
	// caller drains the stream to io.EOF (spec.md §4.6's "full chain... for
	// observability").
	Analytics *analytics.Store

	// Timeout, when positive, bounds every Infer call; it wraps the whole
	// operation, so exceeding it cancels any in-flight provider call per
	// spec.md §5's cancellation model. InferStream calls are not bounded by
	// it.
	Timeout time.Duration
}

// Dispatcher is the single entry point spec.md §4.8 describes: Embedded or
// Remote, selected once at construction and never switched afterward.
type Dispatcher struct {
	mode Mode

	// Embedded-mode fields.
	state *AppState

	// Remote-mode fields.
	baseURL string
	http    *http.Client

	versionMu   sync.Mutex
	peerVersion string
}

// NewEmbedded builds a Dispatcher that calls the gateway core in-process.
func NewEmbedded(state AppState) *Dispatcher {
	return &Dispatcher{mode: ModeEmbedded, state: &state}
}

// NewRemote builds a Dispatcher that speaks to a peer gateway over HTTP.
// baseURL is normalized to end with "/" so that relative path joins
// preserve any path prefix, per spec.md §6. httpClient may be nil, in which
// case http.DefaultClient is used.
func NewRemote(baseURL string, httpClient *http.Client) (*Dispatcher, error) {
	if baseURL == "" {
		return nil, &Error{Kind: ErrorKindConfig, HTTPStatus: 500, Message: "remote dispatcher requires a base URL"}
	}
	if baseURL[len(baseURL)-1] != '/' {
		baseURL += "/"
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Dispatcher{mode: ModeRemote, baseURL: baseURL, http: httpClient}, nil
}

// Mode reports which mode d was constructed in.
func (d *Dispatcher) Mode() Mode { return d.mode }

// peerVersionSnapshot returns the most recently observed peer version
// under lock; "" means no response has carried the version header yet.
func (d *Dispatcher) peerVersionSnapshot() string {
	d.versionMu.Lock()
	defer d.versionMu.Unlock()
	return d.peerVersion
}

// recordPeerVersion updates the version slot. Per spec.md §4.8/§5, updates
// are last-writer-wins; a blank header is ignored rather than clobbering a
// previously observed value.
func (d *Dispatcher) recordPeerVersion(header string) {
	if header == "" {
		return
	}
	d.versionMu.Lock()
	d.peerVersion = header
	d.versionMu.Unlock()
}

// InferenceParams is the mode-agnostic shape of an inference call.
type InferenceParams struct {
	FunctionName string

	// EpisodeID continues an existing episode when set; empty mints a new
	// one (the first inference of an episode).
	EpisodeID string

	Input   schema.Input
	Dynamic function.DynamicParams

	// DynamicOutputSchema overrides the function's static output schema
	// for Json validation, when supplied per-request.
	DynamicOutputSchema json.RawMessage

	// AuthCode is the bearer code from the authentication header. Embedded
	// mode validates it via AppState.Auth when configured; remote mode
	// forwards it verbatim as the outbound request's auth header.
	AuthCode string

	// Credentials resolves Dynamic provider credentials (provider.Credential
	// with CredentialKindDynamic); unused in remote mode.
	Credentials map[string]string

	ExtraBody    map[string]any
	ExtraHeaders map[string]string
}

// InferenceResult wraps the two possible shapes of a completed inference;
// exactly one of Chat or JSON is set, matching the called function's Kind.
type InferenceResult struct {
	Chat *function.ChatInferenceResult
	JSON *function.JSONInferenceResult
}

// Infer performs a single non-streaming inference call.
func (d *Dispatcher) Infer(ctx context.Context, params InferenceParams) (*InferenceResult, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	switch d.mode {
	case ModeEmbedded:
		return d.inferEmbedded(ctx, params)
	case ModeRemote:
		return d.inferRemote(ctx, params)
	default:
		return nil, &Error{Kind: ErrorKindConfig, HTTPStatus: 500, Message: "dispatcher has no mode set"}
	}
}

// InferStream performs a streaming inference call, returning a Streamer
// that has already survived the peek-first-then-yield check: a connect-time
// failure (invalid HTTP status in remote mode, a provider error in embedded
// mode) is returned as an error here, never as a Streamer's first Recv.
func (d *Dispatcher) InferStream(ctx context.Context, params InferenceParams) (provider.Streamer, error) {
	switch d.mode {
	case ModeEmbedded:
		return d.inferStreamEmbedded(ctx, params)
	case ModeRemote:
		return d.inferStreamRemote(ctx, params)
	default:
		return nil, &Error{Kind: ErrorKindConfig, HTTPStatus: 500, Message: "dispatcher has no mode set"}
	}
}

// withTimeout wraps ctx in AppState.Timeout for embedded mode when
// configured; remote mode relies on the http.Client's own deadline/context
// plumbing instead, so it returns ctx unchanged.
func (d *Dispatcher) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.mode != ModeEmbedded || d.state.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.state.Timeout)
}
