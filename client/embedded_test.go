package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/tzgw/analytics"
	"goa.design/tzgw/auth"
	"goa.design/tzgw/client"
	"goa.design/tzgw/function"
	"goa.design/tzgw/provider"
	"goa.design/tzgw/schema"
)

// fakeProvider is a scriptable provider.Client: InferFunc and
// InferStreamFunc, when set, override the default canned response.
type fakeProvider struct {
	name            string
	InferFunc       func(ctx context.Context, req provider.Request) (*provider.Response, error)
	InferStreamFunc func(ctx context.Context, req provider.Request) (provider.Streamer, []byte, error)
	calls           int
}

func (p *fakeProvider) Infer(ctx context.Context, req provider.Request) (*provider.Response, error) {
	p.calls++
	if p.InferFunc != nil {
		return p.InferFunc(ctx, req)
	}
	return &provider.Response{
		Content:      []function.OutputBlock{function.TextOutput{Text: "hello"}},
		Usage:        function.Usage{InputTokens: 10, OutputTokens: 5},
		FinishReason: function.FinishStop,
	}, nil
}

func (p *fakeProvider) InferStream(ctx context.Context, req provider.Request) (provider.Streamer, []byte, error) {
	if p.InferStreamFunc != nil {
		return p.InferStreamFunc(ctx, req)
	}
	return nil, nil, provider.ErrUnsupportedOperation(p.name, "infer_stream")
}

func (p *fakeProvider) StartBatch(ctx context.Context, reqs []provider.Request) (*provider.BatchHandle, error) {
	return nil, provider.ErrUnsupportedOperation(p.name, "start_batch")
}

func (p *fakeProvider) PollBatch(ctx context.Context, handle provider.BatchHandle) (*provider.BatchPollResult, error) {
	return nil, provider.ErrUnsupportedOperation(p.name, "poll_batch")
}

// fakeStreamer yields a fixed chunk sequence, or fails immediately when err
// is set.
type fakeStreamer struct {
	chunks []*provider.Chunk
	err    error
	idx    int
	closed bool
}

func (s *fakeStreamer) Recv() (*provider.Chunk, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.idx >= len(s.chunks) {
		return nil, errEOF
	}
	c := s.chunks[s.idx]
	s.idx++
	return c, nil
}

func (s *fakeStreamer) Close() error { s.closed = true; return nil }

var errEOF = errors.New("fake stream exhausted")

func singleChatFunction(name string) *function.Function {
	return &function.Function{
		Name:     name,
		Kind:     function.KindChat,
		Variants: map[string]function.VariantInfo{"only": {Weight: 1}},
	}
}

func singleVariantTargets(fn string, providerName string) map[string]map[string]client.VariantTarget {
	return map[string]map[string]client.VariantTarget{
		fn: {"only": {ProviderName: providerName, ModelID: "m-1"}},
	}
}

func chatInput() schema.Input {
	text := "hi"
	return schema.Input{Messages: []schema.Message{{Role: schema.RoleUser, Content: []schema.ContentBlock{schema.TextBlock{Text: &text}}}}}
}

func TestEmbedded_Infer_HappyPath(t *testing.T) {
	fn := singleChatFunction("greet")
	prov := &fakeProvider{name: "p1"}
	state := client.AppState{
		Functions:      map[string]*function.Function{"greet": fn},
		Providers:      map[string]provider.Client{"p1": prov},
		VariantTargets: singleVariantTargets("greet", "p1"),
	}
	d := client.NewEmbedded(state)

	res, err := d.Infer(context.Background(), client.InferenceParams{FunctionName: "greet", Input: chatInput()})
	require.NoError(t, err)
	require.NotNil(t, res.Chat)
	require.Nil(t, res.JSON)
	require.Equal(t, function.FinishStop, res.Chat.FinishReason)
	require.Equal(t, 1, prov.calls)
}

func TestEmbedded_Infer_UnknownFunction(t *testing.T) {
	d := client.NewEmbedded(client.AppState{Functions: map[string]*function.Function{}})
	_, err := d.Infer(context.Background(), client.InferenceParams{FunctionName: "nope", Input: chatInput()})
	require.Error(t, err)
	var cerr *client.Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, client.ErrorKindInvalidRequest, cerr.Kind)
	require.Equal(t, 400, cerr.HTTPStatus)
}

func TestEmbedded_Infer_SchemaValidationFailurePropagates(t *testing.T) {
	fn := singleChatFunction("greet")
	schemas, err := schema.CompileSchemas(nil, []byte(`{"type":"string"}`), nil)
	require.NoError(t, err)
	fn.Schemas = schemas

	state := client.AppState{
		Functions:      map[string]*function.Function{"greet": fn},
		Providers:      map[string]provider.Client{"p1": &fakeProvider{name: "p1"}},
		VariantTargets: singleVariantTargets("greet", "p1"),
	}
	d := client.NewEmbedded(state)

	args := json.RawMessage(`{"key":"value"}`)
	badInput := schema.Input{Messages: []schema.Message{{Role: schema.RoleUser, Content: []schema.ContentBlock{schema.TextBlock{Arguments: args}}}}}

	_, err = d.Infer(context.Background(), client.InferenceParams{FunctionName: "greet", Input: badInput})
	require.Error(t, err)
	var cerr *client.Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, client.ErrorKindJSONSchemaValidation, cerr.Kind)
}

func TestEmbedded_Infer_RetriesOnProviderFailureWithSwapRemove(t *testing.T) {
	fn := &function.Function{
		Name: "greet",
		Kind: function.KindChat,
		Variants: map[string]function.VariantInfo{
			"bad":  {Weight: 1},
			"good": {Weight: 1},
		},
	}
	bad := &fakeProvider{name: "bad", InferFunc: func(ctx context.Context, req provider.Request) (*provider.Response, error) {
		return nil, &provider.Error{Provider: "bad", Kind: provider.ErrorKindUnavailable, Message: "down"}
	}}
	good := &fakeProvider{name: "good"}

	state := client.AppState{
		Functions: map[string]*function.Function{"greet": fn},
		Providers: map[string]provider.Client{"bad-provider": bad, "good-provider": good},
		VariantTargets: map[string]map[string]client.VariantTarget{
			"greet": {
				"bad":  {ProviderName: "bad-provider", ModelID: "m-bad"},
				"good": {ProviderName: "good-provider", ModelID: "m-good"},
			},
		},
	}
	d := client.NewEmbedded(state)

	res, err := d.Infer(context.Background(), client.InferenceParams{FunctionName: "greet", EpisodeID: "", Input: chatInput()})
	require.NoError(t, err)
	require.NotNil(t, res.Chat)
	// good always eventually wins (bad always errors), and swap-remove means
	// neither variant is ever retried after it has already been tried once.
	require.Equal(t, 1, good.calls)
	require.LessOrEqual(t, bad.calls, 1)
}

func TestEmbedded_Infer_AllVariantsFailSurfacesLastProviderError(t *testing.T) {
	fn := singleChatFunction("greet")
	prov := &fakeProvider{name: "p1", InferFunc: func(ctx context.Context, req provider.Request) (*provider.Response, error) {
		return nil, &provider.Error{Provider: "p1", Kind: provider.ErrorKindUnavailable, Message: "down"}
	}}
	state := client.AppState{
		Functions:      map[string]*function.Function{"greet": fn},
		Providers:      map[string]provider.Client{"p1": prov},
		VariantTargets: singleVariantTargets("greet", "p1"),
	}
	d := client.NewEmbedded(state)

	_, err := d.Infer(context.Background(), client.InferenceParams{FunctionName: "greet", Input: chatInput()})
	require.Error(t, err)
	var cerr *client.Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, client.ErrorKindInferenceServer, cerr.Kind)
}

func TestEmbedded_Infer_AuthGating(t *testing.T) {
	fn := singleChatFunction("greet")
	store := newFakeAnalyticsStore()
	store.records["good-code"] = analytics.AuthCodeRecord{AuthCode: "good-code", TenantID: "t", Username: "u", IsActive: true}
	authCache := auth.New(store)

	state := client.AppState{
		Functions:      map[string]*function.Function{"greet": fn},
		Providers:      map[string]provider.Client{"p1": &fakeProvider{name: "p1"}},
		VariantTargets: singleVariantTargets("greet", "p1"),
		Auth:           authCache,
	}
	d := client.NewEmbedded(state)

	_, err := d.Infer(context.Background(), client.InferenceParams{FunctionName: "greet", Input: chatInput()})
	require.Error(t, err)
	var cerr *client.Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, client.ErrorKindAPIKeyMissing, cerr.Kind)

	_, err = d.Infer(context.Background(), client.InferenceParams{FunctionName: "greet", Input: chatInput(), AuthCode: "unknown"})
	require.Error(t, err)
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, client.ErrorKindInvalidAuthToken, cerr.Kind)

	res, err := d.Infer(context.Background(), client.InferenceParams{FunctionName: "greet", Input: chatInput(), AuthCode: "good-code"})
	require.NoError(t, err)
	require.NotNil(t, res.Chat)
}

func TestEmbedded_InferStream_PeeksBeforeYielding(t *testing.T) {
	fn := singleChatFunction("greet")
	prov := &fakeProvider{name: "p1", InferStreamFunc: func(ctx context.Context, req provider.Request) (provider.Streamer, []byte, error) {
		return &fakeStreamer{err: &provider.Error{Provider: "p1", Kind: provider.ErrorKindRateLimited, HTTPStatus: 429, Message: "rate limited"}}, nil, nil
	}}
	state := client.AppState{
		Functions:      map[string]*function.Function{"greet": fn},
		Providers:      map[string]provider.Client{"p1": prov},
		VariantTargets: singleVariantTargets("greet", "p1"),
	}
	d := client.NewEmbedded(state)

	_, err := d.InferStream(context.Background(), client.InferenceParams{FunctionName: "greet", Input: chatInput()})
	require.Error(t, err)
	var cerr *client.Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, client.ErrorKindInferenceServer, cerr.Kind)
	require.Equal(t, 429, cerr.HTTPStatus)
}

func TestEmbedded_InferStream_HappyPathYieldsPeekedChunk(t *testing.T) {
	fn := singleChatFunction("greet")
	want := &provider.Chunk{Content: []function.OutputBlock{function.TextOutput{Text: "Hi"}}}
	prov := &fakeProvider{name: "p1", InferStreamFunc: func(ctx context.Context, req provider.Request) (provider.Streamer, []byte, error) {
		return &fakeStreamer{chunks: []*provider.Chunk{want}}, nil, nil
	}}
	state := client.AppState{
		Functions:      map[string]*function.Function{"greet": fn},
		Providers:      map[string]provider.Client{"p1": prov},
		VariantTargets: singleVariantTargets("greet", "p1"),
	}
	d := client.NewEmbedded(state)

	stream, err := d.InferStream(context.Background(), client.InferenceParams{FunctionName: "greet", Input: chatInput()})
	require.NoError(t, err)
	chunk, err := stream.Recv()
	require.NoError(t, err)
	require.Same(t, want, chunk)

	_, err = stream.Recv()
	require.ErrorIs(t, err, errEOF)
}

// --- shared fake analytics.Store-compatible store for auth tests ---

type fakeAnalyticsStore struct {
	records map[string]analytics.AuthCodeRecord
}

func newFakeAnalyticsStore() *fakeAnalyticsStore {
	return &fakeAnalyticsStore{records: map[string]analytics.AuthCodeRecord{}}
}

func (s *fakeAnalyticsStore) LookupAuthCode(ctx context.Context, code string) (*analytics.AuthCodeRecord, error) {
	rec, ok := s.records[code]
	if !ok {
		return nil, analytics.ErrAuthCodeNotFound
	}
	return &rec, nil
}

func (s *fakeAnalyticsStore) IncrementUsage(ctx context.Context, code string) error {
	return nil
}
