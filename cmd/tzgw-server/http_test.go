package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/tzgw/client"
	"goa.design/tzgw/function"
	"goa.design/tzgw/provider"
)

// stubProvider is a minimal provider.Client: non-streaming calls return a
// single canned text response, streaming calls yield one chunk then EOF.
type stubProvider struct {
	stream bool
}

func (p *stubProvider) Infer(ctx context.Context, req provider.Request) (*provider.Response, error) {
	return &provider.Response{
		Content:      []function.OutputBlock{function.TextOutput{Text: "hi there"}},
		Usage:        function.Usage{InputTokens: 4, OutputTokens: 2},
		FinishReason: function.FinishStop,
	}, nil
}

func (p *stubProvider) InferStream(ctx context.Context, req provider.Request) (provider.Streamer, []byte, error) {
	if !p.stream {
		return nil, nil, provider.ErrUnsupportedOperation("stub", "infer_stream")
	}
	return &stubStreamer{chunks: []*provider.Chunk{{Content: []function.OutputBlock{function.TextOutput{Text: "hi"}}}}}, nil, nil
}

func (p *stubProvider) StartBatch(ctx context.Context, reqs []provider.Request) (*provider.BatchHandle, error) {
	return nil, provider.ErrUnsupportedOperation("stub", "start_batch")
}

func (p *stubProvider) PollBatch(ctx context.Context, handle provider.BatchHandle) (*provider.BatchPollResult, error) {
	return nil, provider.ErrUnsupportedOperation("stub", "poll_batch")
}

type stubStreamer struct {
	chunks []*provider.Chunk
	idx    int
}

func (s *stubStreamer) Recv() (*provider.Chunk, error) {
	if s.idx >= len(s.chunks) {
		return nil, io.EOF
	}
	c := s.chunks[s.idx]
	s.idx++
	return c, nil
}

func (s *stubStreamer) Close() error { return nil }

func singleChatFunction(name string) *function.Function {
	return &function.Function{
		Name:     name,
		Kind:     function.KindChat,
		Variants: map[string]function.VariantInfo{"only": {Weight: 1}},
	}
}

func newTestDispatcher(fns map[string]*function.Function, providers map[string]provider.Client, targets map[string]map[string]client.VariantTarget) *client.Dispatcher {
	return client.NewEmbedded(client.AppState{
		Functions:      fns,
		Providers:      providers,
		VariantTargets: targets,
	})
}

func TestMount_Status(t *testing.T) {
	d := newTestDispatcher(map[string]*function.Function{}, map[string]provider.Client{}, map[string]map[string]client.VariantTarget{})
	mux := http.NewServeMux()
	mount(mux, d, "")
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMount_Inference_HappyPath(t *testing.T) {
	fn := singleChatFunction("greet")
	prov := &stubProvider{}
	targets := map[string]map[string]client.VariantTarget{"greet": {"only": {ProviderName: "p1", ModelID: "m-1"}}}
	d := newTestDispatcher(map[string]*function.Function{"greet": fn}, map[string]provider.Client{"p1": prov}, targets)

	mux := http.NewServeMux()
	mount(mux, d, "")
	srv := httptest.NewServer(mux)
	defer srv.Close()

	body := `{"function_name":"greet","input":{"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}}`
	resp, err := http.Post(srv.URL+"/inference", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, gatewayVersion, resp.Header.Get(client.HeaderGatewayVersion))

	var wire wireInferenceResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&wire))
	require.Len(t, wire.Content, 1)
	require.Equal(t, "text", wire.Content[0].Type)
	require.Equal(t, "hi there", *wire.Content[0].Text)
}

func TestMount_Inference_UnknownFunctionMapsTo400(t *testing.T) {
	d := newTestDispatcher(map[string]*function.Function{}, map[string]provider.Client{}, map[string]map[string]client.VariantTarget{})
	mux := http.NewServeMux()
	mount(mux, d, "")
	srv := httptest.NewServer(mux)
	defer srv.Close()

	body := `{"function_name":"nope","input":{"messages":[]}}`
	resp, err := http.Post(srv.URL+"/inference", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMount_Inference_Streaming(t *testing.T) {
	fn := singleChatFunction("greet")
	prov := &stubProvider{stream: true}
	targets := map[string]map[string]client.VariantTarget{"greet": {"only": {ProviderName: "p1", ModelID: "m-1"}}}
	d := newTestDispatcher(map[string]*function.Function{"greet": fn}, map[string]provider.Client{"p1": prov}, targets)

	mux := http.NewServeMux()
	mount(mux, d, "")
	srv := httptest.NewServer(mux)
	defer srv.Close()

	body := `{"function_name":"greet","stream":true,"input":{"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}}`
	resp, err := http.Post(srv.URL+"/inference", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var frames []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimPrefix(line, "data: "))
		}
	}
	require.NotEmpty(t, frames)
	require.Equal(t, "[DONE]", frames[len(frames)-1])
}

func TestMount_AdminDebug_RequiresToken(t *testing.T) {
	d := newTestDispatcher(map[string]*function.Function{}, map[string]provider.Client{}, map[string]map[string]client.VariantTarget{})
	mux := http.NewServeMux()
	mount(mux, d, "secret")
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/admin/debug", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/admin/debug", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusNoContent, resp2.StatusCode)
}

func TestMount_Feedback_EmbeddedModeUnsupported(t *testing.T) {
	d := newTestDispatcher(map[string]*function.Function{}, map[string]provider.Client{}, map[string]map[string]client.VariantTarget{})
	mux := http.NewServeMux()
	mount(mux, d, "")
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/feedback", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}
