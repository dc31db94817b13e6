package anthropic

import (
	"context"
	"io"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/tzgw/function"
	"goa.design/tzgw/provider"
)

// streamer adapts an Anthropic Messages streaming response to
// provider.Streamer. It follows the channel+goroutine pump pattern: a
// background goroutine consumes the SDK's typed event stream and pushes
// normalized chunks onto a buffered channel, so Recv never blocks on SDK
// internals directly.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	chunks chan provider.Chunk

	errMu sync.Mutex
	err   error
	done  bool
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) *streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{ctx: cctx, cancel: cancel, stream: stream, chunks: make(chan provider.Chunk, 16)}
	go s.run()
	return s
}

func (s *streamer) Recv() (*provider.Chunk, error) {
	chunk, ok := <-s.chunks
	if !ok {
		if err := s.getErr(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return &chunk, nil
}

func (s *streamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *streamer) getErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	var textBlockOpen bool
	var finalUsage *function.Usage
	var finishReason *function.FinishReason

	for s.stream.Next() {
		event := s.stream.Current()
		switch event.Type {
		case "content_block_start":
			if event.ContentBlock.Type == "tool_use" {
				s.emit(provider.Chunk{Content: []function.OutputBlock{function.ToolCallOutput{
					ID: event.ContentBlock.ID, Name: event.ContentBlock.Name,
				}}})
			}
			textBlockOpen = event.ContentBlock.Type == "text"
		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				if textBlockOpen {
					s.emit(provider.Chunk{Content: []function.OutputBlock{function.TextOutput{Text: event.Delta.Text}}})
				}
			case "input_json_delta":
				s.emit(provider.Chunk{Content: []function.OutputBlock{function.ToolCallOutput{Arguments: event.Delta.PartialJSON}}})
			}
		case "message_delta":
			if event.Delta.StopReason != "" {
				reason := provider.MapFinishReason(string(event.Delta.StopReason), finishReasons)
				finishReason = &reason
			}
			if event.Usage.OutputTokens != 0 {
				u := function.Usage{OutputTokens: int(event.Usage.OutputTokens)}
				finalUsage = &u
			}
		case "message_stop":
			s.emit(provider.Chunk{FinishReason: finishReason, Usage: finalUsage})
		}
	}
	if err := s.stream.Err(); err != nil {
		s.setErr(s.translateStreamError(err))
	}
}

func (s *streamer) emit(c provider.Chunk) {
	select {
	case s.chunks <- c:
	case <-s.ctx.Done():
	}
}

func (s *streamer) translateStreamError(err error) error {
	return &provider.Error{Provider: "anthropic", Operation: "infer_stream", Kind: provider.ErrorKindUnavailable, Cause: err}
}
