package bedrock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"goa.design/tzgw/function"
	"goa.design/tzgw/provider"
)

// streamer adapts a Bedrock ConverseStream event stream to provider.Streamer.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *bedrockruntime.ConverseStreamEventStream

	chunks chan provider.Chunk

	errMu sync.Mutex
	err   error
}

func newStreamer(ctx context.Context, stream *bedrockruntime.ConverseStreamEventStream) *streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{ctx: cctx, cancel: cancel, stream: stream, chunks: make(chan provider.Chunk, 32)}
	go s.run()
	return s
}

func (s *streamer) Recv() (*provider.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return &chunk, nil
		}
		if err := s.getErr(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

func (s *streamer) Close() error {
	s.cancel()
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

type toolBuffer struct {
	id, name string
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer s.stream.Close()

	toolBlocks := map[int32]*toolBuffer{}
	events := s.stream.Events()

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		case event, ok := <-events:
			if !ok {
				if err := s.stream.Err(); err != nil {
					s.setErr(wrapStreamError(err))
				}
				return
			}
			if err := s.handle(event, toolBlocks); err != nil {
				s.setErr(err)
				return
			}
		}
	}
}

func (s *streamer) handle(event any, toolBlocks map[int32]*toolBuffer) error {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		if start, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			tb := &toolBuffer{}
			if start.Value.ToolUseId != nil {
				tb.id = *start.Value.ToolUseId
			}
			if start.Value.Name != nil {
				tb.name = *start.Value.Name
			}
			idx := int32(0)
			if ev.Value.ContentBlockIndex != nil {
				idx = *ev.Value.ContentBlockIndex
			}
			toolBlocks[idx] = tb
		}
		return nil

	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx := int32(0)
		if ev.Value.ContentBlockIndex != nil {
			idx = *ev.Value.ContentBlockIndex
		}
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if delta.Value == "" {
				return nil
			}
			return s.emit(provider.Chunk{Content: []function.OutputBlock{function.TextOutput{Text: delta.Value}}})
		case *brtypes.ContentBlockDeltaMemberToolUse:
			tb := toolBlocks[idx]
			if tb == nil {
				return fmt.Errorf("bedrock stream: tool use delta at index %d has no open block", idx)
			}
			if delta.Value.Input == nil {
				return nil
			}
			return s.emit(provider.Chunk{Content: []function.OutputBlock{function.ToolCallOutput{
				ID:        tb.id,
				Name:      tb.name,
				Arguments: *delta.Value.Input,
			}}})
		case *brtypes.ContentBlockDeltaMemberReasoningContent:
			if text, ok := delta.Value.(*brtypes.ReasoningContentBlockDeltaMemberText); ok && text.Value != "" {
				return s.emit(provider.Chunk{Content: []function.OutputBlock{function.ThoughtOutput{Text: text.Value}}})
			}
			return nil
		}
		return nil

	case *brtypes.ConverseStreamOutputMemberMessageStop:
		finish := provider.MapFinishReason(string(ev.Value.StopReason), finishReasons)
		return s.emit(provider.Chunk{FinishReason: &finish})

	case *brtypes.ConverseStreamOutputMemberMetadata:
		if ev.Value.Usage == nil {
			return nil
		}
		usage := function.Usage{}
		if ev.Value.Usage.InputTokens != nil {
			usage.InputTokens = int(*ev.Value.Usage.InputTokens)
		}
		if ev.Value.Usage.OutputTokens != nil {
			usage.OutputTokens = int(*ev.Value.Usage.OutputTokens)
		}
		return s.emit(provider.Chunk{Usage: &usage})
	}
	return nil
}

func (s *streamer) emit(c provider.Chunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- c:
		return nil
	}
}

func wrapStreamError(err error) error {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		return &provider.Error{Provider: "bedrock", Operation: "infer_stream", Kind: classifyCode(apiErr.ErrorCode()), Code: apiErr.ErrorCode(), Cause: err}
	}
	return &provider.Error{Provider: "bedrock", Operation: "infer_stream", Kind: provider.ErrorKindUnavailable, Cause: err}
}
