package client

import (
	"errors"
	"io"

	"goa.design/tzgw/provider"
)

// peekedStreamer wraps an already-validated provider.Streamer so the one
// chunk consumed during the peek-first-then-yield check is replayed to the
// caller before Recv resumes pulling from the underlying stream.
type peekedStreamer struct {
	first      *provider.Chunk
	delivered  bool
	underlying provider.Streamer
}

func newPeekedStreamer(first *provider.Chunk, underlying provider.Streamer) provider.Streamer {
	return &peekedStreamer{first: first, underlying: underlying}
}

func (p *peekedStreamer) Recv() (*provider.Chunk, error) {
	if !p.delivered {
		p.delivered = true
		if p.first != nil {
			return p.first, nil
		}
		return nil, io.EOF
	}
	return p.underlying.Recv()
}

func (p *peekedStreamer) Close() error { return p.underlying.Close() }

// accumulatingStreamer wraps a Streamer, buffering every chunk it yields so
// that once the caller drains the stream to a clean io.EOF, onDone runs
// exactly once over the full chunk sequence. This is how inferStreamEmbedded
// runs the response assembler and records analytics for a streaming call —
// the same two steps inferEmbedded performs synchronously right after its
// single successful provider response, just deferred until the caller
// finishes consuming the stream. A mid-stream error skips onDone entirely,
// matching the non-streaming path only recording on success.
type accumulatingStreamer struct {
	underlying provider.Streamer
	chunks     []*provider.Chunk
	done       bool
	onDone     func(chunks []*provider.Chunk)
}

func newAccumulatingStreamer(underlying provider.Streamer, onDone func(chunks []*provider.Chunk)) provider.Streamer {
	return &accumulatingStreamer{underlying: underlying, onDone: onDone}
}

func (a *accumulatingStreamer) Recv() (*provider.Chunk, error) {
	chunk, err := a.underlying.Recv()
	if err != nil {
		if !a.done && errors.Is(err, io.EOF) {
			a.onDone(a.chunks)
		}
		a.done = true
		return nil, err
	}
	a.chunks = append(a.chunks, chunk)
	return chunk, nil
}

func (a *accumulatingStreamer) Close() error { return a.underlying.Close() }
