package streaming

import (
	"io"

	"goa.design/tzgw/provider"
)

// doneSentinel is the literal payload providers send to terminate an
// OpenAI-compatible stream. Per spec.md §9's open question, providers that
// don't emit it instead terminate on transport close; the Demuxer treats
// both as a clean end-of-stream.
const doneSentinel = "[DONE]"

// Demuxer implements provider.Streamer over a generic EventSource,
// applying spec.md §4.5's per-event translation rules.
type Demuxer struct {
	source   EventSource
	stitcher *toolCallStitcher
	closer   io.Closer
	done     bool
}

// NewDemuxer wraps source as a provider.Streamer. closer, if non-nil, is
// closed when the demuxer is closed (typically the underlying HTTP
// response body).
func NewDemuxer(source EventSource, closer io.Closer) *Demuxer {
	return &Demuxer{source: source, stitcher: newToolCallStitcher(), closer: closer}
}

// Recv implements provider.Streamer. It follows the inspect-first-then-
// yield discipline implicitly: the very first call surfaces an
// EventError produced from an invalid HTTP status before any chunk is
// ever returned, since NewHTTPEventSource buffers that check eagerly.
func (d *Demuxer) Recv() (*provider.Chunk, error) {
	if d.done {
		return nil, io.EOF
	}
	for {
		event, ok := d.source.Next()
		if !ok {
			d.done = true
			return nil, io.EOF
		}
		switch event.Kind {
		case EventOpen:
			continue
		case EventError:
			d.done = true
			if event.StatusCode != 0 {
				return nil, &provider.Error{
					Provider:    "streaming",
					Operation:   "infer_stream",
					HTTPStatus:  event.StatusCode,
					Kind:        statusKind(event.StatusCode),
					RawResponse: event.Body,
					Cause:       event.Cause,
				}
			}
			return nil, &provider.Error{Provider: "streaming", Operation: "infer_stream", Kind: provider.ErrorKindUnavailable, Cause: event.Cause}
		case EventMessage:
			if event.Data == doneSentinel {
				d.done = true
				return nil, io.EOF
			}
			chunk, err := decodeChunk(event.Data, d.stitcher)
			if err != nil {
				// A per-chunk parse failure is surfaced without terminating
				// the stream; the caller may choose to continue receiving.
				return nil, err
			}
			return chunk, nil
		}
	}
}

// Close releases the underlying transport, if any.
func (d *Demuxer) Close() error {
	d.done = true
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}

func statusKind(status int) provider.ErrorKind {
	switch {
	case status == 401 || status == 403:
		return provider.ErrorKindAuth
	case status == 429:
		return provider.ErrorKindRateLimited
	case status >= 500:
		return provider.ErrorKindUnavailable
	default:
		return provider.ErrorKindInvalidRequest
	}
}
