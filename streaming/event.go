// Package streaming implements the generic server-sent-event demuxer used
// by OpenAI-compatible provider adapters and the remote client dispatcher:
// SSE line parsing, chunk normalization, and tool-call id stitching across
// delta frames that omit ids after the first occurrence.
package streaming

import (
	"bufio"
	"io"
	"net/http"
	"strings"
)

// EventKind tags the variant of Event produced by an EventSource.
type EventKind string

const (
	// EventOpen signals the stream connected successfully. It carries no
	// data and is ignored by the demuxer.
	EventOpen EventKind = "open"

	// EventMessage carries one SSE "data:" payload.
	EventMessage EventKind = "message"

	// EventError signals a terminal failure. When StatusCode is nonzero the
	// failure is an invalid HTTP status observed before any SSE data was
	// read; otherwise it is a transport-level error (Cause is set).
	EventError EventKind = "error"
)

// Event is one item produced by an EventSource.
type Event struct {
	Kind       EventKind
	Data       string
	StatusCode int
	Body       []byte
	Cause      error
}

// EventSource yields Events until exhausted. Next returns false once the
// source is drained (after a final EventError, if any).
type EventSource interface {
	Next() (Event, bool)
}

// httpEventSource adapts an *http.Response to EventSource. The response
// status is inspected eagerly: a non-2xx status produces a single
// EventError carrying the status and body with no further events, matching
// spec's Error(InvalidStatusCode) case; a 2xx status is parsed as SSE.
type httpEventSource struct {
	resp       *http.Response
	scanner    *bufio.Scanner
	opened     bool
	statusErr  *Event
	exhausted  bool
}

// NewHTTPEventSource builds an EventSource from an HTTP response. Callers
// must still Close resp.Body after the source is exhausted; the source does
// not take ownership of the response.
func NewHTTPEventSource(resp *http.Response) EventSource {
	src := &httpEventSource{resp: resp}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		src.statusErr = &Event{Kind: EventError, StatusCode: resp.StatusCode, Body: body}
		return src
	}
	src.scanner = bufio.NewScanner(resp.Body)
	src.scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return src
}

func (s *httpEventSource) Next() (Event, bool) {
	if s.statusErr != nil {
		if s.exhausted {
			return Event{}, false
		}
		s.exhausted = true
		return *s.statusErr, true
	}
	if !s.opened {
		s.opened = true
		return Event{Kind: EventOpen}, true
	}
	if s.exhausted {
		return Event{}, false
	}

	var data strings.Builder
	sawData := false
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" {
			if sawData {
				return Event{Kind: EventMessage, Data: data.String()}, true
			}
			continue
		}
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimPrefix(payload, " ")
		if sawData {
			data.WriteByte('\n')
		}
		data.WriteString(payload)
		sawData = true
	}
	s.exhausted = true
	if sawData {
		return Event{Kind: EventMessage, Data: data.String()}, true
	}
	if err := s.scanner.Err(); err != nil {
		return Event{Kind: EventError, Cause: err}, true
	}
	return Event{}, false
}
