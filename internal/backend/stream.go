package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// maxEventSize bounds a single SSE event.
const maxEventSize = 1 << 20

var errEventTooLarge = errors.New("sse event exceeds size limit")

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReader(r)}
}

// ReadEvent returns the data of the next event, with multiple data lines
// joined by a newline. Fields other than data are ignored. It returns io.EOF
// once the stream ends with no pending data.
func (s *SSEReader) ReadEvent() ([]byte, error) {
	var data [][]byte
	size := 0
	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		eof := err != nil

		line = bytes.TrimRight(line, "\r\n")
		switch {
		case len(line) == 0:
			if len(data) > 0 {
				return bytes.Join(data, []byte("\n")), nil
			}
		case bytes.HasPrefix(line, []byte("data:")):
			d := bytes.TrimPrefix(line[5:], []byte(" "))
			size += len(d)
			if size > maxEventSize {
				return nil, errEventTooLarge
			}
			data = append(data, d)
		}

		if eof {
			if len(data) > 0 {
				return bytes.Join(data, []byte("\n")), nil
			}
			return nil, io.EOF
		}
	}
}

// parseEvent decodes one event payload. Unknown types and undecodable JSON
// are reported as ErrMalformedEvent.
func parseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	switch ev.Type {
	case EventDelta, EventStatus, EventError, EventDone:
		return ev, nil
	}
	return Event{}, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, ev.Type)
}

// Stream posts the transcript to /chat/stream and relays its events. The
// returned channel always ends with a done or error event unless ctx is
// cancelled first.
func (c *HTTPClient) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	resp, err := c.post(ctx, "/chat/stream", req, "text/event-stream")
	if err != nil {
		return nil, err
	}

	ch := make(chan Event)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		pumpEvents(ctx, NewSSEReader(resp.Body), ch, c.log)
	}()
	return ch, nil
}

func pumpEvents(ctx context.Context, r *SSEReader, ch chan<- Event, log *zap.Logger) {
	for {
		data, err := r.ReadEvent()
		if errors.Is(err, io.EOF) {
			send(ctx, ch, Event{Type: EventError, Message: ErrStreamTruncated.Error()})
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				send(ctx, ch, Event{Type: EventError, Message: err.Error()})
			}
			return
		}

		ev, err := parseEvent(data)
		if err != nil {
			log.Warn("skipping stream event", zap.Error(err), zap.ByteString("data", truncateBytes(data, 200)))
			continue
		}
		if !send(ctx, ch, ev) {
			return
		}
		if ev.Type == EventDone || ev.Type == EventError {
			return
		}
	}
}

func truncateBytes(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
