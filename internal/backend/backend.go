// Package backend talks to the chat completion service. Two transports are
// provided: the research server's own /chat endpoints and any
// OpenAI-compatible provider.
package backend

import (
	"context"
	"errors"
	"esi/internal/models"
	"fmt"
)

// DefaultPhrase is the status line used when no phrase set is available.
const DefaultPhrase = "Thinking…"

var (
	ErrMalformedEvent  = errors.New("malformed stream event")
	ErrStreamTruncated = errors.New("stream ended before completion")
)

type Turn struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

type Options struct {
	Verbosity   int     `json:"verbosity"`
	Temperature float64 `json:"temperature"`
	Model       string  `json:"model,omitempty"`
}

type Request struct {
	Turns      []Turn
	Options    Options
	Attachment *models.Attachment
}

type EventType string

const (
	EventDelta  EventType = "delta"
	EventStatus EventType = "status"
	EventError  EventType = "error"
	EventDone   EventType = "done"
)

// Event is one frame of a streamed reply.
type Event struct {
	Type    EventType `json:"type"`
	Text    string    `json:"text,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Backend produces assistant replies. Stream returns a channel that is closed
// after a done or error event; it always ends with exactly one of the two.
type Backend interface {
	Complete(ctx context.Context, req Request) (string, error)
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

// PhraseSource supplies the status phrases shown while a reply is pending.
type PhraseSource interface {
	ThinkingPhrases(ctx context.Context) ([]string, error)
}

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned status %d", e.Code)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Body)
}

// send delivers ev unless ctx is done. It reports whether the event was sent.
func send(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
