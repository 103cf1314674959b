package backend

import (
	"context"
	"encoding/json"
	"errors"
	"esi/internal/models"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func TestSSEReader(t *testing.T) {
	input := ": comment\nevent: message\ndata: {\"a\":1}\n\ndata: line1\ndata: line2\r\n\r\ndata: tail"
	r := NewSSEReader(strings.NewReader(input))

	data, err := r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	data, err = r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2", string(data))

	data, err = r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "tail", string(data))

	_, err = r.ReadEvent()
	assert.ErrorIs(t, err, io.EOF)
}

func TestParseEvent(t *testing.T) {
	ev, err := parseEvent([]byte(`{"type":"delta","text":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, Event{Type: EventDelta, Text: "hi"}, ev)

	_, err = parseEvent([]byte(`{"type":"delta"`))
	assert.ErrorIs(t, err, ErrMalformedEvent)

	_, err = parseEvent([]byte(`{"type":"bogus"}`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestCompleteSendsMultipartForm(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		var turns []Turn
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("messages")), &turns))
		assert.Equal(t, []Turn{
			{Role: models.RoleUser, Content: "What is React?"},
			{Role: models.RoleAssistant, Content: "A library."},
			{Role: models.RoleUser, Content: "Who made it?"},
		}, turns)

		var opts Options
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("options")), &opts))
		assert.Equal(t, Options{Verbosity: 4, Temperature: 0.3}, opts)

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		body, _ := io.ReadAll(f)
		assert.Equal(t, "notes.txt", hdr.Filename)
		assert.Equal(t, "some notes", string(body))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"text":"Meta."}`)
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL+"/", WithLogger(zaptest.NewLogger(t)))
	got, err := c.Complete(context.Background(), Request{
		Turns: []Turn{
			{Role: models.RoleUser, Content: "What is React?"},
			{Role: models.RoleAssistant, Content: "A library."},
			{Role: models.RoleUser, Content: "Who made it?"},
		},
		Options:    Options{Verbosity: 4, Temperature: 0.3},
		Attachment: &models.Attachment{Name: "notes.txt", Data: []byte("some notes")},
	})
	require.NoError(t, err)
	assert.Equal(t, "Meta.", got)
}

func TestCompleteStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewHTTPClient(server.URL).Complete(context.Background(), Request{})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.Code)
	assert.Equal(t, "boom", se.Body)
}

func TestThinkingPhrases(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/thinking", r.URL.Path)
		fmt.Fprint(w, `{"phrases":["Pondering…"," ","Digging…"]}`)
	}))
	defer server.Close()

	got, err := NewHTTPClient(server.URL).ThinkingPhrases(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Pondering…", "Digging…"}, got)
}

func TestStreamSkipsMalformedEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/stream", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"status\",\"message\":\"Searching the web...\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"delta\",\"text\":\"Hel\"}\n\n")
		fmt.Fprint(w, "data: {not json\n\n")
		fmt.Fprint(w, "data: {\"type\":\"delta\",\"text\":\"lo\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"done\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"delta\",\"text\":\"ignored\"}\n\n")
	}))
	defer server.Close()

	ch, err := NewHTTPClient(server.URL, WithLogger(zaptest.NewLogger(t))).Stream(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, []Event{
		{Type: EventStatus, Message: "Searching the web..."},
		{Type: EventDelta, Text: "Hel"},
		{Type: EventDelta, Text: "lo"},
		{Type: EventDone},
	}, collect(t, ch))
}

func TestStreamWithoutDoneEndsInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"delta\",\"text\":\"partial\"}\n\n")
	}))
	defer server.Close()

	ch, err := NewHTTPClient(server.URL).Stream(context.Background(), Request{})
	require.NoError(t, err)
	events := collect(t, ch)
	require.Len(t, events, 2)
	assert.Equal(t, EventDelta, events[0].Type)
	assert.Equal(t, EventError, events[1].Type)
	assert.Equal(t, ErrStreamTruncated.Error(), events[1].Message)
}

func TestStreamCancelled(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"delta\",\"text\":\"a\"}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := NewHTTPClient(server.URL).Stream(ctx, Request{})
	require.NoError(t, err)
	first := <-ch
	assert.Equal(t, Event{Type: EventDelta, Text: "a"}, first)
	cancel()
	for range ch {
	}
}

func TestOpenAIClientComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body struct {
			Model       string  `json:"model"`
			Temperature float64 `json:"temperature"`
			Messages    []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "test/model", body.Model)
		assert.InDelta(t, 0.7, body.Temperature, 1e-9)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "system", body.Messages[0].Role)
		assert.Contains(t, body.Messages[0].Content, verbosityPrompts[1])
		assert.Contains(t, body.Messages[1].Content, "```\nx = 1\n```")

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","created":1,"model":"test/model",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"**Hi**"}}],
			"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`)
	}))
	defer server.Close()

	c := NewOpenAIClient("test-key", server.URL, "test/model", zaptest.NewLogger(t))
	got, err := c.Complete(context.Background(), Request{
		Turns:      []Turn{{Role: models.RoleUser, Content: "explain"}},
		Options:    Options{Verbosity: 1, Temperature: 0.7},
		Attachment: &models.Attachment{Name: "a.py", Data: []byte("x = 1")},
	})
	require.NoError(t, err)
	assert.Equal(t, "**Hi**", got)
}

func TestOpenAIClientStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	c := NewOpenAIClient("k", server.URL, "m", nil)
	ch, err := c.Stream(context.Background(), Request{Turns: []Turn{{Role: models.RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, []Event{
		{Type: EventDelta, Text: "Hel"},
		{Type: EventDelta, Text: "lo"},
		{Type: EventDone},
	}, collect(t, ch))
}

func TestAttachmentBlockTruncates(t *testing.T) {
	data := strings.Repeat("line\n", maxAttachmentLines+10)
	block := attachmentBlock(&models.Attachment{Name: "big.txt", Data: []byte(data)})
	assert.Contains(t, block, "--- big.txt ---")
	assert.Contains(t, block, "[truncated to 500 lines]")
	assert.Equal(t, "", attachmentBlock(nil))
	assert.Contains(t, attachmentBlock(&models.Attachment{Name: "b.bin", Data: []byte{0xff, 0xfe}}), "binary content omitted")
}
