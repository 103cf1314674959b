package assembler

import (
	"context"
	"errors"
	"esi/internal/backend"
	"esi/internal/models"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func feed(events ...backend.Event) <-chan backend.Event {
	ch := make(chan backend.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func TestRender(t *testing.T) {
	a := New(zaptest.NewLogger(t))

	c := a.Render("**React** is a library.\nBy Meta.")
	assert.Equal(t, models.RenderedMarkup, c.Kind)
	assert.Equal(t, "**React** is a library.\nBy Meta.", c.Text)
	assert.Contains(t, c.Markup, "<strong>React</strong>")
	assert.Contains(t, c.Markup, "<br")

	c = a.Render("hi <script>alert(1)</script> <a href=\"javascript:x\">x</a>")
	assert.NotContains(t, c.Markup, "<script")
	assert.NotContains(t, c.Markup, "javascript:")

	c = a.Render("```go\nfmt.Println()\n```")
	assert.Contains(t, c.Markup, `class="language-go"`)
}

func TestCompleteRejectsEmpty(t *testing.T) {
	a := New(nil)
	_, err := a.Complete("  \n")
	assert.ErrorIs(t, err, ErrEmptyReply)

	c, err := a.Complete("ok")
	require.NoError(t, err)
	assert.Equal(t, "ok", c.Text)
}

func TestAssembleConcatenatesDeltas(t *testing.T) {
	a := New(zaptest.NewLogger(t))
	var progress []string
	var statuses []string

	c, err := a.Assemble(context.Background(), feed(
		backend.Event{Type: backend.EventStatus, Message: "Searching the web..."},
		backend.Event{Type: backend.EventDelta, Text: "Hello, "},
		backend.Event{Type: backend.EventType("bogus")},
		backend.Event{Type: backend.EventDelta, Text: "*world*"},
		backend.Event{Type: backend.EventDone},
	), Handlers{
		Progress: func(p models.Content) {
			assert.Equal(t, models.PlainText, p.Kind)
			progress = append(progress, p.Text)
		},
		Status: func(s string) { statuses = append(statuses, s) },
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello, *world*", c.Text)
	assert.Contains(t, c.Markup, "<em>world</em>")
	assert.Equal(t, []string{"Hello, ", "Hello, *world*"}, progress)
	assert.Equal(t, []string{"Searching the web..."}, statuses)
}

func TestAssembleErrorKeepsPartial(t *testing.T) {
	a := New(nil)
	_, err := a.Assemble(context.Background(), feed(
		backend.Event{Type: backend.EventDelta, Text: "part"},
		backend.Event{Type: backend.EventError, Message: "upstream failed"},
	), Handlers{})

	var se *StreamError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "part", se.Partial)
	assert.EqualError(t, se.Err, "upstream failed")

	c := a.Interrupted(se.Partial)
	assert.Equal(t, models.RenderedMarkup, c.Kind)
	assert.Equal(t, "part\n\n"+Fallback, c.Text)
	assert.Contains(t, c.Markup, "<p>part</p>")
	assert.Contains(t, c.Markup, "Please try again.")
}

func TestInterruptedWithoutTextIsFallback(t *testing.T) {
	c := New(nil).Interrupted("  \n")
	assert.Equal(t, models.Plain(Fallback), c)
}

func TestAssembleWithoutDoneIsTruncated(t *testing.T) {
	a := New(nil)
	_, err := a.Assemble(context.Background(), feed(
		backend.Event{Type: backend.EventDelta, Text: "part"},
	), Handlers{})
	assert.ErrorIs(t, err, backend.ErrStreamTruncated)
}

func TestAssembleDoneWithNothingIsEmpty(t *testing.T) {
	a := New(nil)
	_, err := a.Assemble(context.Background(), feed(backend.Event{Type: backend.EventDone}), Handlers{})
	assert.ErrorIs(t, err, ErrEmptyReply)
}

func TestAssembleCancelled(t *testing.T) {
	a := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Assemble(ctx, make(chan backend.Event), Handlers{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestArtifacts(t *testing.T) {
	a := New(nil)
	src := "Intro\n\n```python\nprint('a')\nprint('b')\n```\n\ntext\n\n```\nplain\n```\n"
	got := a.Artifacts(src)
	require.Len(t, got, 2)
	assert.Equal(t, models.Artifact{Kind: "code", Language: "python", Content: "print('a')\nprint('b')"}, got[0])
	assert.Equal(t, models.Artifact{Kind: "code", Language: "", Content: "plain"}, got[1])
	assert.Empty(t, a.Artifacts("no code here"))
}

func TestStripAndPlainText(t *testing.T) {
	assert.Equal(t, "Hello world\n\n- a\n- b",
		Strip("<p>Hello <strong>world</strong></p><ul><li>a</li><li>b</li></ul>"))
	assert.Equal(t, "", Strip(""))

	assert.Equal(t, "**x**", PlainText(models.Markup("**x**", "<p><strong>x</strong></p>")))
	assert.Equal(t, "x", PlainText(models.Markup("", "<p><strong>x</strong></p>")))
	assert.Equal(t, "hi", PlainText(models.Plain(" hi ")))
}
