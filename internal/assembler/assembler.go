// Package assembler turns backend replies into message content.
package assembler

import (
	"bytes"
	"context"
	"errors"
	"esi/internal/backend"
	"esi/internal/models"
	"fmt"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	goldhtml "github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/text"
	"go.uber.org/zap"
)

// Fallback replaces a reply that failed or came back empty.
const Fallback = "Sorry, I can't complete that request. Please try again."

var ErrEmptyReply = errors.New("empty reply")

// StreamError ends a streamed reply that did not reach its done event.
// Partial holds whatever text had arrived.
type StreamError struct {
	Partial string
	Err     error
}

func (e *StreamError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream failed after %d bytes: %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream failed: %v", e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

type Assembler struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
	log    *zap.Logger
}

func New(log *zap.Logger) *Assembler {
	if log == nil {
		log = zap.NewNop()
	}
	policy := bluemonday.UGCPolicy()
	policy.AllowAttrs("class").Matching(regexp.MustCompile(`^language-[\w+#.-]+$`)).OnElements("code")
	return &Assembler{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(goldhtml.WithHardWraps()),
		),
		policy: policy,
		log:    log,
	}
}

// Render converts a Markdown reply into sanitized HTML content.
func (a *Assembler) Render(source string) models.Content {
	var buf bytes.Buffer
	if err := a.md.Convert([]byte(source), &buf); err != nil {
		a.log.Warn("markdown conversion failed, keeping plain text", zap.Error(err))
		return models.Plain(source)
	}
	return models.Markup(source, string(a.policy.SanitizeBytes(buf.Bytes())))
}

// Complete builds the final content for a non-streamed reply. An empty
// reply is an error so the caller can fall back.
func (a *Assembler) Complete(reply string) (models.Content, error) {
	if strings.TrimSpace(reply) == "" {
		return models.Content{}, ErrEmptyReply
	}
	return a.Render(reply), nil
}

// Interrupted builds the content for a stream that failed after some text
// arrived: the partial reply followed by the apology.
func (a *Assembler) Interrupted(partial string) models.Content {
	partial = strings.TrimSpace(partial)
	if partial == "" {
		return models.Plain(Fallback)
	}
	return a.Render(partial + "\n\n" + Fallback)
}

// Handlers receive progress while a stream is assembled. Either may be nil.
type Handlers struct {
	Progress func(partial models.Content)
	Status   func(phrase string)
}

// Assemble consumes a backend event stream. Deltas are concatenated in
// arrival order and reported as plain-text progress; the rendered reply is
// returned once the done event arrives. Any other ending yields a
// *StreamError carrying the partial text.
func (a *Assembler) Assemble(ctx context.Context, events <-chan backend.Event, h Handlers) (models.Content, error) {
	var sb strings.Builder
	fail := func(err error) (models.Content, error) {
		return models.Content{}, &StreamError{Partial: sb.String(), Err: err}
	}
	for {
		select {
		case <-ctx.Done():
			return fail(ctx.Err())
		case ev, ok := <-events:
			if !ok {
				return fail(backend.ErrStreamTruncated)
			}
			switch ev.Type {
			case backend.EventDelta:
				if ev.Text == "" {
					continue
				}
				sb.WriteString(ev.Text)
				if h.Progress != nil {
					h.Progress(models.Plain(sb.String()))
				}
			case backend.EventStatus:
				if h.Status != nil && strings.TrimSpace(ev.Message) != "" {
					h.Status(ev.Message)
				}
			case backend.EventError:
				msg := ev.Message
				if msg == "" {
					msg = "backend reported an error"
				}
				return fail(errors.New(msg))
			case backend.EventDone:
				return a.Complete(sb.String())
			default:
				a.log.Warn("skipping stream event", zap.String("type", string(ev.Type)))
			}
		}
	}
}

// Artifacts lifts fenced code blocks out of a Markdown reply.
func (a *Assembler) Artifacts(source string) []models.Artifact {
	src := []byte(source)
	doc := a.md.Parser().Parse(text.NewReader(src))

	var out []models.Artifact
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		block, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		var code strings.Builder
		lines := block.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			code.Write(seg.Value(src))
		}
		out = append(out, models.Artifact{
			Kind:     "code",
			Language: string(block.Language(src)),
			Content:  strings.TrimRight(code.String(), "\n"),
		})
		return ast.WalkSkipChildren, nil
	})
	return out
}
