package models

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultTitle is shown for sessions that have no derived or manual title.
const DefaultTitle = "New chat"

// ContentKind tags how a message body must be read.
type ContentKind int

const (
	PlainText      ContentKind = iota // Text holds the message verbatim
	RenderedMarkup                    // Text holds the Markdown source, Markup the sanitized HTML
)

func (k ContentKind) String() string {
	if k == RenderedMarkup {
		return "markup"
	}
	return "text"
}

// ParseContentKind is the inverse of ContentKind.String. Unknown values map to PlainText.
func ParseContentKind(s string) ContentKind {
	if s == "markup" {
		return RenderedMarkup
	}
	return PlainText
}

type Content struct {
	Kind   ContentKind
	Text   string
	Markup string
}

func Plain(text string) Content {
	return Content{Kind: PlainText, Text: text}
}

func Markup(source, html string) Content {
	return Content{Kind: RenderedMarkup, Text: source, Markup: html}
}

// IsEmpty reports whether the content carries nothing displayable.
func (c Content) IsEmpty() bool {
	return strings.TrimSpace(c.Text) == "" && strings.TrimSpace(c.Markup) == ""
}

type Message struct {
	ID        string
	Role      Role
	Content   Content
	Index     int
	CreatedAt time.Time
}

type Session struct {
	ID          string
	Title       string
	ManualTitle bool
	Pinned      bool
	CreatedAt   time.Time
	Messages    []Message
}

// Clone returns a copy that shares no message storage with s.
func (s Session) Clone() Session {
	out := s
	if s.Messages != nil {
		out.Messages = make([]Message, len(s.Messages))
		copy(out.Messages, s.Messages)
	}
	return out
}

// Attachment is a file sent alongside a single user turn.
type Attachment struct {
	Name string
	Data []byte
}

type Identity struct {
	ID    string
	Email string
}

// Artifact is a standalone piece of content lifted out of an assistant reply.
type Artifact struct {
	Kind     string
	Language string
	Content  string
}

type AIModel struct {
	ID          string
	Name        string
	Provider    string
	Description string
}

var VerbosityLabels = map[int]string{
	1: "Laconic",
	2: "Concise",
	3: "Balanced",
	4: "Detailed",
	5: "Very verbose",
}

// TemperatureLabel names the creativity band a temperature falls into.
func TemperatureLabel(t float64) string {
	switch {
	case t < 0.25:
		return "Deterministic"
	case t < 0.75:
		return "Conservative"
	case t < 1.25:
		return "Balanced"
	case t < 1.75:
		return "Creative"
	default:
		return "Very Creative"
	}
}
