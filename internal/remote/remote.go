// Package remote defines the durable session store and the identity
// provider the client syncs with, plus a REST implementation of both.
package remote

import (
	"context"
	"errors"
	"esi/internal/models"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotSignedIn = errors.New("not signed in")
	ErrBadLogin    = errors.New("invalid login credentials")
)

// SessionRecord is a row of chat_sessions.
type SessionRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Pinned    bool      `json:"pinned"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageRecord is a row of chat_messages. Content holds the plain text or
// Markdown source; HTML is set for rendered replies only.
type MessageRecord struct {
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	HTML      string    `json:"html"`
	Format    string    `json:"format"`
	Index     int       `json:"idx"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionPatch carries the columns to change; nil fields are left alone.
type SessionPatch struct {
	Title     *string   `json:"title,omitempty"`
	Pinned    *bool     `json:"pinned,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists sessions and messages for the signed-in identity. Every
// method fails with ErrNotSignedIn when there is none.
type Store interface {
	UpsertSession(ctx context.Context, rec SessionRecord) error
	UpdateSession(ctx context.Context, id string, patch SessionPatch) error
	// DeleteSession removes a session and, by cascade, its messages.
	DeleteSession(ctx context.Context, id string) error
	// ListSessions returns pinned sessions first, then newest first.
	ListSessions(ctx context.Context) ([]SessionRecord, error)
	// UpsertMessage writes a message keyed by (session_id, idx).
	UpsertMessage(ctx context.Context, rec MessageRecord) error
	DeleteMessagesFrom(ctx context.Context, sessionID string, idx int) error
	// ListMessages returns messages ordered by idx.
	ListMessages(ctx context.Context, sessionID string) ([]MessageRecord, error)
	HasMessages(ctx context.Context, sessionID string) (bool, error)
}

type Credentials struct {
	Email    string
	Password string
}

type AuthEventKind int

const (
	SignedIn AuthEventKind = iota
	SignedOut
)

func (k AuthEventKind) String() string {
	if k == SignedIn {
		return "signed_in"
	}
	return "signed_out"
}

type AuthEvent struct {
	Kind     AuthEventKind
	Identity models.Identity
}

// Auth is the identity provider.
type Auth interface {
	SignIn(ctx context.Context, creds Credentials) (models.Identity, error)
	SignOut(ctx context.Context) error
	Current() (models.Identity, bool)
	// Subscribe registers fn for auth state changes and returns a function
	// that removes it.
	Subscribe(fn func(AuthEvent)) (unsubscribe func())
}

// Remote bundles a store with the identity provider that scopes it.
type Remote interface {
	Store
	Auth
}

// Notifier fans auth events out to subscribers.
type Notifier struct {
	mu   sync.Mutex
	next int
	subs map[int]func(AuthEvent)
}

func (n *Notifier) Subscribe(fn func(AuthEvent)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]func(AuthEvent))
	}
	id := n.next
	n.next++
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

// Publish calls every subscriber synchronously, in registration order.
func (n *Notifier) Publish(ev AuthEvent) {
	n.mu.Lock()
	ids := make([]int, 0, len(n.subs))
	for id := range n.subs {
		ids = append(ids, id)
	}
	fns := make([]func(AuthEvent), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, n.subs[id])
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// APIError is a non-2xx answer from the remote service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote: status %d: %s", e.Status, e.Message)
}

func SessionToRecord(s models.Session, userID string, now time.Time) SessionRecord {
	return SessionRecord{
		ID:        s.ID,
		UserID:    userID,
		Title:     s.Title,
		Pinned:    s.Pinned,
		CreatedAt: s.CreatedAt,
		UpdatedAt: now,
	}
}

func SessionFromRecord(rec SessionRecord, msgs []MessageRecord) models.Session {
	title := rec.Title
	if title == "" {
		title = models.DefaultTitle
	}
	s := models.Session{
		ID:          rec.ID,
		Title:       title,
		ManualTitle: title != models.DefaultTitle,
		Pinned:      rec.Pinned,
		CreatedAt:   rec.CreatedAt,
		Messages:    make([]models.Message, 0, len(msgs)),
	}
	for _, m := range msgs {
		s.Messages = append(s.Messages, MessageFromRecord(m))
	}
	return s
}

func MessageToRecord(sessionID string, m models.Message) MessageRecord {
	rec := MessageRecord{
		SessionID: sessionID,
		Role:      string(m.Role),
		Content:   m.Content.Text,
		Format:    m.Content.Kind.String(),
		Index:     m.Index,
		CreatedAt: m.CreatedAt,
	}
	if m.Content.Kind == models.RenderedMarkup {
		rec.HTML = m.Content.Markup
	}
	return rec
}

func MessageFromRecord(rec MessageRecord) models.Message {
	c := models.Content{Kind: models.ParseContentKind(rec.Format), Text: rec.Content}
	if c.Kind == models.RenderedMarkup {
		c.Markup = rec.HTML
	}
	return models.Message{
		Role:      models.Role(rec.Role),
		Content:   c,
		Index:     rec.Index,
		CreatedAt: rec.CreatedAt,
	}
}
