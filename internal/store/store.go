// Package store holds the in-memory collection of chat sessions. It is the
// only owner of session and message state inside the process; durable
// persistence is layered on top through a Hook.
package store

import (
	"errors"
	"esi/internal/models"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrIndexOutOfRange = errors.New("message index out of range")
)

// MaxTitleRunes bounds titles derived from a prompt.
const MaxTitleRunes = 60

type ChangeKind int

const (
	SessionCreated ChangeKind = iota
	SessionRenamed
	SessionPinned
	SessionDeleted
	MessagesAppended
	MessageUpdated
	MessagesTruncated
)

func (k ChangeKind) String() string {
	switch k {
	case SessionCreated:
		return "session_created"
	case SessionRenamed:
		return "session_renamed"
	case SessionPinned:
		return "session_pinned"
	case SessionDeleted:
		return "session_deleted"
	case MessagesAppended:
		return "messages_appended"
	case MessageUpdated:
		return "message_updated"
	case MessagesTruncated:
		return "messages_truncated"
	}
	return fmt.Sprintf("change(%d)", int(k))
}

// Change describes one durable mutation. Session is a snapshot taken right
// after the mutation without its message list.
type Change struct {
	Kind     ChangeKind
	Session  models.Session
	Messages []models.Message
	From     int
}

// Hook observes durable mutations. Changed runs while the store lock is held
// so it sees mutations in the order they happened; it must not call back into
// the store or block.
type Hook interface {
	Changed(Change)
}

type HookFunc func(Change)

func (f HookFunc) Changed(c Change) { f(c) }

type Option func(*Store)

// WithClock replaces time.Now for session and message timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type Store struct {
	mu       sync.Mutex
	sessions []*models.Session
	activeID string
	hook     Hook
	now      func() time.Time
}

func New(opts ...Option) *Store {
	s := &Store{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) SetHook(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = h
}

func (s *Store) notify(c Change) {
	if s.hook == nil {
		return
	}
	c.Session.Messages = nil
	s.hook.Changed(c)
}

// TitleFrom derives a session title from the first prompt of a conversation.
func TitleFrom(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) > MaxTitleRunes {
		text = string(r[:MaxTitleRunes])
	}
	if text == "" {
		return models.DefaultTitle
	}
	return text
}

func (s *Store) find(id string) (*models.Session, int) {
	for i, sess := range s.sessions {
		if sess.ID == id {
			return sess, i
		}
	}
	return nil, -1
}

func sortSessions(list []models.Session) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Pinned != list[j].Pinned {
			return list[i].Pinned
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}

// List returns every session, pinned first and then newest first.
func (s *Store) List() []models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

func (s *Store) listLocked() []models.Session {
	out := make([]models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sortSessions(out)
	return out
}

func (s *Store) Get(id string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, _ := s.find(id)
	if sess == nil {
		return models.Session{}, fmt.Errorf("get %q: %w", id, ErrNotFound)
	}
	return sess.Clone(), nil
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Create adds an empty session. It does not change the active selection.
func (s *Store) Create(title string) models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	title = strings.TrimSpace(title)
	if title == "" {
		title = models.DefaultTitle
	}
	sess := &models.Session{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: s.now(),
		Messages:  []models.Message{},
	}
	s.sessions = append(s.sessions, sess)
	s.notify(Change{Kind: SessionCreated, Session: sess.Clone()})
	return sess.Clone()
}

// Rename stores a user-chosen title. A blank title resets the session to the
// default title and clears the manual flag so it can be derived again.
func (s *Store) Rename(id, title string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, _ := s.find(id)
	if sess == nil {
		return models.Session{}, fmt.Errorf("rename %q: %w", id, ErrNotFound)
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = models.DefaultTitle
	}
	sess.Title = title
	sess.ManualTitle = title != models.DefaultTitle
	s.notify(Change{Kind: SessionRenamed, Session: sess.Clone()})
	return sess.Clone(), nil
}

// SetTitle stores a derived title and leaves the manual flag untouched.
func (s *Store) SetTitle(id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, _ := s.find(id)
	if sess == nil {
		return fmt.Errorf("set title %q: %w", id, ErrNotFound)
	}
	if sess.Title == title {
		return nil
	}
	sess.Title = title
	s.notify(Change{Kind: SessionRenamed, Session: sess.Clone()})
	return nil
}

func (s *Store) SetPinned(id string, pinned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, _ := s.find(id)
	if sess == nil {
		return fmt.Errorf("pin %q: %w", id, ErrNotFound)
	}
	sess.Pinned = pinned
	s.notify(Change{Kind: SessionPinned, Session: sess.Clone()})
	return nil
}

func (s *Store) TogglePin(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, _ := s.find(id)
	if sess == nil {
		return false, fmt.Errorf("pin %q: %w", id, ErrNotFound)
	}
	sess.Pinned = !sess.Pinned
	s.notify(Change{Kind: SessionPinned, Session: sess.Clone()})
	return sess.Pinned, nil
}

// Delete removes a session. When it was active, the next session in list
// order becomes active, or none if it was the last one.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, i := s.find(id)
	if sess == nil {
		return fmt.Errorf("delete %q: %w", id, ErrNotFound)
	}
	s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
	if s.activeID == id {
		s.activeID = ""
		if rest := s.listLocked(); len(rest) > 0 {
			s.activeID = rest[0].ID
		}
	}
	s.notify(Change{Kind: SessionDeleted, Session: models.Session{ID: id}})
	return nil
}

func (s *Store) Activate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, _ := s.find(id); sess == nil {
		return fmt.Errorf("select %q: %w", id, ErrNotFound)
	}
	s.activeID = id
	return nil
}

func (s *Store) ClearActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeID = ""
}

func (s *Store) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

func (s *Store) Active() (models.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, _ := s.find(s.activeID)
	if sess == nil {
		return models.Session{}, false
	}
	return sess.Clone(), true
}

// Messages returns the message list of a session.
func (s *Store) Messages(id string) ([]models.Message, error) {
	sess, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return sess.Messages, nil
}

// AppendMessages adds messages in order, assigning ids, positions and
// timestamps. The returned slice holds the appended messages as stored.
func (s *Store) AppendMessages(id string, msgs ...models.Message) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, _ := s.find(id)
	if sess == nil {
		return nil, fmt.Errorf("append to %q: %w", id, ErrNotFound)
	}
	added := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = s.now()
		}
		m.Index = len(sess.Messages)
		sess.Messages = append(sess.Messages, m)
		added = append(added, m)
	}
	s.notify(Change{Kind: MessagesAppended, Session: sess.Clone(), Messages: added})
	return added, nil
}

// Truncate keeps the first keep messages of a session.
func (s *Store) Truncate(id string, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, _ := s.find(id)
	if sess == nil {
		return fmt.Errorf("truncate %q: %w", id, ErrNotFound)
	}
	if keep < 0 || keep > len(sess.Messages) {
		return fmt.Errorf("truncate %q to %d: %w", id, keep, ErrIndexOutOfRange)
	}
	if keep == len(sess.Messages) {
		return nil
	}
	sess.Messages = sess.Messages[:keep:keep]
	s.notify(Change{Kind: MessagesTruncated, Session: sess.Clone(), From: keep})
	return nil
}

// UpdateMessage replaces the content of the message with the given id.
func (s *Store) UpdateMessage(id, msgID string, c models.Content) (models.Message, error) {
	return s.setContent(id, msgID, c, true)
}

// SetDraft replaces message content without reporting a durable change.
// Streaming uses it for partial replies.
func (s *Store) SetDraft(id, msgID string, c models.Content) (models.Message, error) {
	return s.setContent(id, msgID, c, false)
}

func (s *Store) setContent(id, msgID string, c models.Content, durable bool) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, _ := s.find(id)
	if sess == nil {
		return models.Message{}, fmt.Errorf("update in %q: %w", id, ErrNotFound)
	}
	for i := range sess.Messages {
		if sess.Messages[i].ID != msgID {
			continue
		}
		sess.Messages[i].Content = c
		m := sess.Messages[i]
		if durable {
			s.notify(Change{Kind: MessageUpdated, Session: sess.Clone(), Messages: []models.Message{m}})
		}
		return m, nil
	}
	return models.Message{}, fmt.Errorf("message %q in %q: %w", msgID, id, ErrNotFound)
}

// SetMessages replaces a session's message list with one loaded from the
// durable store. Positions are renumbered; no change is reported.
func (s *Store) SetMessages(id string, msgs []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, _ := s.find(id)
	if sess == nil {
		return fmt.Errorf("load %q: %w", id, ErrNotFound)
	}
	sess.Messages = normalizeMessages(msgs, s.now)
	return nil
}

// Replace swaps the whole collection for one fetched from the durable store.
// The active selection survives only if its session is still present.
func (s *Store) Replace(sessions []models.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]*models.Session, 0, len(sessions))
	for _, sess := range sessions {
		c := sess.Clone()
		c.Messages = normalizeMessages(c.Messages, s.now)
		next = append(next, &c)
	}
	s.sessions = next
	if sess, _ := s.find(s.activeID); sess == nil {
		s.activeID = ""
	}
}

// Reset forgets every session and the active selection.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = nil
	s.activeID = ""
}

func normalizeMessages(msgs []models.Message, now func() time.Time) []models.Message {
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		out[i].Index = i
		if out[i].ID == "" {
			out[i].ID = uuid.NewString()
		}
		if out[i].CreatedAt.IsZero() {
			out[i].CreatedAt = now()
		}
	}
	return out
}
