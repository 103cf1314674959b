// Package db is a SQLite implementation of the remote session store, for
// self-hosted use and tests.
package db

import (
	"context"
	"database/sql"
	"errors"
	"esi/internal/models"
	"esi/internal/remote"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ownerSpace namespaces owner ids derived from e-mail addresses.
var ownerSpace = uuid.MustParse("6f1c1f0e-5b7a-4d3e-9a55-2f0f3c7b9e11")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT 'New chat',
		pinned INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		html TEXT NOT NULL DEFAULT '',
		format TEXT NOT NULL DEFAULT 'text',
		idx INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(session_id, idx),
		FOREIGN KEY(session_id) REFERENCES chat_sessions(id) ON DELETE CASCADE
	);`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user ON chat_sessions(user_id, pinned DESC, created_at DESC);`,
}

// Store keeps sessions in a SQLite file. Rows are scoped to the identity
// signed in through SignIn.
type Store struct {
	db *sql.DB

	remote.Notifier

	mu       sync.Mutex
	identity models.Identity
	signedIn bool
}

// DefaultPath returns <config dir>/esi/esi.db, creating the directory.
func DefaultPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		homeDir, herr := os.UserHomeDir()
		if herr != nil {
			return "", err
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	dbDir := filepath.Join(configDir, "esi")
	if err := os.MkdirAll(dbDir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dbDir, "esi.db"), nil
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// One connection keeps the foreign_keys pragma and :memory: databases
	// consistent across queries.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SignIn scopes the store to the owner derived from the e-mail address.
// The password is not checked: the file belongs to the local user.
func (s *Store) SignIn(_ context.Context, creds remote.Credentials) (models.Identity, error) {
	email := strings.ToLower(strings.TrimSpace(creds.Email))
	if email == "" {
		return models.Identity{}, fmt.Errorf("%w: e-mail is required", remote.ErrBadLogin)
	}
	id := models.Identity{
		ID:    uuid.NewSHA1(ownerSpace, []byte(email)).String(),
		Email: email,
	}
	s.mu.Lock()
	s.identity = id
	s.signedIn = true
	s.mu.Unlock()

	s.Publish(remote.AuthEvent{Kind: remote.SignedIn, Identity: id})
	return id, nil
}

func (s *Store) SignOut(context.Context) error {
	s.mu.Lock()
	was := s.signedIn
	s.identity = models.Identity{}
	s.signedIn = false
	s.mu.Unlock()

	if was {
		s.Publish(remote.AuthEvent{Kind: remote.SignedOut})
	}
	return nil
}

func (s *Store) Current() (models.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.signedIn
}

func (s *Store) owner() (string, error) {
	id, ok := s.Current()
	if !ok {
		return "", remote.ErrNotSignedIn
	}
	return id.ID, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().UnixMilli()
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) UpsertSession(ctx context.Context, rec remote.SessionRecord) error {
	uid, err := s.owner()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions(id, user_id, title, pinned, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			pinned = excluded.pinned,
			updated_at = excluded.updated_at
		WHERE chat_sessions.user_id = excluded.user_id`,
		rec.ID,
		uid,
		rec.Title,
		boolInt(rec.Pinned),
		toMillis(rec.CreatedAt),
		toMillis(rec.UpdatedAt),
	)
	return err
}

func (s *Store) UpdateSession(ctx context.Context, id string, patch remote.SessionPatch) error {
	uid, err := s.owner()
	if err != nil {
		return err
	}
	sets := []string{"updated_at = ?"}
	args := []any{toMillis(patch.UpdatedAt)}
	if patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.Pinned != nil {
		sets = append(sets, "pinned = ?")
		args = append(args, boolInt(*patch.Pinned))
	}
	args = append(args, id, uid)
	_, err = s.db.ExecContext(ctx,
		"UPDATE chat_sessions SET "+strings.Join(sets, ", ")+" WHERE id = ? AND user_id = ?",
		args...,
	)
	return err
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	uid, err := s.owner()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, "DELETE FROM chat_sessions WHERE id = ? AND user_id = ?", id, uid)
	return err
}

func (s *Store) ListSessions(ctx context.Context) ([]remote.SessionRecord, error) {
	uid, err := s.owner()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, pinned, created_at, updated_at FROM chat_sessions
		WHERE user_id = ? ORDER BY pinned DESC, created_at DESC`,
		uid,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []remote.SessionRecord{}
	for rows.Next() {
		var rec remote.SessionRecord
		var pinned int
		var created, updated int64
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Title, &pinned, &created, &updated); err != nil {
			return nil, err
		}
		rec.Pinned = pinned != 0
		rec.CreatedAt = fromMillis(created)
		rec.UpdatedAt = fromMillis(updated)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ownsSession fails with ErrNotSignedIn or sql.ErrNoRows unless the current
// identity owns the session.
func (s *Store) ownsSession(ctx context.Context, sessionID string) error {
	uid, err := s.owner()
	if err != nil {
		return err
	}
	var one int
	err = s.db.QueryRowContext(ctx,
		"SELECT 1 FROM chat_sessions WHERE id = ? AND user_id = ?", sessionID, uid,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %q: %w", sessionID, err)
	}
	return err
}

func (s *Store) UpsertMessage(ctx context.Context, rec remote.MessageRecord) error {
	if err := s.ownsSession(ctx, rec.SessionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages(session_id, role, content, html, format, idx, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, idx) DO UPDATE SET
			role = excluded.role,
			content = excluded.content,
			html = excluded.html,
			format = excluded.format`,
		rec.SessionID,
		rec.Role,
		rec.Content,
		rec.HTML,
		rec.Format,
		rec.Index,
		toMillis(rec.CreatedAt),
	)
	return err
}

func (s *Store) DeleteMessagesFrom(ctx context.Context, sessionID string, idx int) error {
	if err := s.ownsSession(ctx, sessionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM chat_messages WHERE session_id = ? AND idx >= ?", sessionID, idx)
	return err
}

func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]remote.MessageRecord, error) {
	if err := s.ownsSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, role, content, html, format, idx, created_at FROM chat_messages
		WHERE session_id = ? ORDER BY idx ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []remote.MessageRecord{}
	for rows.Next() {
		var m remote.MessageRecord
		var created int64
		if err := rows.Scan(&m.SessionID, &m.Role, &m.Content, &m.HTML, &m.Format, &m.Index, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = fromMillis(created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) HasMessages(ctx context.Context, sessionID string) (bool, error) {
	if err := s.ownsSession(ctx, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chat_messages WHERE session_id = ?", sessionID,
	).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
