package remote

import (
	"context"
	"encoding/json"
	"errors"
	"esi/internal/models"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeService records PostgREST calls and answers GoTrue sign-in.
type fakeService struct {
	mu       sync.Mutex
	requests []string
	bodies   map[string][]byte
}

func (f *fakeService) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "anon-key", r.Header.Get("apikey"))
		var creds map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		if creds["password"] != "secret" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_grant","error_description":"Invalid login credentials"}`)
			return
		}
		fmt.Fprint(w, `{"access_token":"tok-1","token_type":"bearer","expires_in":3600,"refresh_token":"r1",
			"user":{"id":"user-1","email":"ada@example.com"}}`)
	})
	mux.HandleFunc("/auth/v1/logout", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/rest/v1/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "anon-key", r.Header.Get("apikey"))
		key := r.Method + " " + r.URL.Path + "?" + r.URL.RawQuery
		var body json.RawMessage
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		f.mu.Lock()
		f.requests = append(f.requests, key)
		if f.bodies == nil {
			f.bodies = map[string][]byte{}
		}
		f.bodies[r.Method+" "+r.URL.Path] = body
		f.mu.Unlock()

		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/rest/v1/chat_sessions":
			fmt.Fprint(w, `[{"id":"s1","user_id":"user-1","title":"Pinned","pinned":true,
				"created_at":"2025-01-01T10:00:00.123456+00:00","updated_at":"2025-01-01T10:00:00+00:00"}]`)
		case r.Method == http.MethodGet && r.URL.Query().Get("limit") == "1":
			fmt.Fprint(w, `[]`)
		case r.Method == http.MethodGet:
			fmt.Fprint(w, `[{"session_id":"s1","role":"user","content":"hi","format":"text","idx":0,"created_at":"2025-01-01T10:00:01Z"},
				{"session_id":"s1","role":"assistant","content":"**yo**","html":"<p><strong>yo</strong></p>","format":"markup","idx":1,"created_at":"2025-01-01T10:00:02Z"}]`)
		default:
			w.WriteHeader(http.StatusCreated)
		}
	})
	return mux
}

func newTestClient(t *testing.T) (*RESTClient, *fakeService) {
	f := &fakeService{}
	server := httptest.NewServer(f.handler(t))
	t.Cleanup(server.Close)
	return NewRESTClient(server.URL, "anon-key", nil, zaptest.NewLogger(t)), f
}

func TestRESTRequiresSignIn(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.ListSessions(context.Background())
	assert.ErrorIs(t, err, ErrNotSignedIn)
	assert.ErrorIs(t, c.UpsertMessage(context.Background(), MessageRecord{}), ErrNotSignedIn)
	_, ok := c.Current()
	assert.False(t, ok)
}

func TestRESTSignInAndOut(t *testing.T) {
	c, _ := newTestClient(t)
	var events []AuthEvent
	unsubscribe := c.Subscribe(func(ev AuthEvent) { events = append(events, ev) })
	defer unsubscribe()

	_, err := c.SignIn(context.Background(), Credentials{Email: "ada@example.com", Password: "wrong"})
	require.ErrorIs(t, err, ErrBadLogin)
	assert.Empty(t, events)

	id, err := c.SignIn(context.Background(), Credentials{Email: "ada@example.com", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, models.Identity{ID: "user-1", Email: "ada@example.com"}, id)
	cur, ok := c.Current()
	assert.True(t, ok)
	assert.Equal(t, id, cur)

	require.NoError(t, c.SignOut(context.Background()))
	_, ok = c.Current()
	assert.False(t, ok)

	require.Len(t, events, 2)
	assert.Equal(t, SignedIn, events[0].Kind)
	assert.Equal(t, SignedOut, events[1].Kind)
}

func TestRESTTableCalls(t *testing.T) {
	c, f := newTestClient(t)
	ctx := context.Background()
	_, err := c.SignIn(ctx, Credentials{Email: "ada@example.com", Password: "secret"})
	require.NoError(t, err)

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, c.UpsertSession(ctx, SessionRecord{ID: "s1", Title: "t", CreatedAt: now, UpdatedAt: now}))
	title := "renamed"
	require.NoError(t, c.UpdateSession(ctx, "s1", SessionPatch{Title: &title, UpdatedAt: now}))
	require.NoError(t, c.UpsertMessage(ctx, MessageRecord{SessionID: "s1", Role: "user", Content: "hi", Format: "text"}))
	require.NoError(t, c.DeleteMessagesFrom(ctx, "s1", 2))
	require.NoError(t, c.DeleteSession(ctx, "s1"))

	sessions, err := c.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Pinned)
	assert.Equal(t, 2025, sessions[0].CreatedAt.Year())

	msgs, err := c.ListMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "markup", msgs[1].Format)

	has, err := c.HasMessages(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, has)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{
		"POST /rest/v1/chat_sessions?on_conflict=id",
		"PATCH /rest/v1/chat_sessions?id=eq.s1&user_id=eq.user-1",
		"POST /rest/v1/chat_messages?on_conflict=session_id%2Cidx",
		"DELETE /rest/v1/chat_messages?idx=gte.2&session_id=eq.s1",
		"DELETE /rest/v1/chat_sessions?id=eq.s1&user_id=eq.user-1",
		"GET /rest/v1/chat_sessions?order=pinned.desc%2Ccreated_at.desc&select=%2A&user_id=eq.user-1",
		"GET /rest/v1/chat_messages?order=idx.asc&select=%2A&session_id=eq.s1",
		"GET /rest/v1/chat_messages?limit=1&select=idx&session_id=eq.s1",
	}, f.requests)

	var upserted []SessionRecord
	require.NoError(t, json.Unmarshal(f.bodies["POST /rest/v1/chat_sessions"], &upserted))
	require.Len(t, upserted, 1)
	assert.Equal(t, "user-1", upserted[0].UserID)

	var patch map[string]any
	require.NoError(t, json.Unmarshal(f.bodies["PATCH /rest/v1/chat_sessions"], &patch))
	assert.Equal(t, "renamed", patch["title"])
	assert.NotContains(t, patch, "pinned")
}

func TestRESTAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/v1/token" {
			fmt.Fprint(w, `{"access_token":"tok-1","token_type":"bearer","user":{"id":"u"}}`)
			return
		}
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"message":"duplicate key"}`)
	}))
	defer server.Close()

	c := NewRESTClient(server.URL, "k", nil, nil)
	_, err := c.SignIn(context.Background(), Credentials{Email: "a", Password: "b"})
	require.NoError(t, err)

	err = c.UpsertMessage(context.Background(), MessageRecord{SessionID: "s"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "duplicate key", apiErr.Message)
}

func TestNotifierUnsubscribe(t *testing.T) {
	var n Notifier
	var got []string
	stopA := n.Subscribe(func(ev AuthEvent) { got = append(got, "a:"+ev.Kind.String()) })
	n.Subscribe(func(ev AuthEvent) { got = append(got, "b:"+ev.Kind.String()) })

	n.Publish(AuthEvent{Kind: SignedIn})
	stopA()
	n.Publish(AuthEvent{Kind: SignedOut})
	assert.Equal(t, []string{"a:signed_in", "b:signed_in", "b:signed_out"}, got)
}

func TestRecordConversion(t *testing.T) {
	created := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	msgs := []models.Message{
		{Role: models.RoleUser, Content: models.Plain("q"), Index: 0, CreatedAt: created},
		{Role: models.RoleAssistant, Content: models.Markup("**a**", "<p><strong>a</strong></p>"), Index: 1, CreatedAt: created},
	}
	var recs []MessageRecord
	for _, m := range msgs {
		recs = append(recs, MessageToRecord("s1", m))
	}
	assert.Equal(t, "", recs[0].HTML)
	assert.Equal(t, "markup", recs[1].Format)

	sess := SessionFromRecord(SessionRecord{ID: "s1", Title: "", CreatedAt: created}, recs)
	assert.Equal(t, models.DefaultTitle, sess.Title)
	assert.False(t, sess.ManualTitle)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, msgs[0].Content, sess.Messages[0].Content)
	assert.Equal(t, msgs[1].Content, sess.Messages[1].Content)
	assert.Equal(t, models.RoleAssistant, sess.Messages[1].Role)
}
