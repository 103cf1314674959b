package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"esi/internal/models"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	sessionsTable = "chat_sessions"
	messagesTable = "chat_messages"

	maxErrorBody = 1024
)

// RESTClient talks to a hosted backend-as-a-service: PostgREST under
// /rest/v1 for the tables and GoTrue under /auth/v1 for password sign-in.
type RESTClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *zap.Logger

	Notifier

	mu       sync.Mutex
	tokens   oauth2.TokenSource
	identity models.Identity
}

func NewRESTClient(baseURL, apiKey string, hc *http.Client, log *zap.Logger) *RESTClient {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    hc,
		log:     log,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

func (t tokenResponse) token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
	}
	if t.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	return tok
}

// refresher exchanges the refresh token once the access token expires.
type refresher struct {
	c       *RESTClient
	refresh string
}

func (r *refresher) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	resp, err := r.c.grant(ctx, "refresh_token", map[string]string{"refresh_token": r.refresh})
	if err != nil {
		return nil, err
	}
	r.refresh = resp.RefreshToken
	return resp.token(), nil
}

func (c *RESTClient) grant(ctx context.Context, grantType string, body any) (tokenResponse, error) {
	var out tokenResponse
	u := c.baseURL + "/auth/v1/token?grant_type=" + url.QueryEscape(grantType)
	req, err := c.newRequest(ctx, http.MethodPost, u, body)
	if err != nil {
		return out, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return out, fmt.Errorf("auth %s: %w", grantType, err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return out, err
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode token: %w", err)
	}
	return out, nil
}

func (c *RESTClient) SignIn(ctx context.Context, creds Credentials) (models.Identity, error) {
	resp, err := c.grant(ctx, "password", map[string]string{
		"email":    creds.Email,
		"password": creds.Password,
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusBadRequest {
			return models.Identity{}, fmt.Errorf("%w: %s", ErrBadLogin, apiErr.Message)
		}
		return models.Identity{}, err
	}

	id := models.Identity{ID: resp.User.ID, Email: resp.User.Email}
	c.mu.Lock()
	c.tokens = oauth2.ReuseTokenSource(resp.token(), &refresher{c: c, refresh: resp.RefreshToken})
	c.identity = id
	c.mu.Unlock()

	c.log.Info("signed in", zap.String("user_id", id.ID))
	c.Publish(AuthEvent{Kind: SignedIn, Identity: id})
	return id, nil
}

// SignOut revokes the session server-side when possible and always clears
// the local identity.
func (c *RESTClient) SignOut(ctx context.Context) error {
	c.mu.Lock()
	tokens := c.tokens
	had := c.tokens != nil
	c.tokens = nil
	c.identity = models.Identity{}
	c.mu.Unlock()
	if !had {
		return nil
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.baseURL+"/auth/v1/logout", nil)
	if err == nil {
		err = c.do(req, tokens, nil)
	}
	if err != nil {
		c.log.Warn("remote logout failed", zap.Error(err))
	}
	c.Publish(AuthEvent{Kind: SignedOut})
	return nil
}

func (c *RESTClient) Current() (models.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity, c.tokens != nil
}

func (c *RESTClient) session() (oauth2.TokenSource, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokens == nil {
		return nil, "", ErrNotSignedIn
	}
	return c.tokens, c.identity.ID, nil
}

func (c *RESTClient) newRequest(ctx context.Context, method, u string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do sends req with the bearer token from tokens and decodes into out when
// it is non-nil.
func (c *RESTClient) do(req *http.Request, tokens oauth2.TokenSource, out any) error {
	hc := &http.Client{
		Timeout:   c.http.Timeout,
		Transport: &oauth2.Transport{Source: tokens, Base: c.http.Transport},
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body struct {
		Message          string `json:"message"`
		Msg              string `json:"msg"`
		ErrorDescription string `json:"error_description"`
	}
	msg := strings.TrimSpace(string(b))
	if json.Unmarshal(b, &body) == nil {
		for _, m := range []string{body.Message, body.Msg, body.ErrorDescription} {
			if m != "" {
				msg = m
				break
			}
		}
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

func (c *RESTClient) table(name string, q url.Values) string {
	u := c.baseURL + "/rest/v1/" + name
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *RESTClient) call(ctx context.Context, method, table string, q url.Values, body, out any, prefer string) error {
	tokens, _, err := c.session()
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, method, c.table(table, q), body)
	if err != nil {
		return err
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}
	return c.do(req, tokens, out)
}

func (c *RESTClient) userID() (string, error) {
	_, uid, err := c.session()
	return uid, err
}

func (c *RESTClient) UpsertSession(ctx context.Context, rec SessionRecord) error {
	uid, err := c.userID()
	if err != nil {
		return err
	}
	rec.UserID = uid
	q := url.Values{"on_conflict": {"id"}}
	return c.call(ctx, http.MethodPost, sessionsTable, q, []SessionRecord{rec}, nil,
		"resolution=merge-duplicates,return=minimal")
}

func (c *RESTClient) UpdateSession(ctx context.Context, id string, patch SessionPatch) error {
	uid, err := c.userID()
	if err != nil {
		return err
	}
	q := url.Values{"id": {"eq." + id}, "user_id": {"eq." + uid}}
	return c.call(ctx, http.MethodPatch, sessionsTable, q, patch, nil, "return=minimal")
}

func (c *RESTClient) DeleteSession(ctx context.Context, id string) error {
	uid, err := c.userID()
	if err != nil {
		return err
	}
	q := url.Values{"id": {"eq." + id}, "user_id": {"eq." + uid}}
	return c.call(ctx, http.MethodDelete, sessionsTable, q, nil, nil, "return=minimal")
}

func (c *RESTClient) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	uid, err := c.userID()
	if err != nil {
		return nil, err
	}
	q := url.Values{
		"select":  {"*"},
		"user_id": {"eq." + uid},
		"order":   {"pinned.desc,created_at.desc"},
	}
	var out []SessionRecord
	if err := c.call(ctx, http.MethodGet, sessionsTable, q, nil, &out, ""); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RESTClient) UpsertMessage(ctx context.Context, rec MessageRecord) error {
	q := url.Values{"on_conflict": {"session_id,idx"}}
	return c.call(ctx, http.MethodPost, messagesTable, q, []MessageRecord{rec}, nil,
		"resolution=merge-duplicates,return=minimal")
}

func (c *RESTClient) DeleteMessagesFrom(ctx context.Context, sessionID string, idx int) error {
	q := url.Values{
		"session_id": {"eq." + sessionID},
		"idx":        {"gte." + strconv.Itoa(idx)},
	}
	return c.call(ctx, http.MethodDelete, messagesTable, q, nil, nil, "return=minimal")
}

func (c *RESTClient) ListMessages(ctx context.Context, sessionID string) ([]MessageRecord, error) {
	q := url.Values{
		"select":     {"*"},
		"session_id": {"eq." + sessionID},
		"order":      {"idx.asc"},
	}
	var out []MessageRecord
	if err := c.call(ctx, http.MethodGet, messagesTable, q, nil, &out, ""); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RESTClient) HasMessages(ctx context.Context, sessionID string) (bool, error) {
	q := url.Values{
		"select":     {"idx"},
		"session_id": {"eq." + sessionID},
		"limit":      {"1"},
	}
	var out []struct {
		Index int `json:"idx"`
	}
	if err := c.call(ctx, http.MethodGet, messagesTable, q, nil, &out, ""); err != nil {
		return false, err
	}
	return len(out) > 0, nil
}
