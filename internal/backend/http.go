package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "http://127.0.0.1:8000"

	maxErrorBody = 512
)

// HTTPClient speaks to the research server: POST /chat, POST /chat/stream and
// GET /thinking.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

type HTTPOption func(*HTTPClient)

func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.http = hc }
}

func WithLogger(log *zap.Logger) HTTPOption {
	return func(c *HTTPClient) {
		if log != nil {
			c.log = log
		}
	}
}

func NewHTTPClient(baseURL string, opts ...HTTPOption) *HTTPClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Replies can take minutes while the server runs tools; the
		// streaming path relies on ctx instead of a client timeout.
		http: &http.Client{},
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPClient) BaseURL() string { return c.baseURL }

// encodeForm builds the multipart body the server's /chat handlers accept:
// messages and options as JSON form fields plus an optional file part.
func encodeForm(req Request) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	turns := req.Turns
	if turns == nil {
		turns = []Turn{}
	}
	messages, err := json.Marshal(turns)
	if err != nil {
		return nil, "", fmt.Errorf("encode messages: %w", err)
	}
	if err := w.WriteField("messages", string(messages)); err != nil {
		return nil, "", err
	}
	options, err := json.Marshal(req.Options)
	if err != nil {
		return nil, "", fmt.Errorf("encode options: %w", err)
	}
	if err := w.WriteField("options", string(options)); err != nil {
		return nil, "", err
	}
	if req.Attachment != nil {
		part, err := w.CreateFormFile("file", req.Attachment.Name)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(req.Attachment.Data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &body, w.FormDataContentType(), nil
}

func (c *HTTPClient) post(ctx context.Context, path string, req Request, accept string) (*http.Response, error) {
	body, contentType, err := encodeForm(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", accept)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

// Complete sends the transcript to POST /chat and returns the reply text.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	resp, err := c.post(ctx, "/chat", req, "application/json")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode /chat response: %w", err)
	}
	c.log.Debug("chat completed",
		zap.Int("turns", len(req.Turns)),
		zap.Int("reply_len", len(out.Text)),
		zap.Duration("elapsed", time.Since(start)))
	return out.Text, nil
}

// ThinkingPhrases fetches GET /thinking.
func (c *HTTPClient) ThinkingPhrases(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/thinking", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("get /thinking: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp)
	}

	var out struct {
		Phrases []string `json:"phrases"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode /thinking response: %w", err)
	}
	phrases := out.Phrases[:0]
	for _, p := range out.Phrases {
		if p = strings.TrimSpace(p); p != "" {
			phrases = append(phrases, p)
		}
	}
	return phrases, nil
}
