// Package chat drives the active conversation: sending prompts, editing and
// regenerating turns, and writing assistant replies into their placeholders.
package chat

import (
	"context"
	"errors"
	"esi/internal/assembler"
	"esi/internal/backend"
	"esi/internal/models"
	"esi/internal/store"
	"esi/internal/syncer"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// VerifyPrompt is the synthetic user turn that asks the assistant to check
// its previous answer.
const VerifyPrompt = "Double-check the previous assistant response. Identify any factual errors or missing citations. Provide corrected information with sources."

const phraseTimeout = 3 * time.Second

var (
	ErrEmptyInput          = errors.New("empty input")
	ErrNoActiveSession     = errors.New("no active session")
	ErrNotUserMessage      = errors.New("not a user message")
	ErrNotAssistantMessage = errors.New("not an assistant message")
	ErrGenerationInFlight  = errors.New("a reply is already being generated for this session")
)

// Outcome describes a finished generation. Failure is the backend error that
// made the placeholder fall back, if any; the placeholder is resolved either
// way.
type Outcome struct {
	SessionID string
	MessageID string
	Failure   error
}

type generation struct {
	sessionID     string
	placeholderID string
	ctx           context.Context
	cancel        context.CancelFunc
	status        string
}

type Controller struct {
	store     *store.Store
	sync      *syncer.Syncer
	backend   backend.Backend
	phrases   backend.PhraseSource
	assembler *assembler.Assembler
	log       *zap.Logger
	intn      func(int) int

	mu            sync.Mutex
	opts          backend.Options
	streaming     bool
	pending       map[string]*generation
	phraseList    []string
	phrasesLoaded bool

	events chan Event
}

type Option func(*Controller)

// WithPhraseSource sets where status phrases come from.
func WithPhraseSource(p backend.PhraseSource) Option {
	return func(c *Controller) { c.phrases = p }
}

func WithSyncer(s *syncer.Syncer) Option {
	return func(c *Controller) { c.sync = s }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

// WithRand replaces the phrase picker, for tests.
func WithRand(intn func(int) int) Option {
	return func(c *Controller) { c.intn = intn }
}

func WithOptions(o backend.Options) Option {
	return func(c *Controller) { c.opts = NormalizeOptions(o) }
}

func WithStreaming(on bool) Option {
	return func(c *Controller) { c.streaming = on }
}

func New(st *store.Store, be backend.Backend, opts ...Option) *Controller {
	c := &Controller{
		store:   st,
		backend: be,
		log:     zap.NewNop(),
		intn:    rand.IntN,
		opts:    NormalizeOptions(backend.Options{}),
		pending: make(map[string]*generation),
		events:  make(chan Event, eventBuffer),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.assembler == nil {
		c.assembler = assembler.New(c.log)
	}
	return c
}

// NormalizeOptions clamps verbosity to 1..5 and temperature to 0..2.
// A zero verbosity means the default of 3.
func NormalizeOptions(o backend.Options) backend.Options {
	switch {
	case o.Verbosity == 0:
		o.Verbosity = 3
	case o.Verbosity < 1:
		o.Verbosity = 1
	case o.Verbosity > 5:
		o.Verbosity = 5
	}
	if o.Temperature < 0 {
		o.Temperature = 0
	}
	if o.Temperature > 2 {
		o.Temperature = 2
	}
	return o
}

func (c *Controller) SetOptions(o backend.Options) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts = NormalizeOptions(o)
}

func (c *Controller) Options() backend.Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

func (c *Controller) SetStreaming(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streaming = on
}

func (c *Controller) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// Pending reports whether any session has a reply in flight.
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) > 0
}

func (c *Controller) PendingFor(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[sessionID]
	return ok
}

// Status returns the status phrase of the active session's pending reply.
func (c *Controller) Status() string {
	id := c.store.ActiveID()
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.pending[id]; ok {
		return g.status
	}
	return ""
}

// Cancel aborts the reply being generated for a session. The placeholder
// receives the fallback text.
func (c *Controller) Cancel(sessionID string) bool {
	c.mu.Lock()
	g, ok := c.pending[sessionID]
	c.mu.Unlock()
	if ok {
		g.cancel()
	}
	return ok
}

// begin reserves the session for one generation.
func (c *Controller) begin(ctx context.Context, sessionID string) (*generation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.pending[sessionID]; busy {
		return nil, ErrGenerationInFlight
	}
	gctx, cancel := context.WithCancel(ctx)
	g := &generation{sessionID: sessionID, ctx: gctx, cancel: cancel}
	c.pending[sessionID] = g
	return g, nil
}

func (c *Controller) release(g *generation) {
	c.mu.Lock()
	if c.pending[g.sessionID] == g {
		delete(c.pending, g.sessionID)
	}
	c.mu.Unlock()
	g.cancel()
}

func (c *Controller) activeSession() (models.Session, error) {
	sess, ok := c.store.Active()
	if !ok {
		return models.Session{}, ErrNoActiveSession
	}
	return sess, nil
}

// NewChat returns to the landing state. No session is created until the
// first prompt is sent.
func (c *Controller) NewChat() {
	c.store.ClearActive()
}

// Select activates a session and, when sync is on, reloads its messages from
// the remote store. A session with a reply in flight keeps its local list.
func (c *Controller) Select(ctx context.Context, id string) error {
	if err := c.store.Activate(id); err != nil {
		return err
	}
	if c.sync == nil || !c.sync.Enabled() || c.PendingFor(id) {
		return nil
	}
	msgs, err := c.sync.Load(ctx, id)
	if err != nil {
		c.log.Warn("loading messages failed, keeping local copy", zap.String("session_id", id), zap.Error(err))
		return nil
	}
	if c.PendingFor(id) {
		return nil
	}
	return c.store.SetMessages(id, msgs)
}

// Send appends a user turn and its placeholder to the active session,
// creating one when none is active, and blocks until the reply is written.
func (c *Controller) Send(ctx context.Context, text string, att *models.Attachment) (Outcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Outcome{}, ErrEmptyInput
	}

	sess, ok := c.store.Active()
	if !ok {
		sess = c.store.Create(store.TitleFrom(text))
		if err := c.store.Activate(sess.ID); err != nil {
			return Outcome{}, err
		}
	}
	g, err := c.begin(ctx, sess.ID)
	if err != nil {
		return Outcome{}, err
	}

	added, err := c.store.AppendMessages(sess.ID,
		models.Message{Role: models.RoleUser, Content: models.Plain(text)},
		models.Message{Role: models.RoleAssistant},
	)
	if err != nil {
		c.release(g)
		return Outcome{}, err
	}
	if sess.Title == models.DefaultTitle && !sess.ManualTitle {
		if err := c.store.SetTitle(sess.ID, store.TitleFrom(text)); err != nil {
			c.log.Debug("deriving title failed", zap.Error(err))
		}
	}
	g.placeholderID = added[1].ID
	return c.generate(g, att), nil
}

// EditAndRegenerate replaces user message i, drops everything after it and
// generates a new reply.
func (c *Controller) EditAndRegenerate(ctx context.Context, i int, text string) (Outcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Outcome{}, ErrEmptyInput
	}
	sess, err := c.activeSession()
	if err != nil {
		return Outcome{}, err
	}
	g, err := c.begin(ctx, sess.ID)
	if err != nil {
		return Outcome{}, err
	}

	msgs, err := c.store.Messages(sess.ID)
	if err == nil && (i < 0 || i >= len(msgs)) {
		err = fmt.Errorf("edit message %d: %w", i, store.ErrIndexOutOfRange)
	}
	if err == nil && msgs[i].Role != models.RoleUser {
		err = fmt.Errorf("edit message %d: %w", i, ErrNotUserMessage)
	}
	if err == nil {
		err = c.store.Truncate(sess.ID, i+1)
	}
	if err == nil {
		_, err = c.store.UpdateMessage(sess.ID, msgs[i].ID, models.Plain(text))
	}
	if err != nil {
		c.release(g)
		return Outcome{}, err
	}
	if i == 0 && !sess.ManualTitle {
		if err := c.store.SetTitle(sess.ID, store.TitleFrom(text)); err != nil {
			c.log.Debug("deriving title failed", zap.Error(err))
		}
	}
	return c.regenerate(g)
}

// Redo regenerates the reply to the nearest user message before index k.
// Without such a message it does nothing.
func (c *Controller) Redo(ctx context.Context, k int) (Outcome, error) {
	sess, err := c.activeSession()
	if err != nil {
		return Outcome{}, err
	}
	g, err := c.begin(ctx, sess.ID)
	if err != nil {
		return Outcome{}, err
	}

	msgs, err := c.store.Messages(sess.ID)
	if err != nil {
		c.release(g)
		return Outcome{}, err
	}
	if k > len(msgs) {
		k = len(msgs)
	}
	u := -1
	for j := k - 1; j >= 0; j-- {
		if msgs[j].Role == models.RoleUser {
			u = j
			break
		}
	}
	if u < 0 {
		c.release(g)
		return Outcome{SessionID: sess.ID}, nil
	}
	if err := c.store.Truncate(sess.ID, u+1); err != nil {
		c.release(g)
		return Outcome{}, err
	}
	return c.regenerate(g)
}

// Verify keeps assistant message k, appends a request to double-check it and
// generates the answer.
func (c *Controller) Verify(ctx context.Context, k int) (Outcome, error) {
	sess, err := c.activeSession()
	if err != nil {
		return Outcome{}, err
	}
	g, err := c.begin(ctx, sess.ID)
	if err != nil {
		return Outcome{}, err
	}

	msgs, err := c.store.Messages(sess.ID)
	if err == nil && (k < 0 || k >= len(msgs)) {
		err = fmt.Errorf("verify message %d: %w", k, store.ErrIndexOutOfRange)
	}
	if err == nil && msgs[k].Role != models.RoleAssistant {
		err = fmt.Errorf("verify message %d: %w", k, ErrNotAssistantMessage)
	}
	if err == nil {
		err = c.store.Truncate(sess.ID, k+1)
	}
	var added []models.Message
	if err == nil {
		added, err = c.store.AppendMessages(sess.ID,
			models.Message{Role: models.RoleUser, Content: models.Plain(VerifyPrompt)},
			models.Message{Role: models.RoleAssistant},
		)
	}
	if err != nil {
		c.release(g)
		return Outcome{}, err
	}
	g.placeholderID = added[1].ID
	return c.generate(g, nil), nil
}

func (c *Controller) regenerate(g *generation) (Outcome, error) {
	added, err := c.store.AppendMessages(g.sessionID, models.Message{Role: models.RoleAssistant})
	if err != nil {
		c.release(g)
		return Outcome{}, err
	}
	g.placeholderID = added[0].ID
	return c.generate(g, nil), nil
}

// generate fills the placeholder of g. It always resolves the placeholder
// before releasing the session.
func (c *Controller) generate(g *generation, att *models.Attachment) Outcome {
	defer func() {
		c.release(g)
		c.emit(Event{Kind: GenerationFinished, SessionID: g.sessionID, MessageID: g.placeholderID})
	}()
	c.emit(Event{Kind: GenerationStarted, SessionID: g.sessionID, MessageID: g.placeholderID})
	stopStatus := c.startStatus(g)
	defer stopStatus()

	req, err := c.request(g, att)
	var content models.Content
	if err == nil {
		content, err = c.reply(g, req)
	}
	if err != nil {
		content = c.fallback(g, err)
	}

	if _, uerr := c.store.UpdateMessage(g.sessionID, g.placeholderID, content); uerr != nil {
		// The session was deleted or truncated meanwhile.
		c.log.Debug("discarding reply", zap.String("session_id", g.sessionID), zap.Error(uerr))
	} else {
		c.emit(Event{Kind: MessageUpdated, SessionID: g.sessionID, MessageID: g.placeholderID})
	}
	return Outcome{SessionID: g.sessionID, MessageID: g.placeholderID, Failure: err}
}

func (c *Controller) fallback(g *generation, err error) models.Content {
	c.log.Warn("reply failed", zap.String("session_id", g.sessionID), zap.Error(err))
	var se *assembler.StreamError
	if g.ctx.Err() == nil && errors.As(err, &se) && strings.TrimSpace(se.Partial) != "" {
		return c.assembler.Interrupted(se.Partial)
	}
	return models.Plain(assembler.Fallback)
}

// request builds the transcript sent to the backend: every message before
// the placeholder, oldest first, as plain text.
func (c *Controller) request(g *generation, att *models.Attachment) (backend.Request, error) {
	msgs, err := c.store.Messages(g.sessionID)
	if err != nil {
		return backend.Request{}, err
	}
	turns := make([]backend.Turn, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == g.placeholderID {
			break
		}
		text := assembler.PlainText(m.Content)
		if text == "" {
			continue
		}
		turns = append(turns, backend.Turn{Role: m.Role, Content: text})
	}
	return backend.Request{Turns: turns, Options: c.Options(), Attachment: att}, nil
}

func (c *Controller) reply(g *generation, req backend.Request) (models.Content, error) {
	if !c.Streaming() {
		text, err := c.backend.Complete(g.ctx, req)
		if err != nil {
			return models.Content{}, err
		}
		return c.assembler.Complete(text)
	}

	events, err := c.backend.Stream(g.ctx, req)
	if err != nil {
		return models.Content{}, err
	}
	return c.assembler.Assemble(g.ctx, events, assembler.Handlers{
		Progress: func(partial models.Content) {
			if _, err := c.store.SetDraft(g.sessionID, g.placeholderID, partial); err == nil {
				c.emit(Event{Kind: MessageUpdated, SessionID: g.sessionID, MessageID: g.placeholderID})
			}
		},
		Status: func(phrase string) { c.setStatus(g, phrase) },
	})
}

// startStatus shows a status phrase for g. Until the phrase set has been
// fetched the default phrase is shown and the fetch runs next to the request.
// The returned func stops the fetch and waits for it.
func (c *Controller) startStatus(g *generation) func() {
	if list, ok := c.cachedPhrases(); ok {
		c.setStatus(g, c.choosePhrase(list))
		return func() {}
	}
	c.setStatus(g, backend.DefaultPhrase)

	ctx, cancel := context.WithCancel(g.ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if list := c.loadPhrases(ctx); len(list) > 0 && ctx.Err() == nil {
			c.setStatus(g, c.choosePhrase(list))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (c *Controller) setStatus(g *generation, phrase string) {
	c.mu.Lock()
	g.status = phrase
	c.mu.Unlock()
	c.emit(Event{Kind: StatusChanged, SessionID: g.sessionID, Status: phrase})
}

// PrefetchPhrases loads the status phrase set if it has not been loaded.
func (c *Controller) PrefetchPhrases(ctx context.Context) {
	c.loadPhrases(ctx)
}

// cachedPhrases returns the phrase set when no fetch is needed.
func (c *Controller) cachedPhrases() ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phraseList, c.phrasesLoaded || c.phrases == nil
}

func (c *Controller) loadPhrases(ctx context.Context) []string {
	if list, ok := c.cachedPhrases(); ok {
		return list
	}

	fetchCtx, cancel := context.WithTimeout(ctx, phraseTimeout)
	defer cancel()
	list, err := c.phrases.ThinkingPhrases(fetchCtx)
	if err != nil {
		if ctx.Err() != nil {
			// Abandoned by the caller; the next generation tries again.
			return nil
		}
		c.log.Debug("thinking phrases unavailable", zap.Error(err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.phrasesLoaded {
		c.phrasesLoaded = true
		c.phraseList = list
	}
	return c.phraseList
}

func (c *Controller) pickPhrase(ctx context.Context) string {
	return c.choosePhrase(c.loadPhrases(ctx))
}

func (c *Controller) choosePhrase(list []string) string {
	if len(list) == 0 {
		return backend.DefaultPhrase
	}
	return list[c.intn(len(list))]
}
