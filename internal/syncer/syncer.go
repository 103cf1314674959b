// Package syncer mirrors the in-memory session store into a remote store
// while an identity is signed in.
package syncer

import (
	"context"
	"errors"
	"esi/internal/models"
	"esi/internal/remote"
	"esi/internal/store"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	writeTimeout  = 30 * time.Second
	fetchParallel = 4
)

var ErrDisabled = errors.New("remote sync disabled")

type job struct {
	name   string
	run    func(ctx context.Context, r remote.Store) error
	marker chan struct{}
}

// Syncer is a store.Hook. Remote writes run one at a time on a background
// worker in the order the mutations happened; failures are logged and
// dropped.
type Syncer struct {
	remote remote.Remote
	store  *store.Store
	log    *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []job
	closed bool
	done   chan struct{}

	unsubscribe func()
}

type Option func(*Syncer)

func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// New attaches a syncer to st. r may be nil, in which case every remote
// operation is a no-op.
func New(r remote.Remote, st *store.Store, log *zap.Logger, opts ...Option) *Syncer {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Syncer{
		remote: r,
		store:  st,
		log:    log,
		now:    time.Now,
		done:   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}

	go s.worker()
	st.SetHook(s)
	if r != nil {
		s.unsubscribe = r.Subscribe(s.authChanged)
	}
	return s
}

// Enabled reports whether mutations are currently mirrored.
func (s *Syncer) Enabled() bool {
	_, ok := s.Identity()
	return ok
}

func (s *Syncer) Identity() (models.Identity, bool) {
	if s.remote == nil {
		return models.Identity{}, false
	}
	return s.remote.Current()
}

func (s *Syncer) enqueue(j job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.queue = append(s.queue, j)
	s.cond.Signal()
	return true
}

func (s *Syncer) worker() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		j := s.queue[0]
		s.queue[0] = job{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if j.marker != nil {
			close(j.marker)
			continue
		}
		s.runJob(j)
	}
}

func (s *Syncer) runJob(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	start := time.Now()
	if err := j.run(ctx, s.remote); err != nil {
		s.log.Warn("remote write failed", zap.String("op", j.name), zap.Error(err))
		return
	}
	s.log.Debug("remote write", zap.String("op", j.name), zap.Duration("elapsed", time.Since(start)))
}

// Flush waits until every write queued before the call has run.
func (s *Syncer) Flush(ctx context.Context) error {
	marker := make(chan struct{})
	if !s.enqueue(job{name: "flush", marker: marker}) {
		return nil
	}
	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains queued writes and stops the worker.
func (s *Syncer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	<-s.done
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// Changed implements store.Hook. It runs under the store lock and only
// queues work.
func (s *Syncer) Changed(c store.Change) {
	if !s.Enabled() {
		return
	}
	sess := c.Session
	switch c.Kind {
	case store.SessionCreated:
		rec := remote.SessionToRecord(sess, "", s.now())
		s.enqueue(job{name: "create session", run: func(ctx context.Context, r remote.Store) error {
			return r.UpsertSession(ctx, rec)
		}})
	case store.SessionRenamed:
		title := sess.Title
		s.enqueue(s.patch("rename session", sess.ID, remote.SessionPatch{Title: &title}))
	case store.SessionPinned:
		pinned := sess.Pinned
		s.enqueue(s.patch("pin session", sess.ID, remote.SessionPatch{Pinned: &pinned}))
	case store.SessionDeleted:
		id := sess.ID
		s.enqueue(job{name: "delete session", run: func(ctx context.Context, r remote.Store) error {
			return r.DeleteSession(ctx, id)
		}})
	case store.MessagesAppended, store.MessageUpdated:
		for _, m := range c.Messages {
			// Placeholders are written once they are resolved.
			if m.Content.IsEmpty() {
				continue
			}
			rec := remote.MessageToRecord(sess.ID, m)
			s.enqueue(job{name: "write message", run: func(ctx context.Context, r remote.Store) error {
				return r.UpsertMessage(ctx, rec)
			}})
		}
		if c.Kind == store.MessagesAppended {
			s.enqueue(s.patch("touch session", sess.ID, remote.SessionPatch{}))
		}
	case store.MessagesTruncated:
		id, from := sess.ID, c.From
		s.enqueue(job{name: "truncate messages", run: func(ctx context.Context, r remote.Store) error {
			return r.DeleteMessagesFrom(ctx, id, from)
		}})
	}
}

func (s *Syncer) patch(name, id string, p remote.SessionPatch) job {
	p.UpdatedAt = s.now()
	return job{name: name, run: func(ctx context.Context, r remote.Store) error {
		return r.UpdateSession(ctx, id, p)
	}}
}

// SignIn signs in through the identity provider. Local sessions are migrated
// and the store is replaced by the remote list before it returns. An account
// that is already signed in is signed out first.
func (s *Syncer) SignIn(ctx context.Context, creds remote.Credentials) (models.Identity, error) {
	if s.remote == nil {
		return models.Identity{}, ErrDisabled
	}
	if s.Enabled() {
		if err := s.SignOut(ctx); err != nil {
			return models.Identity{}, fmt.Errorf("sign out previous account: %w", err)
		}
	}
	return s.remote.SignIn(ctx, creds)
}

// SignOut lets queued writes finish, then signs out. The local session list
// is cleared; the remote store is left as is.
func (s *Syncer) SignOut(ctx context.Context) error {
	if s.remote == nil {
		return ErrDisabled
	}
	if err := s.Flush(ctx); err != nil {
		return err
	}
	return s.remote.SignOut(ctx)
}

func (s *Syncer) authChanged(ev remote.AuthEvent) {
	switch ev.Kind {
	case remote.SignedIn:
		s.log.Info("sync enabled", zap.String("user_id", ev.Identity.ID))
		s.migrate()
		ctx, cancel := context.WithTimeout(context.Background(), 2*writeTimeout)
		defer cancel()
		if err := s.Refresh(ctx); err != nil {
			s.log.Warn("loading remote sessions failed", zap.Error(err))
		}
	case remote.SignedOut:
		s.log.Info("sync disabled")
		s.store.Reset()
	}
}

// migrate queues every local session for upload. Messages are only written
// when the remote copy has none, so repeating it is harmless.
func (s *Syncer) migrate() {
	for _, sess := range s.store.List() {
		rec := remote.SessionToRecord(sess, "", s.now())
		var msgs []remote.MessageRecord
		for _, m := range sess.Messages {
			if !m.Content.IsEmpty() {
				msgs = append(msgs, remote.MessageToRecord(sess.ID, m))
			}
		}
		s.enqueue(job{name: "migrate session", run: func(ctx context.Context, r remote.Store) error {
			if err := r.UpsertSession(ctx, rec); err != nil {
				return err
			}
			has, err := r.HasMessages(ctx, rec.ID)
			if err != nil || has {
				return err
			}
			for _, m := range msgs {
				if err := r.UpsertMessage(ctx, m); err != nil {
					return err
				}
			}
			return nil
		}})
	}
}

// Refresh replaces the local session list with the remote one. Queued
// writes are flushed first so the read observes them.
func (s *Syncer) Refresh(ctx context.Context) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	if err := s.Flush(ctx); err != nil {
		return err
	}
	recs, err := s.remote.ListSessions(ctx)
	if err != nil {
		return err
	}

	sessions := make([]models.Session, len(recs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchParallel)
	for i, rec := range recs {
		g.Go(func() error {
			msgs, err := s.remote.ListMessages(gctx, rec.ID)
			if err != nil {
				return err
			}
			sessions[i] = remote.SessionFromRecord(rec, msgs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.store.Replace(sessions)
	s.log.Debug("sessions refreshed", zap.Int("count", len(sessions)))
	return nil
}

// Load fetches one session's messages from the remote store.
func (s *Syncer) Load(ctx context.Context, sessionID string) ([]models.Message, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	recs, err := s.remote.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msgs := make([]models.Message, 0, len(recs))
	for _, r := range recs {
		msgs = append(msgs, remote.MessageFromRecord(r))
	}
	return msgs, nil
}
