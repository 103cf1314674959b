package cli

import (
	"context"
	"errors"
	"esi/internal/backend"
	"esi/internal/chat"
	"esi/internal/config"
	"esi/internal/db"
	"esi/internal/remote"
	"esi/internal/store"
	"esi/internal/syncer"
	"fmt"

	"go.uber.org/zap"
)

// app is the wired set of components shared by every command.
type app struct {
	cfg          config.Config
	settings     config.Settings
	settingsPath string
	log          *zap.Logger

	store  *store.Store
	remote remote.Remote
	sync   *syncer.Syncer
	chat   *chat.Controller

	closers []func() error
}

func newApp(cfg config.Config, settings config.Settings, settingsPath string, log *zap.Logger) (*app, error) {
	a := &app{
		cfg:          cfg,
		settings:     settings,
		settingsPath: settingsPath,
		log:          log,
		store:        store.New(),
	}

	r, err := a.openRemote()
	if err != nil {
		return nil, err
	}
	a.remote = r
	a.sync = syncer.New(r, a.store, log.Named("sync"))

	be, phrases := a.newBackend()
	a.chat = chat.New(a.store, be,
		chat.WithSyncer(a.sync),
		chat.WithPhraseSource(phrases),
		chat.WithLogger(log.Named("chat")),
		chat.WithStreaming(settings.Stream),
		chat.WithOptions(backend.Options{
			Verbosity:   settings.Verbosity,
			Temperature: settings.Temperature,
			Model:       settings.Model,
		}),
	)
	return a, nil
}

func (a *app) openRemote() (remote.Remote, error) {
	if !a.cfg.RemoteAvailable() {
		if a.cfg.Store == config.StoreREST {
			a.log.Warn("ESI_STORE_URL and ESI_STORE_KEY are required for the rest store, sync disabled")
		}
		return nil, nil
	}
	switch a.cfg.Store {
	case config.StoreREST:
		return remote.NewRESTClient(a.cfg.StoreURL, a.cfg.StoreKey, nil, a.log.Named("remote")), nil
	case config.StoreSQLite:
		path := a.cfg.DBPath
		if path == "" {
			p, err := db.DefaultPath()
			if err != nil {
				return nil, fmt.Errorf("database path: %w", err)
			}
			path = p
		}
		st, err := db.Open(path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, st.Close)
		return st, nil
	}
	return nil, nil
}

func (a *app) newBackend() (backend.Backend, backend.PhraseSource) {
	if a.cfg.Backend == config.BackendOpenAI {
		model := a.settings.Model
		if a.cfg.Model != "" {
			model = a.cfg.Model
		}
		c := backend.NewOpenAIClient(a.cfg.OpenAIKey, backend.OpenRouterBaseURL, model, a.log.Named("backend"))
		return c, c
	}
	c := backend.NewHTTPClient(a.cfg.APIBaseURL, backend.WithLogger(a.log.Named("backend")))
	return c, c
}

// signIn uses the credentials from the environment. The sqlite store only
// needs an email.
func (a *app) signIn(ctx context.Context) error {
	if a.cfg.Email == "" || (a.cfg.Password == "" && a.cfg.Store != config.StoreSQLite) {
		return nil
	}
	id, err := a.sync.SignIn(ctx, remote.Credentials{Email: a.cfg.Email, Password: a.cfg.Password})
	if errors.Is(err, syncer.ErrDisabled) {
		a.log.Warn("credentials set but no remote store configured")
		return nil
	}
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	a.log.Info("signed in", zap.String("email", id.Email))
	return nil
}

func (a *app) Close() error {
	a.sync.Close()
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
