package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"tages/internal/api"
	"tages/internal/config"
	"tages/internal/credstore"
	"tages/internal/guard"
	"tages/internal/registry"
	"tages/internal/session"
	"tages/internal/view"
)

var errNotSignedIn = errors.New("not signed in, run `tages login` first")

type rootOptions struct {
	configPath string
	noValidate bool
}

// app is everything one command invocation needs.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	transport *api.Transport
	store     *session.Store
	files     *registry.Client
	strict    bool
}

func newApp(cmd *cobra.Command, opts *rootOptions) (*app, error) {
	cfg, err := config.LoadWithFlags(opts.configPath, cmd.Flags())
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))

	tr, err := api.NewTransport(cfg.BaseURL, api.WithTimeout(cfg.Timeout), api.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	saved, err := credstore.Load(cfg.StateFile)
	if err != nil {
		logger.Warn("ignoring saved credentials", "path", cfg.StateFile, "error", err)
		saved = nil
	}
	var remembered *session.User
	if credstore.Restore(tr.Jar(), tr.BaseURL(), saved) {
		remembered = saved.User
		logger.Debug("restored credentials", "path", cfg.StateFile, "saved_at", saved.SavedAt)
	}

	store := session.NewStore(tr,
		session.WithLogger(logger),
		session.WithRememberedUser(remembered),
	)

	return &app{
		cfg:       cfg,
		logger:    logger,
		transport: tr,
		store:     store,
		files:     registry.New(tr, store, registry.WithLogger(logger)),
		strict:    cfg.StrictValidation && !opts.noValidate,
	}, nil
}

// run wraps a command body with app setup and credential persistence.
func run(opts *rootOptions, fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, opts)
		if err != nil {
			return err
		}
		defer a.store.Dispose()

		runErr := fn(cmd, a, args)
		if err := a.persist(); err != nil {
			a.logger.Warn("failed to save credentials", "path", a.cfg.StateFile, "error", err)
		}
		return runErr
	}
}

// persist saves the refresh cookie while signed in and forgets it
// otherwise. A session still loading was never checked and is left alone.
func (a *app) persist() error {
	snap := a.store.Snapshot()
	switch snap.Status {
	case session.StatusAuthenticated:
		st := credstore.Capture(a.transport.Jar(), a.transport.BaseURL(), snap.User)
		return credstore.Save(a.cfg.StateFile, st)
	case session.StatusAnonymous:
		return credstore.Remove(a.cfg.StateFile)
	default:
		return nil
	}
}

// requireSession resolves the session and refuses to continue unless the
// guard allows the protected view.
func (a *app) requireSession(ctx context.Context) (session.Snapshot, error) {
	snap := a.store.Initialize(ctx)
	if guard.Evaluate(snap.Status) != guard.RenderProtected {
		return snap, errNotSignedIn
	}
	return snap, nil
}

func (a *app) loginForm() *view.LoginForm {
	form := view.NewLoginForm(a.store, a.logger)
	form.Strict = a.strict
	return form
}

func (a *app) fileManager(r view.Renderer) *view.FileManager {
	return view.NewFileManager(a.files, a.store, r,
		view.WithInfoConcurrency(a.cfg.InfoConcurrency),
		view.WithManagerLogger(a.logger),
	)
}
