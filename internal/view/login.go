// Package view holds the headless screens of the client: the sign-in form
// and the file manager. Rendering is left to the caller.
package view

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"sync/atomic"
	"unicode/utf8"

	"tages/internal/session"
)

// MinPasswordLength is the shortest password accepted before submission.
const MinPasswordLength = 6

// ErrSubmitInFlight is returned when a submission is already running.
var ErrSubmitInFlight = errors.New("a submission is already in progress")

// ValidationError rejects a form field before any request is made.
type ValidationError struct {
	Field string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Cause)
}

// Session is what the sign-in form needs from the session store.
type Session interface {
	Login(ctx context.Context, email, password string) (session.Snapshot, error)
	Register(ctx context.Context, email, password string) error
}

// LoginForm validates credentials and submits them, one submission at a
// time.
type LoginForm struct {
	store  Session
	logger *slog.Logger

	// Strict enables client-side validation. Without it every submission
	// goes to the backend, which does its own checks.
	Strict bool

	inFlight atomic.Bool
}

// NewLoginForm creates a form with validation enabled.
func NewLoginForm(store Session, logger *slog.Logger) *LoginForm {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoginForm{store: store, logger: logger, Strict: true}
}

// Validate checks the fields. It always passes when Strict is off.
func (f *LoginForm) Validate(email, password string) error {
	if !f.Strict {
		return nil
	}
	if email == "" {
		return &ValidationError{Field: "email", Cause: "required"}
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return &ValidationError{Field: "email", Cause: "not a valid email address"}
	}
	if password == "" {
		return &ValidationError{Field: "password", Cause: "required"}
	}
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return &ValidationError{Field: "password", Cause: fmt.Sprintf("must be at least %d characters", MinPasswordLength)}
	}
	return nil
}

// Submitting reports whether a submission is running.
func (f *LoginForm) Submitting() bool {
	return f.inFlight.Load()
}

// Submit validates and signs in.
func (f *LoginForm) Submit(ctx context.Context, email, password string) (session.Snapshot, error) {
	if !f.inFlight.CompareAndSwap(false, true) {
		return session.Snapshot{}, ErrSubmitInFlight
	}
	defer f.inFlight.Store(false)

	if err := f.Validate(email, password); err != nil {
		return session.Snapshot{}, err
	}
	return f.store.Login(ctx, email, password)
}

// RegisterAndLogin validates, creates the account and, only if that
// succeeded, signs in. The error is the first stage that failed.
func (f *LoginForm) RegisterAndLogin(ctx context.Context, email, password string) (session.Snapshot, error) {
	if !f.inFlight.CompareAndSwap(false, true) {
		return session.Snapshot{}, ErrSubmitInFlight
	}
	defer f.inFlight.Store(false)

	if err := f.Validate(email, password); err != nil {
		return session.Snapshot{}, err
	}
	if err := f.store.Register(ctx, email, password); err != nil {
		return session.Snapshot{}, err
	}
	f.logger.Debug("account created, signing in", "email", email)
	return f.store.Login(ctx, email, password)
}
