// Package session holds the client's authentication state and the
// operations that change it.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"tages/internal/api"
)

// Status is the resolution state of the session.
type Status int

const (
	StatusLoading Status = iota
	StatusAuthenticated
	StatusAnonymous
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusAuthenticated:
		return "authenticated"
	case StatusAnonymous:
		return "anonymous"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// User is the identity the backend returns for a session.
type User struct {
	ID    int64  `json:"id,omitempty"`
	Email string `json:"email"`
}

// Snapshot is a copy of the session state. Status is Authenticated iff
// both User and AccessToken are set.
type Snapshot struct {
	Status      Status
	User        *User
	AccessToken string
}

// Store is the single owner of the session state.
type Store struct {
	transport *api.Transport
	logger    *slog.Logger

	initOnce sync.Once

	mu         sync.RWMutex
	state      Snapshot
	gen        uint64 // bumped on every state change
	remembered *User
	subs       map[chan Snapshot]struct{}
	disposed   bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithRememberedUser seeds the identity used when a refresh response
// carries a token but no user.
func WithRememberedUser(u *User) Option {
	return func(s *Store) {
		if u != nil {
			c := *u
			s.remembered = &c
		}
	}
}

// NewStore creates a store in the Loading state.
func NewStore(t *api.Transport, opts ...Option) *Store {
	s := &Store{
		transport: t,
		logger:    slog.Default(),
		state:     Snapshot{Status: StatusLoading},
		subs:      make(map[chan Snapshot]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	User        *User  `json:"user"`
}

// Initialize resolves the Loading state with one silent refresh. Later
// calls return the current snapshot without touching the network.
func (s *Store) Initialize(ctx context.Context) Snapshot {
	s.initOnce.Do(func() { s.Refresh(ctx) })
	return s.Snapshot()
}

// Dispose closes every subscription. The store stays readable.
func (s *Store) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.disposed = true
	for ch := range s.subs {
		close(ch)
		delete(s.subs, ch)
	}
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// AccessToken returns the current bearer token, or "" when signed out.
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.AccessToken
}

// RememberedUser returns the identity from the last successful sign-in.
func (s *Store) RememberedUser() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.remembered == nil {
		return nil
	}
	c := *s.remembered
	return &c
}

// Login exchanges credentials for a session. On failure the previous
// state is left untouched.
func (s *Store) Login(ctx context.Context, email, password string) (Snapshot, error) {
	var out tokenResponse
	if err := s.postJSON(ctx, "login", "/api/auth/login", credentials{email, password}, &out); err != nil {
		s.logger.Info("sign-in failed", "email", email, "error", err)
		return s.Snapshot(), err
	}
	if out.AccessToken == "" || out.User == nil {
		err := &api.MalformedResponseError{Op: "login", Err: errors.New("missing access_token or user")}
		s.logger.Warn("sign-in failed", "email", email, "error", err)
		return s.Snapshot(), err
	}

	s.logger.Info("signed in", "email", out.User.Email)
	return s.set(authenticated(out.User, out.AccessToken), out.User), nil
}

// Register creates an account. It does not sign in.
func (s *Store) Register(ctx context.Context, email, password string) error {
	if err := s.postJSON(ctx, "register", "/api/auth/register", credentials{email, password}, nil); err != nil {
		s.logger.Info("registration failed", "email", email, "error", err)
		return err
	}
	s.logger.Info("registered", "email", email)
	return nil
}

// Logout asks the backend to drop the session and clears local state
// whatever the backend answers.
func (s *Store) Logout(ctx context.Context) {
	if err := s.postJSON(ctx, "logout", "/api/auth/logout", nil, nil); err != nil {
		s.logger.Warn("logout request failed", "error", err)
	}
	s.set(Snapshot{Status: StatusAnonymous}, nil)
	s.logger.Info("signed out")
}

// Refresh mints a new access token from the ambient credential. It always
// leaves the Loading state: Authenticated on success, Anonymous otherwise.
// A result that arrives after another state change, such as a Login that
// completed meanwhile, is discarded in favour of that newer state.
func (s *Store) Refresh(ctx context.Context) Snapshot {
	gen := s.generation()

	var out tokenResponse
	if err := s.postJSON(ctx, "refresh", "/api/auth/refresh", nil, &out); err != nil {
		s.logger.Debug("session refresh failed", "error", err)
		return s.setIfCurrent(gen, Snapshot{Status: StatusAnonymous}, nil)
	}

	user := out.User
	if user == nil {
		user = s.RememberedUser()
	}
	if out.AccessToken == "" || user == nil {
		s.logger.Debug("session refresh failed", "error", "response lacks token or user")
		return s.setIfCurrent(gen, Snapshot{Status: StatusAnonymous}, nil)
	}

	s.logger.Debug("session refreshed", "email", user.Email)
	return s.setIfCurrent(gen, authenticated(user, out.AccessToken), user)
}

// Subscribe returns a channel that receives the newest snapshot after
// every change, and a function that ends the subscription. A slow reader
// skips intermediate snapshots but never misses the latest one.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
		})
	}
}

func (s *Store) generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// set replaces the state, updates the remembered identity when user is
// non-nil, and notifies subscribers.
func (s *Store) set(next Snapshot, user *User) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(next, user)
}

// setIfCurrent is set unless the state changed since generation gen was
// read, in which case the current state is returned untouched.
func (s *Store) setIfCurrent(gen uint64, next Snapshot, user *User) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		s.logger.Debug("stale session result dropped")
		return s.state.clone()
	}
	return s.setLocked(next, user)
}

func (s *Store) setLocked(next Snapshot, user *User) Snapshot {
	s.gen++
	s.state = next
	if user != nil {
		c := *user
		s.remembered = &c
	}
	snap := s.state.clone()
	for ch := range s.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snap.clone()
		}
	}
	return snap
}

// postJSON sends body (or nothing) to an auth endpoint and decodes a 2xx
// answer into out when out is non-nil.
func (s *Store) postJSON(ctx context.Context, op, path string, body, out any) error {
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			return fmt.Errorf("%s: failed to encode request: %w", op, err)
		}
	}

	req, err := s.transport.NewRequest(ctx, http.MethodPost, path, "", &payload)
	if err != nil {
		return fmt.Errorf("%s: failed to build request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.transport.Do(req)
	if err != nil {
		return &api.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if !api.OK(resp) {
		return api.NewAuthError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &api.MalformedResponseError{Op: op, Err: err}
	}
	return nil
}

func authenticated(u *User, token string) Snapshot {
	c := *u
	return Snapshot{Status: StatusAuthenticated, User: &c, AccessToken: token}
}

func (s Snapshot) clone() Snapshot {
	if s.User != nil {
		c := *s.User
		s.User = &c
	}
	return s
}

// Authenticated reports whether the snapshot holds a usable session.
func (s Snapshot) Authenticated() bool {
	return s.Status == StatusAuthenticated
}
