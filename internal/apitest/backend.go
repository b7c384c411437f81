// Package apitest runs an in-memory stand-in for the storage API so the
// client packages can be tested over real HTTP.
package apitest

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"
)

const refreshCookie = "refresh_token"

type account struct {
	id    int64
	email string
	hash  []byte
}

type storedFile struct {
	name       string
	data       []byte
	uploadedAt time.Time
}

// Failure forces a route to answer with a fixed status and error message.
type Failure struct {
	Status  int
	Message string
}

// Backend is a fake of the storage API backed by maps.
type Backend struct {
	Server *httptest.Server

	secret    []byte
	accessTTL time.Duration
	logger    *slog.Logger

	mu               sync.Mutex
	nextID           int64
	accounts         map[string]*account
	sessions         map[string]string // refresh token -> email
	files            map[string][]*storedFile
	hits             map[string]int
	failures         map[string]Failure
	listOverride     echo.HandlerFunc
	refreshOmitsUser bool
	secureCookies    bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithRefreshOmittingUser makes /api/auth/refresh answer with the token
// only.
func WithRefreshOmittingUser() Option {
	return func(b *Backend) { b.refreshOmitsUser = true }
}

// WithSecureCookies marks the refresh cookie Secure even though the
// server speaks plain http.
func WithSecureCookies() Option {
	return func(b *Backend) { b.secureCookies = true }
}

// WithAccessTTL sets the lifetime of issued access tokens.
func WithAccessTTL(d time.Duration) Option {
	return func(b *Backend) { b.accessTTL = d }
}

// New starts a backend that is closed when the test ends.
func New(t testing.TB, opts ...Option) *Backend {
	t.Helper()
	b := &Backend{
		secret:    []byte("apitest-secret"),
		accessTTL: 15 * time.Minute,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		accounts:  make(map[string]*account),
		sessions:  make(map[string]string),
		files:     make(map[string][]*storedFile),
		hits:      make(map[string]int),
		failures:  make(map[string]Failure),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.Server = httptest.NewServer(b.router())
	t.Cleanup(b.Server.Close)
	return b
}

// URL is the base URL of the running backend.
func (b *Backend) URL() string {
	return b.Server.URL
}

// AddUser creates an account directly.
func (b *Backend) AddUser(email, password string) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.accounts[email] = &account{id: b.nextID, email: email, hash: hash}
}

// PutFile stores a file for the given account.
func (b *Backend) PutFile(email, name string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.putLocked(email, name, data)
}

// Files lists the stored names for an account in upload order.
func (b *Backend) Files(email string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.files[email]))
	for _, f := range b.files[email] {
		names = append(names, f.name)
	}
	return names
}

// Content returns a stored file's bytes.
func (b *Backend) Content(email, name string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f := b.findLocked(email, name); f != nil {
		return append([]byte(nil), f.data...), true
	}
	return nil, false
}

// Hits returns how many requests reached a route, e.g. "GET /api/files/list".
func (b *Backend) Hits(route string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits[route]
}

// Fail makes a route answer with f until Recover is called.
func (b *Backend) Fail(route string, f Failure) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[route] = f
}

// Recover clears a forced failure.
func (b *Backend) Recover(route string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, route)
}

// OverrideList replaces the list handler, for serving odd payload shapes.
// Authentication still applies.
func (b *Backend) OverrideList(h echo.HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listOverride = h
}

// RevokeSessions drops every refresh token.
func (b *Backend) RevokeSessions() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions = make(map[string]string)
}

// SessionCount is the number of live refresh tokens.
func (b *Backend) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

func (b *Backend) putLocked(email, name string, data []byte) {
	now := time.Now().UTC().Truncate(time.Second)
	if f := b.findLocked(email, name); f != nil {
		f.data = append([]byte(nil), data...)
		f.uploadedAt = now
		return
	}
	b.files[email] = append(b.files[email], &storedFile{
		name:       name,
		data:       append([]byte(nil), data...),
		uploadedAt: now,
	})
}

func (b *Backend) findLocked(email, name string) *storedFile {
	for _, f := range b.files[email] {
		if f.name == name {
			return f
		}
	}
	return nil
}

func (b *Backend) deleteLocked(email, name string) bool {
	list := b.files[email]
	for i, f := range list {
		if f.name == name {
			b.files[email] = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}
