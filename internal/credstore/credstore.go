// Package credstore keeps the refresh credential between CLI runs.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"tages/internal/session"
)

// refreshPath is where the backend scopes its refresh cookie.
const refreshPath = "/api/auth/refresh"

// Cookie is a saved cookie. The jar only exposes name and value.
type Cookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// State is the saved credential for one backend.
type State struct {
	BaseURL string        `json:"base_url"`
	User    *session.User `json:"user,omitempty"`
	Cookies []Cookie      `json:"cookies"`
	SavedAt time.Time     `json:"saved_at"`
}

// Load reads the state file. A missing file yields (nil, nil).
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse credentials %s: %w", path, err)
	}
	return &st, nil
}

// Save writes the state file readable by the owner only. The file is
// replaced atomically.
func Save(path string, st *State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".session-*")
	if err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	return nil
}

// Remove deletes the state file. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove credentials: %w", err)
	}
	return nil
}

// Capture reads the cookies the jar would send to the refresh endpoint.
func Capture(jar http.CookieJar, base *url.URL, user *session.User) *State {
	st := &State{BaseURL: base.String(), User: user, SavedAt: time.Now().UTC()}
	for _, c := range jar.Cookies(base.JoinPath(refreshPath)) {
		st.Cookies = append(st.Cookies, Cookie{Name: c.Name, Value: c.Value})
	}
	return st
}

// Restore puts saved cookies back into the jar. It does nothing when the
// state belongs to a different backend.
func Restore(jar http.CookieJar, base *url.URL, st *State) bool {
	if st == nil || st.BaseURL != base.String() || len(st.Cookies) == 0 {
		return false
	}
	cookies := make([]*http.Cookie, 0, len(st.Cookies))
	for _, c := range st.Cookies {
		cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value, Path: "/"})
	}
	jar.SetCookies(base.JoinPath(refreshPath), cookies)
	return true
}

// Empty reports whether the state holds no credential.
func (s *State) Empty() bool {
	return s == nil || len(s.Cookies) == 0
}
