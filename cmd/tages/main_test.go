package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tages/internal/apitest"
)

const (
	testEmail    = "ada@example.com"
	testPassword = "secret123"
)

type cli struct {
	t         *testing.T
	backend   *apitest.Backend
	stateFile string
}

func newCLI(t *testing.T, opts ...apitest.Option) *cli {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	stateFile := filepath.Join(home, "state", "session.json")
	t.Setenv("TAGES_STATE_FILE", stateFile)
	t.Setenv("TAGES_BASE_URL", "")
	t.Setenv("TAGES_LOG_LEVEL", "")

	return &cli{t: t, backend: apitest.New(t, opts...), stateFile: stateFile}
}

// exec runs one tages invocation against the fake backend.
func (c *cli) exec(stdin string, args ...string) (stdout, stderr string, err error) {
	c.t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(append([]string{"--base-url", c.backend.URL(), "--log-level", "error"}, args...))
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err = cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func (c *cli) login() {
	c.t.Helper()
	c.backend.AddUser(testEmail, testPassword)
	_, _, err := c.exec(testPassword+"\n", "login", testEmail, "--password-stdin")
	require.NoError(c.t, err)
}

func TestAuthCommands(t *testing.T) {
	t.Run("register signs in and saves the session", func(t *testing.T) {
		c := newCLI(t)
		out, _, err := c.exec(testPassword+"\n", "register", testEmail, "--password-stdin")
		require.NoError(t, err)
		assert.Contains(t, out, "Account created.")
		assert.Contains(t, out, "Signed in as "+testEmail+".")

		info, err := os.Stat(c.stateFile)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	})

	t.Run("saved session is reused by later runs", func(t *testing.T) {
		c := newCLI(t)
		c.login()

		out, _, err := c.exec("", "whoami")
		require.NoError(t, err)
		assert.Contains(t, out, testEmail)

		out, _, err = c.exec("", "whoami")
		require.NoError(t, err)
		assert.Contains(t, out, testEmail)
	})

	t.Run("secure refresh cookie over plain http survives between runs", func(t *testing.T) {
		c := newCLI(t, apitest.WithSecureCookies())
		c.login()

		out, _, err := c.exec("", "whoami")
		require.NoError(t, err)
		assert.Contains(t, out, testEmail)
	})

	t.Run("wrong password fails", func(t *testing.T) {
		c := newCLI(t)
		c.backend.AddUser(testEmail, testPassword)
		_, _, err := c.exec("not-the-password\n", "login", testEmail, "--password-stdin")
		require.Error(t, err)
		assert.NoFileExists(t, c.stateFile)
	})

	t.Run("invalid email is rejected before sending", func(t *testing.T) {
		c := newCLI(t)
		_, _, err := c.exec(testPassword+"\n", "login", "not-an-email", "--password-stdin")
		require.Error(t, err)
		assert.Equal(t, 0, c.backend.Hits("POST /api/auth/login"))
	})

	t.Run("whoami without a session fails", func(t *testing.T) {
		c := newCLI(t)
		_, _, err := c.exec("", "whoami")
		assert.ErrorIs(t, err, errNotSignedIn)
	})

	t.Run("logout forgets the saved session", func(t *testing.T) {
		c := newCLI(t)
		c.login()
		require.FileExists(t, c.stateFile)

		out, _, err := c.exec("", "logout")
		require.NoError(t, err)
		assert.Contains(t, out, "Signed out.")
		assert.NoFileExists(t, c.stateFile)

		_, _, err = c.exec("", "whoami")
		assert.ErrorIs(t, err, errNotSignedIn)
	})
}

func TestFileCommands(t *testing.T) {
	t.Run("upload then list", func(t *testing.T) {
		c := newCLI(t)
		c.login()

		path := filepath.Join(t.TempDir(), "hello.txt")
		require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

		_, _, err := c.exec("", "upload", path)
		require.NoError(t, err)
		assert.Equal(t, []string{"hello.txt"}, c.backend.Files(testEmail))

		out, _, err := c.exec("", "ls")
		require.NoError(t, err)
		assert.Contains(t, out, "NAME")
		assert.Contains(t, out, "hello.txt")
		assert.Contains(t, out, "5 B")
	})

	t.Run("empty list", func(t *testing.T) {
		c := newCLI(t)
		c.login()

		out, _, err := c.exec("", "ls")
		require.NoError(t, err)
		assert.Contains(t, out, "No files.")
	})

	t.Run("download into a directory", func(t *testing.T) {
		c := newCLI(t)
		c.login()
		c.backend.PutFile(testEmail, "notes.txt", []byte("remember"))

		dir := filepath.Join(t.TempDir(), "out")
		out, _, err := c.exec("", "download", "-o", dir, "notes.txt")
		require.NoError(t, err)
		assert.Contains(t, out, filepath.Join(dir, "notes.txt"))

		data, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
		require.NoError(t, err)
		assert.Equal(t, "remember", string(data))
	})

	t.Run("rm with --yes deletes", func(t *testing.T) {
		c := newCLI(t)
		c.login()
		c.backend.PutFile(testEmail, "old.txt", []byte("x"))

		_, _, err := c.exec("", "rm", "--yes", "old.txt")
		require.NoError(t, err)
		assert.Empty(t, c.backend.Files(testEmail))
	})

	t.Run("rm answered no keeps the file", func(t *testing.T) {
		c := newCLI(t)
		c.login()
		c.backend.PutFile(testEmail, "keep.txt", []byte("x"))

		out, _, err := c.exec("n\n", "rm", "keep.txt")
		require.NoError(t, err)
		assert.Contains(t, out, "Cancelled.")
		assert.Equal(t, []string{"keep.txt"}, c.backend.Files(testEmail))
	})

	t.Run("file commands need a session", func(t *testing.T) {
		c := newCLI(t)
		_, _, err := c.exec("", "ls")
		assert.ErrorIs(t, err, errNotSignedIn)
	})
}

func TestBrowse(t *testing.T) {
	t.Run("scripted session", func(t *testing.T) {
		c := newCLI(t)
		c.login()
		c.backend.PutFile(testEmail, "a.txt", []byte("abc"))

		out, _, err := c.exec("refresh\nls\nbogus\nquit\n", "browse")
		require.NoError(t, err)
		assert.Contains(t, out, "tages> ")
		assert.Contains(t, out, "a.txt")
		assert.Contains(t, out, `unknown command "bogus"`)
	})

	t.Run("logout ends the session", func(t *testing.T) {
		c := newCLI(t)
		c.login()

		out, _, err := c.exec("logout\n", "browse")
		require.NoError(t, err)
		assert.Contains(t, out, "Signed out.")
		assert.NoFileExists(t, c.stateFile)
	})

	t.Run("end of input leaves quietly", func(t *testing.T) {
		c := newCLI(t)
		c.login()

		_, _, err := c.exec("", "browse")
		assert.NoError(t, err)
	})
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs([]string{"version"})
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "tages "+version+"\n", out.String())
}
