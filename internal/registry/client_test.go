package registry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tages/internal/api"
	"tages/internal/apitest"
	"tages/internal/session"
)

const (
	testEmail    = "ada@example.com"
	testPassword = "secret-pass"
)

type staticToken string

func (s staticToken) AccessToken() string { return string(s) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// signedIn starts a backend with one user and returns a client holding
// that user's session.
func signedIn(t *testing.T, opts ...apitest.Option) (*apitest.Backend, *Client) {
	t.Helper()
	backend := apitest.New(t, opts...)
	backend.AddUser(testEmail, testPassword)

	tr, err := api.NewTransport(backend.URL(), api.WithLogger(quietLogger()))
	require.NoError(t, err)
	store := session.NewStore(tr, session.WithLogger(quietLogger()))
	_, err = store.Login(context.Background(), testEmail, testPassword)
	require.NoError(t, err)

	return backend, New(tr, store, WithLogger(quietLogger()))
}

func TestListRequiresToken(t *testing.T) {
	backend := apitest.New(t)
	tr, err := api.NewTransport(backend.URL())
	require.NoError(t, err)
	client := New(tr, staticToken(""), WithLogger(quietLogger()))

	_, err = client.List(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrNoAccessToken))
	assert.Equal(t, 0, backend.Hits("GET /api/files/list"), "no request may be sent without a token")

	err = client.Remove(context.Background(), "a.txt")
	assert.True(t, errors.Is(err, api.ErrNoAccessToken))
	assert.Equal(t, 0, backend.Hits("DELETE /api/files/delete"))
}

func TestList(t *testing.T) {
	t.Run("returns stored files with metadata", func(t *testing.T) {
		backend, client := signedIn(t)
		backend.PutFile(testEmail, "a.txt", []byte("hello"))
		backend.PutFile(testEmail, "b.txt", []byte("hi"))

		entries, err := client.List(context.Background())
		require.NoError(t, err)
		require.Equal(t, []string{"a.txt", "b.txt"}, names(entries))
		require.NotNil(t, entries[0].Size)
		assert.Equal(t, int64(5), *entries[0].Size)
		assert.NotNil(t, entries[0].UploadedAt)
	})

	t.Run("tolerates a bare array", func(t *testing.T) {
		backend, client := signedIn(t)
		backend.OverrideList(func(c echo.Context) error {
			return c.JSONBlob(http.StatusOK, []byte(`["x.txt","y.txt","x.txt"]`))
		})

		entries, err := client.List(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"x.txt", "y.txt"}, names(entries))
	})

	t.Run("unusable body is malformed", func(t *testing.T) {
		backend, client := signedIn(t)
		backend.OverrideList(func(c echo.Context) error {
			return c.JSONBlob(http.StatusOK, []byte(`{"ok":true}`))
		})

		_, err := client.List(context.Background())
		var malformed *api.MalformedResponseError
		require.ErrorAs(t, err, &malformed)
		assert.Equal(t, "list", malformed.Op)
	})

	t.Run("server error carries the message", func(t *testing.T) {
		backend, client := signedIn(t)
		backend.Fail("GET /api/files/list", apitest.Failure{Status: http.StatusInternalServerError, Message: "database unavailable"})

		_, err := client.List(context.Background())
		var regErr *api.RegistryError
		require.ErrorAs(t, err, &regErr)
		assert.Equal(t, http.StatusInternalServerError, regErr.Status)
		assert.Equal(t, "database unavailable", regErr.Message)
	})

	t.Run("rejected token wraps ErrUnauthorized", func(t *testing.T) {
		backend := apitest.New(t)
		tr, err := api.NewTransport(backend.URL())
		require.NoError(t, err)
		client := New(tr, staticToken("not-a-jwt"), WithLogger(quietLogger()))

		_, err = client.List(context.Background())
		assert.True(t, errors.Is(err, api.ErrUnauthorized))
	})
}

func TestDownload(t *testing.T) {
	t.Run("streams file content", func(t *testing.T) {
		backend, client := signedIn(t)
		backend.PutFile(testEmail, "a.txt", []byte("hello world"))

		var buf bytes.Buffer
		n, err := client.Download(context.Background(), "a.txt", &buf)
		require.NoError(t, err)
		assert.Equal(t, int64(11), n)
		assert.Equal(t, "hello world", buf.String())
	})

	t.Run("names are sent as one escaped segment", func(t *testing.T) {
		backend, client := signedIn(t)
		name := "my report/2024 #1.txt"
		backend.PutFile(testEmail, name, []byte("q1"))

		var buf bytes.Buffer
		_, err := client.Download(context.Background(), name, &buf)
		require.NoError(t, err)
		assert.Equal(t, "q1", buf.String())
	})

	t.Run("missing file wraps ErrNotFound", func(t *testing.T) {
		_, client := signedIn(t)

		_, err := client.Download(context.Background(), "nope.txt", io.Discard)
		assert.True(t, errors.Is(err, api.ErrNotFound))
		assert.Contains(t, err.Error(), "file not found")
	})
}

func TestRemove(t *testing.T) {
	backend, client := signedIn(t)
	backend.PutFile(testEmail, "a.txt", []byte("x"))
	backend.PutFile(testEmail, "b.txt", []byte("y"))

	require.NoError(t, client.Remove(context.Background(), "a.txt"))
	assert.Equal(t, []string{"b.txt"}, backend.Files(testEmail))

	err := client.Remove(context.Background(), "a.txt")
	assert.True(t, errors.Is(err, api.ErrNotFound))
}

func TestInfo(t *testing.T) {
	backend, client := signedIn(t)
	backend.PutFile(testEmail, "a.txt", []byte("12345678"))

	entry, err := client.Info(context.Background(), "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", entry.Name)
	require.NotNil(t, entry.Size)
	assert.Equal(t, int64(8), *entry.Size)
	assert.NotNil(t, entry.UploadedAt)

	_, err = client.Info(context.Background(), "missing.txt")
	assert.True(t, errors.Is(err, api.ErrNotFound))
}

func TestUpload(t *testing.T) {
	t.Run("progress increases to 100 before success", func(t *testing.T) {
		backend, client := signedIn(t)
		data := bytes.Repeat([]byte("z"), 256<<10)

		var seen []int
		final := Drain(client.Upload(context.Background(), "big.bin", bytes.NewReader(data), int64(len(data))), func(p int) {
			seen = append(seen, p)
		})
		require.NoError(t, final.Err)
		assert.True(t, final.Done)
		assert.Equal(t, "file uploaded", final.Message)

		require.NotEmpty(t, seen)
		assert.Equal(t, 0, seen[0])
		assert.Equal(t, 100, seen[len(seen)-1])
		for i := 1; i < len(seen); i++ {
			assert.Greater(t, seen[i], seen[i-1], "percentages must strictly increase")
		}

		stored, ok := backend.Content(testEmail, "big.bin")
		require.True(t, ok)
		assert.Equal(t, data, stored)
	})

	t.Run("unknown size reports 0 then 100", func(t *testing.T) {
		_, client := signedIn(t)

		var seen []int
		final := Drain(client.Upload(context.Background(), "s.txt", strings.NewReader("abc"), 0), func(p int) {
			seen = append(seen, p)
		})
		require.NoError(t, final.Err)
		assert.Equal(t, []int{0, 100}, seen)
	})

	t.Run("channel closes after the terminal event", func(t *testing.T) {
		_, client := signedIn(t)

		events := client.Upload(context.Background(), "c.txt", strings.NewReader("abc"), 3)
		var terminal int
		for ev := range events {
			if ev.Done {
				terminal++
			}
		}
		assert.Equal(t, 1, terminal)
	})

	t.Run("rejection carries the server message", func(t *testing.T) {
		backend, client := signedIn(t)
		backend.Fail("POST /api/files/upload", apitest.Failure{Status: http.StatusRequestEntityTooLarge, Message: "quota exceeded"})

		final := Drain(client.Upload(context.Background(), "a.txt", strings.NewReader("abc"), 3), nil)
		var regErr *api.RegistryError
		require.ErrorAs(t, final.Err, &regErr)
		assert.Equal(t, "quota exceeded", regErr.Message)
		assert.Equal(t, "a.txt", regErr.Name)
		assert.Empty(t, backend.Files(testEmail))
	})

	t.Run("without a token nothing is sent", func(t *testing.T) {
		backend := apitest.New(t)
		tr, err := api.NewTransport(backend.URL())
		require.NoError(t, err)
		client := New(tr, staticToken(""), WithLogger(quietLogger()))

		final := Drain(client.Upload(context.Background(), "a.txt", strings.NewReader("abc"), 3), nil)
		assert.True(t, errors.Is(final.Err, api.ErrNoAccessToken))
		assert.Equal(t, 0, backend.Hits("POST /api/files/upload"))
	})

	t.Run("cancelled context fails as a network error", func(t *testing.T) {
		_, client := signedIn(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		final := Drain(client.Upload(ctx, "a.txt", strings.NewReader("abc"), 3), nil)
		var netErr *api.NetworkError
		require.ErrorAs(t, final.Err, &netErr)
		assert.True(t, errors.Is(final.Err, context.Canceled))
	})
}

func TestUploadFile(t *testing.T) {
	backend, client := signedIn(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("remember"), 0o644))

	events, err := client.UploadFile(context.Background(), path)
	require.NoError(t, err)
	final := Drain(events, nil)
	require.NoError(t, final.Err)

	stored, ok := backend.Content(testEmail, "notes.txt")
	require.True(t, ok)
	assert.Equal(t, "remember", string(stored))

	_, err = client.UploadFile(context.Background(), dir)
	assert.Error(t, err)
	_, err = client.UploadFile(context.Background(), filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
