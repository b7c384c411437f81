// Package registry is the client for the /api/files endpoints.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"tages/internal/api"
)

const maxListBody = 16 << 20

// TokenSource supplies the current bearer token, "" when signed out.
type TokenSource interface {
	AccessToken() string
}

// Client performs file operations on behalf of the signed-in user.
type Client struct {
	transport *api.Transport
	tokens    TokenSource
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a registry client.
func New(t *api.Transport, tokens TokenSource, opts ...Option) *Client {
	c := &Client{transport: t, tokens: tokens, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// List fetches the current file snapshot.
func (c *Client) List(ctx context.Context) ([]FileEntry, error) {
	resp, err := c.send(ctx, "list", http.MethodGet, "/api/files/list", "", nil, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxListBody))
	if err != nil {
		return nil, &api.NetworkError{Op: "list", Err: err}
	}
	entries, shape, err := Normalize(raw)
	if err != nil {
		return nil, &api.MalformedResponseError{Op: "list", Err: err}
	}
	c.logger.Debug("listed files", "count", len(entries), "shape", shape)
	return entries, nil
}

// Info fetches metadata for one file. Fields the backend omits stay nil.
func (c *Client) Info(ctx context.Context, name string) (FileEntry, error) {
	resp, err := c.send(ctx, "info", http.MethodGet, "/api/files/info/", name, nil, false)
	if err != nil {
		return FileEntry{}, err
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(io.LimitReader(resp.Body, maxListBody))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return FileEntry{}, &api.MalformedResponseError{Op: "info", Err: err}
	}

	entry := FileEntry{Name: name, Size: sizeOf(body["size"]), UploadedAt: timeOf(body["uploaded_at"])}
	if entry.UploadedAt == nil {
		entry.UploadedAt = timeOf(body["created_at"])
	}
	return entry, nil
}

// Download streams a file's bytes into w and returns how many were written.
func (c *Client) Download(ctx context.Context, name string, w io.Writer) (int64, error) {
	resp, err := c.send(ctx, "download", http.MethodGet, "/api/files/download/", name, nil, true)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, &api.NetworkError{Op: "download", Err: fmt.Errorf("%s: %w", name, err)}
	}
	c.logger.Debug("downloaded file", "name", name, "bytes", n)
	return n, nil
}

// Remove deletes a file.
func (c *Client) Remove(ctx context.Context, name string) error {
	resp, err := c.send(ctx, "delete", http.MethodDelete, "/api/files/delete/", name, nil, false)
	if err != nil {
		return err
	}
	resp.Body.Close()
	c.logger.Info("deleted file", "name", name)
	return nil
}

// send issues an authenticated request and returns the response only when
// it is 2xx. Without a token the request is never sent.
func (c *Client) send(ctx context.Context, op, method, path, name string, body io.Reader, streaming bool) (*http.Response, error) {
	req, err := c.request(ctx, op, method, path, name, body)
	if err != nil {
		return nil, err
	}

	var resp *http.Response
	if streaming {
		resp, err = c.transport.DoStreaming(req)
	} else {
		resp, err = c.transport.Do(req)
	}
	if err != nil {
		return nil, &api.NetworkError{Op: op, Err: err}
	}
	if !api.OK(resp) {
		defer resp.Body.Close()
		return nil, api.NewRegistryError(op, name, resp)
	}
	return resp, nil
}

func (c *Client) request(ctx context.Context, op, method, path, name string, body io.Reader) (*http.Request, error) {
	token := c.tokens.AccessToken()
	if token == "" {
		return nil, &api.RegistryError{Op: op, Name: name, Err: api.ErrNoAccessToken}
	}
	if body == nil {
		body = http.NoBody
	}
	req, err := c.transport.NewRequest(ctx, method, path, name, body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}
