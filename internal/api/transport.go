package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Transport is the HTTP plumbing shared by the session store and the
// registry client. It owns the cookie jar that carries the ambient
// refresh credential.
type Transport struct {
	base   *url.URL
	client *http.Client
	logger *slog.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithHTTPClient uses a copy of c as the underlying client. A client
// without a jar gets the transport's jar; c itself is not modified.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) {
		jar := t.client.Jar
		cc := *c
		if cc.Jar == nil {
			cc.Jar = jar
		}
		t.client = &cc
	}
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// WithTimeout sets the per-request timeout. Uploads and downloads are
// bounded by their context instead.
func WithTimeout(d time.Duration) Option {
	return func(t *Transport) { t.client.Timeout = d }
}

// NewTransport creates a transport for the API at baseURL.
func NewTransport(baseURL string, opts ...Option) (*Transport, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q: must be absolute", baseURL)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	t := &Transport{
		base: u,
		client: &http.Client{
			Jar: &loopbackJar{CookieJar: jar},
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// BaseURL returns a copy of the API base URL.
func (t *Transport) BaseURL() *url.URL {
	u := *t.base
	return &u
}

// Jar returns the cookie jar holding the ambient credential.
func (t *Transport) Jar() http.CookieJar {
	return t.client.Jar
}

// Endpoint joins path onto the base URL. A non-empty name is appended as
// one percent-encoded path segment.
func (t *Transport) Endpoint(path, name string) string {
	s := t.base.String() + path
	if name != "" {
		s += url.PathEscape(name)
	}
	return s
}

// NewRequest builds a request against the API.
func (t *Transport) NewRequest(ctx context.Context, method, path, name string, body io.Reader) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, method, t.Endpoint(path, name), body)
}

// Do sends the request and logs its outcome.
func (t *Transport) Do(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("request failed",
			"method", req.Method,
			"path", req.URL.Path,
			"latency_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return nil, err
	}
	t.logger.Debug("request",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

// DoStreaming is Do without the client-wide timeout, for transfers whose
// duration depends on the payload size.
func (t *Transport) DoStreaming(req *http.Request) (*http.Response, error) {
	c := *t.client
	c.Timeout = 0
	start := time.Now()
	resp, err := c.Do(req)
	if err != nil {
		t.logger.Debug("transfer failed", "method", req.Method, "path", req.URL.Path, "error", err)
		return nil, err
	}
	t.logger.Debug("transfer started",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

// loopbackJar stores Secure cookies set by a plain-http loopback server
// as ordinary cookies, the way browsers treat http://localhost as a
// secure context. Other origins keep the Secure semantics.
type loopbackJar struct {
	http.CookieJar
}

func (j *loopbackJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	if u.Scheme == "http" && isLoopback(u.Hostname()) {
		relaxed := make([]*http.Cookie, len(cookies))
		for i, c := range cookies {
			cc := *c
			cc.Secure = false
			relaxed[i] = &cc
		}
		cookies = relaxed
	}
	j.CookieJar.SetCookies(u, cookies)
}

func isLoopback(host string) bool {
	host = strings.ToLower(host)
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
