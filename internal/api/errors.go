package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Sentinel errors wrapped by the typed errors below.
var (
	ErrNoAccessToken = errors.New("not signed in")
	ErrUnauthorized  = errors.New("access token rejected")
	ErrNotFound      = errors.New("file not found")
)

// NetworkError means the request never produced a response.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: cannot reach server: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError is a non-2xx answer from an /api/auth endpoint.
type AuthError struct {
	Op      string
	Status  int
	Message string
	Details map[string]string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Op, e.Message)
}

// RegistryError is a failed /api/files operation, either answered with a
// non-2xx status or refused locally (Status 0).
type RegistryError struct {
	Op      string
	Name    string
	Status  int
	Message string
	Err     error
}

func (e *RegistryError) Error() string {
	subject := e.Op
	if e.Name != "" {
		subject = fmt.Sprintf("%s %s", e.Op, e.Name)
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (%d)", subject, msg, e.Status)
	}
	return fmt.Sprintf("%s: %s", subject, msg)
}

func (e *RegistryError) Unwrap() error { return e.Err }

// MalformedResponseError is a 2xx response whose body could not be used.
type MalformedResponseError struct {
	Op  string
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s: unexpected server response: %v", e.Op, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// errorBody is the JSON error envelope of the backend.
type errorBody struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Details map[string]string `json:"details"`
}

const maxErrorBody = 64 << 10

// ReadError extracts a human-readable reason from a failed response: the
// body's "error" field, then "message", then the status code.
func ReadError(resp *http.Response) (string, map[string]string) {
	var body errorBody
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if len(data) > 0 {
		_ = json.Unmarshal(data, &body)
	}
	switch {
	case body.Error != "":
		return body.Error, body.Details
	case body.Message != "":
		return body.Message, body.Details
	default:
		return fmt.Sprintf("HTTP %d", resp.StatusCode), body.Details
	}
}

// NewAuthError builds an AuthError from a failed response.
func NewAuthError(op string, resp *http.Response) *AuthError {
	msg, details := ReadError(resp)
	return &AuthError{Op: op, Status: resp.StatusCode, Message: msg, Details: details}
}

// NewRegistryError builds a RegistryError from a failed response.
func NewRegistryError(op, name string, resp *http.Response) *RegistryError {
	msg, _ := ReadError(resp)
	e := &RegistryError{Op: op, Name: name, Status: resp.StatusCode, Message: msg}
	switch resp.StatusCode {
	case http.StatusNotFound:
		e.Err = ErrNotFound
	case http.StatusUnauthorized:
		e.Err = ErrUnauthorized
	}
	return e
}

// OK reports whether the response has a 2xx status.
func OK(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
