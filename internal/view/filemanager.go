package view

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"tages/internal/api"
	"tages/internal/registry"
	"tages/internal/session"
)

var (
	ErrUploadBusy      = errors.New("an upload is already in progress")
	ErrNothingSelected = errors.New("no file selected for upload")
	ErrConfirmPending  = errors.New("another delete is awaiting confirmation")
	ErrNoPendingDelete = errors.New("no delete is awaiting confirmation")
	ErrUnsafeName      = errors.New("file name cannot be saved locally")
)

// DefaultInfoConcurrency bounds parallel metadata requests.
const DefaultInfoConcurrency = 4

// Registry is the file API the manager drives.
type Registry interface {
	List(ctx context.Context) ([]registry.FileEntry, error)
	Info(ctx context.Context, name string) (registry.FileEntry, error)
	UploadFile(ctx context.Context, path string) (<-chan registry.UploadEvent, error)
	Download(ctx context.Context, name string, w io.Writer) (int64, error)
	Remove(ctx context.Context, name string) error
}

// TokenWatcher reports access token changes.
type TokenWatcher interface {
	AccessToken() string
	Subscribe() (<-chan session.Snapshot, func())
}

// sessionRenewer is implemented by token watchers that can mint a new
// access token, like the session store. Run uses it when the list is
// rejected as unauthorized.
type sessionRenewer interface {
	Refresh(ctx context.Context) session.Snapshot
}

// UploadPhase is the state of the upload flow.
type UploadPhase int

const (
	UploadIdle UploadPhase = iota
	UploadReady
	Uploading
	UploadSucceeded
	UploadFailed
)

func (p UploadPhase) String() string {
	switch p {
	case UploadIdle:
		return "idle"
	case UploadReady:
		return "ready"
	case Uploading:
		return "uploading"
	case UploadSucceeded:
		return "succeeded"
	case UploadFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DeletePhase is the state of the delete flow.
type DeletePhase int

const (
	DeleteIdle DeletePhase = iota
	DeleteConfirmPending
	Deleting
)

func (p DeletePhase) String() string {
	switch p {
	case DeleteIdle:
		return "idle"
	case DeleteConfirmPending:
		return "confirm-pending"
	case Deleting:
		return "deleting"
	default:
		return "unknown"
	}
}

// State is what the file manager shows.
type State struct {
	Files   []registry.FileEntry
	Loading bool

	Upload     UploadPhase
	UploadPath string
	Progress   int

	Delete       DeletePhase
	DeleteTarget string
}

func (s State) clone() State {
	s.Files = slices.Clone(s.Files)
	return s
}

// Severity grades a notice.
type Severity int

const (
	SeverityInfo Severity = iota
	SeveritySuccess
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeveritySuccess:
		return "success"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Notice is a transient message for the user.
type Notice struct {
	Severity Severity
	Message  string
}

// Renderer displays the manager. Calls are serialized; Render receives the
// newest state and may be skipped for states already superseded.
type Renderer interface {
	Render(State)
	Notify(Notice)
}

// FileManager is the file screen: a snapshot of the user's files plus the
// upload and delete flows.
type FileManager struct {
	registry  Registry
	tokens    TokenWatcher
	renderer  Renderer
	logger    *slog.Logger
	infoLimit int

	mu      sync.Mutex
	state   State
	meta    map[string]registry.FileEntry
	seq     uint64 // last list call issued
	applied uint64 // last list call applied
	pending int    // list calls in flight
	version uint64

	renderMu sync.Mutex
	rendered uint64

	done chan struct{}
}

// FileManagerOption configures a FileManager.
type FileManagerOption func(*FileManager)

// WithInfoConcurrency bounds parallel metadata requests.
func WithInfoConcurrency(n int) FileManagerOption {
	return func(m *FileManager) {
		if n > 0 {
			m.infoLimit = n
		}
	}
}

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(l *slog.Logger) FileManagerOption {
	return func(m *FileManager) { m.logger = l }
}

// NewFileManager creates a file manager with an empty snapshot.
func NewFileManager(reg Registry, tokens TokenWatcher, r Renderer, opts ...FileManagerOption) *FileManager {
	m := &FileManager{
		registry:  reg,
		tokens:    tokens,
		renderer:  r,
		logger:    slog.Default(),
		infoLimit: DefaultInfoConcurrency,
		meta:      make(map[string]registry.FileEntry),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns a copy of the current state.
func (m *FileManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// Busy reports whether an upload or a delete is in progress. Periodic
// refreshes are skipped while busy.
func (m *FileManager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Upload == Uploading || m.state.Delete != DeleteIdle
}

// Refresh lists the files and replaces the snapshot. Answers to older
// calls that arrive after a newer one are dropped. Metadata already
// resolved for a name survives the replacement; missing metadata is then
// fetched concurrently and merged as it arrives. A failed list empties
// the snapshot.
func (m *FileManager) Refresh(ctx context.Context) error {
	return m.refresh(ctx, false)
}

// refresh is Refresh. With quietUnauthorized, a 401 from the list leaves
// the snapshot alone and posts no notice; the caller renews the session.
func (m *FileManager) refresh(ctx context.Context, quietUnauthorized bool) error {
	m.mu.Lock()
	m.seq++
	seq := m.seq
	m.pending++
	m.state.Loading = true
	m.unlockAndRender()

	entries, err := m.registry.List(ctx)

	m.mu.Lock()
	m.pending--
	if applied := m.applied; seq < applied {
		m.state.Loading = m.pending > 0
		m.unlockAndRender()
		m.logger.Debug("dropped stale file list", "seq", seq, "applied", applied)
		return nil
	}
	m.applied = seq
	m.state.Loading = m.pending > 0

	if err != nil && quietUnauthorized && errors.Is(err, api.ErrUnauthorized) {
		m.unlockAndRender()
		return err
	}
	if err != nil {
		m.state.Files = nil
		clear(m.meta)
		m.unlockAndRender()
		if ctx.Err() == nil {
			m.logger.Warn("failed to list files", "error", err)
			m.notify(Notice{Severity: SeverityError, Message: fmt.Sprintf("could not load files: %v", err)})
		}
		return err
	}

	present := make(map[string]struct{}, len(entries))
	var missing []string
	for i := range entries {
		e := &entries[i]
		present[e.Name] = struct{}{}
		known, resolved := m.meta[e.Name]
		if known.Size != nil {
			e.Size = known.Size
		}
		if known.UploadedAt != nil {
			e.UploadedAt = known.UploadedAt
		}
		if !resolved && (e.Size == nil || e.UploadedAt == nil) {
			missing = append(missing, e.Name)
		}
	}
	for name := range m.meta {
		if _, ok := present[name]; !ok {
			delete(m.meta, name)
		}
	}
	m.state.Files = entries
	m.unlockAndRender()
	m.logger.Debug("file list applied", "seq", seq, "count", len(entries), "missing_metadata", len(missing))

	m.fetchInfo(ctx, missing)
	return nil
}

// fetchInfo resolves metadata for names, a bounded number at a time.
// Failures leave the entry as it is.
func (m *FileManager) fetchInfo(ctx context.Context, names []string) {
	if len(names) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(m.infoLimit)
	for _, name := range names {
		g.Go(func() error {
			info, err := m.registry.Info(ctx, name)
			if err != nil {
				m.logger.Debug("file info unavailable", "name", name, "error", err)
				return nil
			}
			info.Name = name
			m.mergeInfo(info)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *FileManager) mergeInfo(info registry.FileEntry) {
	m.mu.Lock()
	if !slices.ContainsFunc(m.state.Files, func(e registry.FileEntry) bool { return e.Name == info.Name }) {
		m.mu.Unlock()
		return
	}
	if known, ok := m.meta[info.Name]; ok {
		info = registry.Merge([]registry.FileEntry{known}, info)[0]
	}
	m.meta[info.Name] = info
	m.state.Files = registry.Merge(m.state.Files, info)
	m.unlockAndRender()
}

// SelectFile picks a local file to upload.
func (m *FileManager) SelectFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot select %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("cannot select %s: not a regular file", path)
	}

	m.mu.Lock()
	if m.state.Upload == Uploading {
		m.mu.Unlock()
		return ErrUploadBusy
	}
	m.state.Upload = UploadReady
	m.state.UploadPath = path
	m.state.Progress = 0
	m.unlockAndRender()
	return nil
}

// ClearSelection drops the selected file unless it is being uploaded.
func (m *FileManager) ClearSelection() {
	m.mu.Lock()
	if m.state.Upload == Uploading {
		m.mu.Unlock()
		return
	}
	m.resetUploadLocked()
	m.unlockAndRender()
}

// StartUpload uploads the selected file and blocks until it finishes.
// Only one upload runs at a time. A successful upload refreshes the list.
func (m *FileManager) StartUpload(ctx context.Context) error {
	m.mu.Lock()
	switch m.state.Upload {
	case Uploading:
		m.mu.Unlock()
		return ErrUploadBusy
	case UploadReady:
	default:
		m.mu.Unlock()
		return ErrNothingSelected
	}
	path := m.state.UploadPath
	m.state.Upload = Uploading
	m.state.Progress = 0
	m.unlockAndRender()

	name := filepath.Base(path)
	m.logger.Info("upload started", "path", path)

	var final registry.UploadEvent
	events, err := m.registry.UploadFile(ctx, path)
	if err != nil {
		final = registry.UploadEvent{Done: true, Err: err}
	} else {
		final = registry.Drain(events, func(percent int) {
			m.mu.Lock()
			m.state.Progress = percent
			m.unlockAndRender()
		})
	}

	m.mu.Lock()
	if final.Err != nil {
		m.state.Upload = UploadFailed
		m.unlockAndRender()
		m.logger.Warn("upload failed", "path", path, "error", final.Err)
		m.notify(Notice{Severity: SeverityError, Message: fmt.Sprintf("upload failed: %v", final.Err)})

		m.mu.Lock()
		m.resetUploadLocked()
		m.unlockAndRender()
		return final.Err
	}

	m.state.Upload = UploadSucceeded
	m.state.Progress = 100
	m.unlockAndRender()
	msg := final.Message
	if msg == "" {
		msg = "file uploaded"
	}
	m.notify(Notice{Severity: SeveritySuccess, Message: fmt.Sprintf("%s: %s", name, msg)})

	m.mu.Lock()
	m.resetUploadLocked()
	m.unlockAndRender()

	_ = m.Refresh(ctx)
	return nil
}

func (m *FileManager) resetUploadLocked() {
	m.state.Upload = UploadIdle
	m.state.UploadPath = ""
	m.state.Progress = 0
}

// RequestDelete asks for confirmation to delete name. Only one delete can
// await confirmation at a time.
func (m *FileManager) RequestDelete(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrUnsafeName)
	}
	m.mu.Lock()
	if m.state.Delete != DeleteIdle {
		m.mu.Unlock()
		return ErrConfirmPending
	}
	m.state.Delete = DeleteConfirmPending
	m.state.DeleteTarget = name
	m.unlockAndRender()
	return nil
}

// CancelDelete abandons a pending confirmation.
func (m *FileManager) CancelDelete() {
	m.mu.Lock()
	if m.state.Delete != DeleteConfirmPending {
		m.mu.Unlock()
		return
	}
	m.state.Delete = DeleteIdle
	m.state.DeleteTarget = ""
	m.unlockAndRender()
}

// ConfirmDelete deletes the pending target. The snapshot is never edited
// locally; a refresh follows whatever the outcome.
func (m *FileManager) ConfirmDelete(ctx context.Context) error {
	m.mu.Lock()
	if m.state.Delete != DeleteConfirmPending {
		m.mu.Unlock()
		return ErrNoPendingDelete
	}
	name := m.state.DeleteTarget
	m.state.Delete = Deleting
	m.unlockAndRender()

	err := m.registry.Remove(ctx, name)
	if err != nil {
		m.logger.Warn("delete failed", "name", name, "error", err)
		m.notify(Notice{Severity: SeverityError, Message: fmt.Sprintf("could not delete file: %v", err)})
	} else {
		m.notify(Notice{Severity: SeveritySuccess, Message: fmt.Sprintf("deleted %s", name)})
	}

	m.mu.Lock()
	m.state.Delete = DeleteIdle
	m.state.DeleteTarget = ""
	m.unlockAndRender()

	_ = m.Refresh(ctx)
	return err
}

// Download saves name into dir and returns the written path. Names that
// are not a single local path element are refused.
func (m *FileManager) Download(ctx context.Context, name, dir string) (string, error) {
	if !filepath.IsLocal(name) || filepath.Base(name) != name {
		err := fmt.Errorf("%w: %q", ErrUnsafeName, name)
		m.notify(Notice{Severity: SeverityError, Message: err.Error()})
		return "", err
	}
	dest := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, ".tages-download-*")
	if err != nil {
		err = fmt.Errorf("failed to create file in %s: %w", dir, err)
		m.notify(Notice{Severity: SeverityError, Message: err.Error()})
		return "", err
	}
	n, err := m.registry.Download(ctx, name, tmp)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp.Name(), 0o644)
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dest)
	}
	if err != nil {
		os.Remove(tmp.Name())
		m.logger.Warn("download failed", "name", name, "error", err)
		m.notify(Notice{Severity: SeverityError, Message: fmt.Sprintf("could not download file: %v", err)})
		return "", err
	}

	m.logger.Info("downloaded file", "name", name, "path", dest, "bytes", n)
	m.notify(Notice{Severity: SeveritySuccess, Message: fmt.Sprintf("saved %s (%s)", dest, humanize.Bytes(uint64(n)))})
	return dest, nil
}

// Run refreshes the list now, then every interval while not busy, and
// whenever the access token changes, until ctx is done. A zero interval
// disables the timer. When the token watcher can renew the session, a
// list rejected as unauthorized renews it once per token instead of
// reporting an error; the new token then triggers the next refresh.
func (m *FileManager) Run(ctx context.Context, interval time.Duration) {
	m.logger.Info("file manager started", "refresh_interval", interval)

	updates, cancel := m.tokens.Subscribe()
	defer cancel()
	lastToken := m.tokens.AccessToken()

	renewer, canRenew := m.tokens.(sessionRenewer)
	var renewed string // token minted by the last renewal
	load := func() {
		token := m.tokens.AccessToken()
		if !canRenew || token == renewed {
			_ = m.Refresh(ctx)
			return
		}
		if err := m.refresh(ctx, true); !errors.Is(err, api.ErrUnauthorized) {
			return
		}
		m.logger.Info("access token rejected, renewing session")
		snap := renewer.Refresh(ctx)
		renewed = snap.AccessToken
		if !snap.Authenticated() && ctx.Err() == nil {
			m.notify(Notice{Severity: SeverityWarning, Message: "session expired, sign in again"})
		}
	}

	if lastToken != "" {
		load()
	}

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("file manager stopping")
			return
		case <-tick:
			if m.Busy() {
				m.logger.Debug("periodic refresh skipped, busy")
				continue
			}
			if m.tokens.AccessToken() == "" {
				continue
			}
			load()
		case snap, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if snap.AccessToken == lastToken {
				continue
			}
			lastToken = snap.AccessToken
			if lastToken == "" {
				m.mu.Lock()
				m.state.Files = nil
				clear(m.meta)
				m.unlockAndRender()
				continue
			}
			load()
		}
	}
}

// Start runs the manager in the background; Wait blocks until it stops.
func (m *FileManager) Start(ctx context.Context, interval time.Duration) {
	go func() {
		defer close(m.done)
		m.Run(ctx, interval)
	}()
}

// Wait blocks until a manager started with Start has stopped.
func (m *FileManager) Wait() {
	<-m.done
}

// unlockAndRender releases m.mu and renders the state it guarded.
func (m *FileManager) unlockAndRender() {
	m.version++
	version := m.version
	snap := m.state.clone()
	m.mu.Unlock()

	m.renderMu.Lock()
	defer m.renderMu.Unlock()
	if version <= m.rendered {
		return
	}
	m.rendered = version
	m.renderer.Render(snap)
}

func (m *FileManager) notify(n Notice) {
	m.renderMu.Lock()
	defer m.renderMu.Unlock()
	m.renderer.Notify(n)
}
