package guard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tages/internal/session"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		status session.Status
		want   Decision
	}{
		{session.StatusLoading, ShowLoading},
		{session.StatusAnonymous, RedirectLogin},
		{session.StatusAuthenticated, RenderProtected},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			// Same input, same answer.
			for range 3 {
				assert.Equal(t, tt.want, Evaluate(tt.status))
			}
		})
	}
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "loading", ShowLoading.String())
	assert.Equal(t, "login", RedirectLogin.String())
	assert.Equal(t, "protected", RenderProtected.String())
	assert.Equal(t, "unknown", Decision(42).String())
}

// fakeSource is a session source driven by the test.
type fakeSource struct {
	mu      sync.Mutex
	current session.Snapshot
	ch      chan session.Snapshot
}

func newFakeSource(status session.Status) *fakeSource {
	return &fakeSource{current: session.Snapshot{Status: status}, ch: make(chan session.Snapshot, 8)}
}

func (f *fakeSource) Snapshot() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeSource) Subscribe() (<-chan session.Snapshot, func()) {
	return f.ch, func() {}
}

func (f *fakeSource) set(status session.Status) {
	f.mu.Lock()
	f.current = session.Snapshot{Status: status}
	f.mu.Unlock()
	f.ch <- session.Snapshot{Status: status}
}

func TestWatch(t *testing.T) {
	src := newFakeSource(session.StatusLoading)

	var mu sync.Mutex
	var got []Decision
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watch(context.Background(), src, func(d Decision) {
			mu.Lock()
			got = append(got, d)
			mu.Unlock()
		})
	}()

	src.set(session.StatusAuthenticated)
	src.set(session.StatusAnonymous)
	close(src.ch)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after the source closed")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	assert.Equal(t, []Decision{ShowLoading, RenderProtected, RedirectLogin}, got)
}

func TestWatchStopsOnCancel(t *testing.T) {
	src := newFakeSource(session.StatusAnonymous)
	ctx, cancel := context.WithCancel(context.Background())

	first := make(chan Decision, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watch(ctx, src, func(d Decision) {
			select {
			case first <- d:
			default:
			}
		})
	}()

	assert.Equal(t, RedirectLogin, <-first)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
