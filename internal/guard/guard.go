// Package guard decides what a protected screen shows for a session state.
package guard

import (
	"context"

	"tages/internal/session"
)

// Decision is what to render for the current session.
type Decision int

const (
	ShowLoading Decision = iota
	RedirectLogin
	RenderProtected
)

func (d Decision) String() string {
	switch d {
	case ShowLoading:
		return "loading"
	case RedirectLogin:
		return "login"
	case RenderProtected:
		return "protected"
	default:
		return "unknown"
	}
}

// Evaluate maps a session status to a decision.
func Evaluate(status session.Status) Decision {
	switch status {
	case session.StatusAuthenticated:
		return RenderProtected
	case session.StatusAnonymous:
		return RedirectLogin
	default:
		return ShowLoading
	}
}

// Source is the part of the session store Watch needs.
type Source interface {
	Snapshot() session.Snapshot
	Subscribe() (<-chan session.Snapshot, func())
}

// Watch calls fn with the decision for the current state and again after
// every state change, until ctx is done or the source is disposed.
func Watch(ctx context.Context, src Source, fn func(Decision)) {
	updates, cancel := src.Subscribe()
	defer cancel()

	fn(Evaluate(src.Snapshot().Status))
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			fn(Evaluate(snap.Status))
		}
	}
}
