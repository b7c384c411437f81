package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/spf13/cobra"

	"tages/internal/api"
	"tages/internal/guard"
	"tages/internal/view"
)

const browseHelp = `Commands:
  ls                 show files
  refresh            reload the file list
  upload <path>      upload a local file
  get <name>         download a file into the output directory
  rm <name>          delete a file (asks first)
  whoami             show the signed-in user
  logout             sign out and leave
  help               show this text
  quit               leave
`

func newBrowseCmd(opts *rootOptions) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "browse",
		Short: "Interactive file manager with periodic refresh",
		Args:  cobra.NoArgs,
		RunE: run(opts, func(cmd *cobra.Command, a *app, args []string) error {
			if _, err := a.requireSession(cmd.Context()); err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			fm := a.fileManager(newTerminalRenderer(cmd.ErrOrStderr()))
			fm.Start(ctx, a.cfg.RefreshInterval)
			defer func() {
				cancel()
				fm.Wait()
			}()

			var ended atomic.Bool
			go guard.Watch(ctx, a.store, func(d guard.Decision) {
				if d == guard.RedirectLogin {
					ended.Store(true)
					cancel()
				}
			})

			b := &browser{app: a, fm: fm, dir: dir, out: cmd.OutOrStdout(), next: contextLines(ctx, cmd.InOrStdin())}
			b.loop(ctx)

			if ended.Load() && !b.loggedOut {
				return errNotSignedIn
			}
			return nil
		}),
	}
	cmd.Flags().StringVarP(&dir, "output", "o", ".", "directory for downloads")
	return cmd
}

// contextLines reads r in the background so that waiting for input can be
// interrupted by ctx.
func contextLines(ctx context.Context, r io.Reader) lineSource {
	lines := make(chan string)
	go func() {
		defer close(lines)
		next := scanLines(r)
		for {
			line, ok := next()
			if !ok {
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() (string, bool) {
		select {
		case <-ctx.Done():
			return "", false
		case line, ok := <-lines:
			return line, ok
		}
	}
}

type browser struct {
	app       *app
	fm        *view.FileManager
	dir       string
	out       io.Writer
	next      lineSource
	loggedOut bool
}

func (b *browser) loop(ctx context.Context) {
	fmt.Fprint(b.out, "Type help for commands.\n")
	for {
		fmt.Fprint(b.out, "tages> ")
		line, ok := b.next()
		if !ok {
			fmt.Fprintln(b.out)
			return
		}
		verb, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		arg = strings.TrimSpace(arg)

		if quit := b.dispatch(ctx, verb, arg); quit {
			return
		}
	}
}

// dispatch runs one command and reports whether the session should end.
func (b *browser) dispatch(ctx context.Context, verb, arg string) bool {
	var err error
	switch verb {
	case "":
	case "help", "?":
		fmt.Fprint(b.out, browseHelp)
	case "ls", "list":
		printFiles(b.out, b.fm.State())
	case "refresh":
		err = b.fm.Refresh(ctx)
	case "upload":
		if arg == "" {
			fmt.Fprintln(b.out, "usage: upload <path>")
			break
		}
		if err = b.fm.SelectFile(arg); err == nil {
			err = b.fm.StartUpload(ctx)
		}
	case "get", "download":
		if arg == "" {
			fmt.Fprintln(b.out, "usage: get <name>")
			break
		}
		_, err = b.fm.Download(ctx, arg, b.dir)
	case "rm", "delete":
		if arg == "" {
			fmt.Fprintln(b.out, "usage: rm <name>")
			break
		}
		if err = b.fm.RequestDelete(arg); err != nil {
			break
		}
		if !confirm(b.next, b.out, fmt.Sprintf("Delete %s?", arg)) {
			b.fm.CancelDelete()
			break
		}
		err = b.fm.ConfirmDelete(ctx)
	case "whoami":
		if user := b.app.store.Snapshot().User; user != nil {
			fmt.Fprintln(b.out, user.Email)
		}
	case "logout":
		b.loggedOut = true
		b.app.store.Logout(ctx)
		fmt.Fprintln(b.out, "Signed out.")
		return true
	case "quit", "exit", "q":
		return true
	default:
		fmt.Fprintf(b.out, "unknown command %q, type help\n", verb)
	}

	if errors.Is(err, api.ErrUnauthorized) {
		// The access token expired; one silent refresh either renews it,
		// which also reloads the list, or ends the session.
		b.app.logger.Debug("access token rejected, refreshing session")
		b.app.store.Refresh(ctx)
	}
	return false
}
