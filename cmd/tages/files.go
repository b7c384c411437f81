package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"tages/internal/view"
)

// terminalRenderer prints upload progress and notices to stderr. The file
// list is printed on demand with printFiles.
type terminalRenderer struct {
	w io.Writer

	mu        sync.Mutex
	uploading bool
	progress  int
}

func newTerminalRenderer(w io.Writer) *terminalRenderer {
	return &terminalRenderer{w: w, progress: -1}
}

func (r *terminalRenderer) Render(s view.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.Upload == view.Uploading {
		r.uploading = true
		if s.Progress != r.progress {
			r.progress = s.Progress
			fmt.Fprintf(r.w, "\ruploading %s %3d%%", filepath.Base(s.UploadPath), s.Progress)
		}
		return
	}
	if r.uploading {
		fmt.Fprintln(r.w)
		r.uploading = false
		r.progress = -1
	}
}

func (r *terminalRenderer) Notify(n view.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.uploading {
		fmt.Fprintln(r.w)
		r.uploading = false
		r.progress = -1
	}
	fmt.Fprintf(r.w, "%s: %s\n", n.Severity, n.Message)
}

func printFiles(w io.Writer, s view.State) {
	if len(s.Files) == 0 {
		fmt.Fprintln(w, "No files.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tUPLOADED")
	for _, f := range s.Files {
		size, uploaded := "-", "-"
		if f.Size != nil && *f.Size >= 0 {
			size = humanize.IBytes(uint64(*f.Size))
		}
		if f.UploadedAt != nil {
			uploaded = f.UploadedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Name, size, uploaded)
	}
	tw.Flush()
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List your files",
		Args:    cobra.NoArgs,
		RunE: run(opts, func(cmd *cobra.Command, a *app, args []string) error {
			if _, err := a.requireSession(cmd.Context()); err != nil {
				return err
			}
			fm := a.fileManager(newTerminalRenderer(cmd.ErrOrStderr()))
			if err := fm.Refresh(cmd.Context()); err != nil {
				return err
			}
			printFiles(cmd.OutOrStdout(), fm.State())
			return nil
		}),
	}
}

func newUploadCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <path>...",
		Short: "Upload files",
		Args:  cobra.MinimumNArgs(1),
		RunE: run(opts, func(cmd *cobra.Command, a *app, args []string) error {
			if _, err := a.requireSession(cmd.Context()); err != nil {
				return err
			}
			fm := a.fileManager(newTerminalRenderer(cmd.ErrOrStderr()))
			for _, path := range args {
				if err := fm.SelectFile(path); err != nil {
					return err
				}
				if err := fm.StartUpload(cmd.Context()); err != nil {
					return err
				}
			}
			return nil
		}),
	}
}

func newDownloadCmd(opts *rootOptions) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "download <name>...",
		Short: "Download files into a directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: run(opts, func(cmd *cobra.Command, a *app, args []string) error {
			if _, err := a.requireSession(cmd.Context()); err != nil {
				return err
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}
			fm := a.fileManager(newTerminalRenderer(cmd.ErrOrStderr()))
			for _, name := range args {
				path, err := fm.Download(cmd.Context(), name, dir)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
			}
			return nil
		}),
	}
	cmd.Flags().StringVarP(&dir, "output", "o", ".", "directory to save into")
	return cmd
}

func newRemoveCmd(opts *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "rm <name>",
		Short: "Delete a file",
		Args:  cobra.ExactArgs(1),
		RunE: run(opts, func(cmd *cobra.Command, a *app, args []string) error {
			if _, err := a.requireSession(cmd.Context()); err != nil {
				return err
			}
			fm := a.fileManager(newTerminalRenderer(cmd.ErrOrStderr()))
			name := args[0]
			if err := fm.RequestDelete(name); err != nil {
				return err
			}
			if !yes && !confirm(scanLines(cmd.InOrStdin()), cmd.ErrOrStderr(), fmt.Sprintf("Delete %s?", name)) {
				fm.CancelDelete()
				fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
				return nil
			}
			return fm.ConfirmDelete(cmd.Context())
		}),
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "delete without asking")
	return cmd
}
