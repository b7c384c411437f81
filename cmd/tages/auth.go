package main

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"tages/internal/api"
	"tages/internal/session"
)

func newLoginCmd(opts *rootOptions) *cobra.Command {
	var passwordFromStdin bool
	cmd := &cobra.Command{
		Use:   "login <email>",
		Short: "Sign in",
		Args:  cobra.ExactArgs(1),
		RunE: run(opts, func(cmd *cobra.Command, a *app, args []string) error {
			password, err := readPassword(cmd, passwordFromStdin)
			if err != nil {
				return err
			}
			snap, err := a.loginForm().Submit(cmd.Context(), args[0], password)
			if err != nil {
				return describeAuthError(cmd.ErrOrStderr(), err)
			}
			printSignedIn(cmd.OutOrStdout(), snap)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&passwordFromStdin, "password-stdin", false, "read the password from stdin")
	return cmd
}

func newRegisterCmd(opts *rootOptions) *cobra.Command {
	var passwordFromStdin bool
	cmd := &cobra.Command{
		Use:   "register <email>",
		Short: "Create an account and sign in",
		Args:  cobra.ExactArgs(1),
		RunE: run(opts, func(cmd *cobra.Command, a *app, args []string) error {
			password, err := readPassword(cmd, passwordFromStdin)
			if err != nil {
				return err
			}
			snap, err := a.loginForm().RegisterAndLogin(cmd.Context(), args[0], password)
			if err != nil {
				return describeAuthError(cmd.ErrOrStderr(), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Account created.\n")
			printSignedIn(cmd.OutOrStdout(), snap)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&passwordFromStdin, "password-stdin", false, "read the password from stdin")
	return cmd
}

func newLogoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the saved session",
		Args:  cobra.NoArgs,
		RunE: run(opts, func(cmd *cobra.Command, a *app, args []string) error {
			a.store.Logout(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
			return nil
		}),
	}
}

func newWhoamiCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: run(opts, func(cmd *cobra.Command, a *app, args []string) error {
			snap, err := a.requireSession(cmd.Context())
			if err != nil {
				return err
			}
			if snap.User.ID != 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (id %d)\n", snap.User.Email, snap.User.ID)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), snap.User.Email)
			}
			return nil
		}),
	}
}

func printSignedIn(w io.Writer, snap session.Snapshot) {
	fmt.Fprintf(w, "Signed in as %s.\n", snap.User.Email)
}

// describeAuthError prints per-field details the backend sent along.
func describeAuthError(w io.Writer, err error) error {
	var authErr *api.AuthError
	if errors.As(err, &authErr) && len(authErr.Details) > 0 {
		fields := make([]string, 0, len(authErr.Details))
		for field := range authErr.Details {
			fields = append(fields, field)
		}
		slices.Sort(fields)
		for _, field := range fields {
			fmt.Fprintf(w, "  %s: %s\n", field, authErr.Details[field])
		}
	}
	return err
}
