package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "tages",
		Short:         "Client for the tages file storage API",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to config file (default ~/.config/tages/config.yaml)")
	flags.String("base-url", "", "API base URL (default http://localhost:8080)")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.Duration("timeout", 0, "per-request timeout")
	flags.BoolVar(&opts.noValidate, "no-validate", false, "skip client-side credential checks")

	root.AddCommand(newLoginCmd(opts))
	root.AddCommand(newRegisterCmd(opts))
	root.AddCommand(newLogoutCmd(opts))
	root.AddCommand(newWhoamiCmd(opts))
	root.AddCommand(newListCmd(opts))
	root.AddCommand(newUploadCmd(opts))
	root.AddCommand(newDownloadCmd(opts))
	root.AddCommand(newRemoveCmd(opts))
	root.AddCommand(newBrowseCmd(opts))
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "tages %s\n", version)
			return err
		},
	}
}
