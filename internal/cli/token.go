package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Show the admin API token of the running server",
		Long: `Show the admin token the running server accepts.

Use this when you've scrolled past the startup message.

Example:
  splitgoat token`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.cfg.Server.Token != "" {
				fmt.Fprintln(cmd.OutOrStdout(), opts.cfg.Server.Token)
				return nil
			}

			data, err := os.ReadFile(tokenFilePath(opts.cfg.Store))
			if err != nil {
				if os.IsNotExist(err) {
					return fmt.Errorf("no server running. Start with: splitgoat serve")
				}
				return fmt.Errorf("failed to read token file: %w", err)
			}

			token := strings.TrimSpace(string(data))
			if token == "" {
				return fmt.Errorf("token file is empty. Restart the server with: splitgoat serve")
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintln(cmd.ErrOrStderr(), "Tip: send it as 'Authorization: Bearer <token>'.")
			return nil
		},
	}
}
