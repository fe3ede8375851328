package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/headline-goat/splitgoat/internal/server"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the splitgoat HTTP server.

The server provides:
  - Public assignment and conversion endpoints
  - Token-protected admin API for tests and results
  - Health check and Prometheus metrics

Example:
  splitgoat serve --port 8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(opts.cfg.Store)
			if err != nil {
				return err
			}
			defer s.Close()

			svc, err := opts.newService(s)
			if err != nil {
				return err
			}

			srv := server.New(svc, server.Options{
				Port:      opts.cfg.Server.Port,
				Token:     opts.cfg.Server.Token,
				TokenFile: tokenFilePath(opts.cfg.Store),
				Out:       cmd.OutOrStdout(),
				Logger:    opts.logger,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			serverErrors := make(chan error, 1)
			go func() {
				if quiet {
					serverErrors <- srv.StartQuiet()
					return
				}
				serverErrors <- srv.Start()
			}()

			select {
			case err := <-serverErrors:
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					return err
				}
				return <-serverErrors
			}
		},
	}

	cmd.Flags().IntP("port", "p", 8080, "port to listen on (env SG_PORT)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "don't print the address and admin token on startup")
	return cmd
}
