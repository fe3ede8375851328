package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/headline-goat/splitgoat/internal/config"
)

// rootOptions carries global flags and the resolved configuration to every
// subcommand.
type rootOptions struct {
	configPath string
	dbPath     string
	driver     string
	logLevel   string

	cfg    config.Config
	logger *slog.Logger
}

// NewRootCmd builds the splitgoat command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "splitgoat",
		Short: "splitgoat - A self-hosted A/B testing engine",
		Long: `splitgoat runs A/B tests: deterministic variant assignment,
conversion tracking and significance testing.
Single Go binary, embedded SQLite or Postgres.`,
		SilenceUsage:      true,
		PersistentPreRunE: opts.load,
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "database path or DSN (env SG_DB_PATH)")
	cmd.PersistentFlags().StringVar(&opts.driver, "driver", "", "storage driver: sqlite, postgres or memory (env SG_DB_DRIVER)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error (env SG_LOG_LEVEL)")

	cmd.AddCommand(
		newCreateCmd(opts),
		newListCmd(opts),
		newShowCmd(opts),
		newTransitionCmd(opts, "start"),
		newTransitionCmd(opts, "pause"),
		newTransitionCmd(opts, "end"),
		newDeleteCmd(opts),
		newAssignCmd(opts),
		newConvertCmd(opts),
		newResultsCmd(opts),
		newExportCmd(opts),
		newServeCmd(opts),
		newTokenCmd(opts),
	)
	return cmd
}

func Execute() error {
	return NewRootCmd().Execute()
}

// load resolves configuration: defaults, then the YAML file, then the
// environment, then explicit flags.
func (o *rootOptions) load(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.Store.DSN = o.dbPath
	}
	if flags.Changed("driver") {
		cfg.Store.Driver = o.driver
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("port") {
		port, err := flags.GetInt("port")
		if err != nil {
			return err
		}
		cfg.Server.Port = port
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := cfg.Log.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	o.cfg = cfg
	o.logger = logger
	return nil
}
