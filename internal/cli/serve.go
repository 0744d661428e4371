package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Database string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the document tree",
		Long: `Run the serving process of a document tree.

The server answers create requests, sync handshakes and document commands
for every bound path under the configured anchor, and persists every
update to its commit log before acknowledging it.

Example:
  commonplace serve --config ./commonplace.yaml
  COMMONPLACE_BROKER=redis://localhost:6379/0 commonplace serve --db ./server.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	log := newLogger(opts.RootOptions, cfg, cmd.ErrOrStderr())

	log.Info("opening database", "path", cfg.Database)
	st, err := openStore(cfg.Database, false)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	ctx, cancel := signalContext(commandContext(cmd), log)
	defer cancel()

	eng, _, err := openEngine(ctx, opts.RootOptions, cfg, st, true, log)
	if err != nil {
		return err
	}
	defer eng.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Serving %q on %s as %s\n", cfg.Anchor, cfg.Broker, eng.Replica())
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := eng.Run(ctx); !stopped(err) {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	log.Info("engine stopped gracefully")
	return nil
}
