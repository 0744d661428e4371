package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/roach88/commonplace/internal/reconcile"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Database string
	Prefix   string
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync <dir>",
		Short: "Mirror the document tree into a directory",
		Long: `Run a client process that keeps a local directory and the shared
document tree in agreement.

Files created in the directory are bound to new documents, edits are
pushed as CRDT updates, and remote changes are written back to disk.
Removing a file unbinds its path; the document itself is kept.

Example:
  commonplace sync ./notes
  commonplace sync ./work --prefix projects/work --db ./client.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "", "subtree of the document tree mirrored into <dir>")

	return cmd
}

func runSync(opts *SyncOptions, dir string, cmd *cobra.Command) error {
	fsys := afero.NewOsFs()
	abs, err := filepath.Abs(dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid directory", err)
	}
	if ok, err := afero.DirExists(fsys, abs); err != nil || !ok {
		return NewExitError(ExitCommandError, fmt.Sprintf("directory not found: %s", dir))
	}

	cfg, err := loadConfig(opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	log := newLogger(opts.RootOptions, cfg, cmd.ErrOrStderr())

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

	eng, _, err := openEngine(ctx, opts.RootOptions, cfg, st, false, log)
	if err != nil {
		return err
	}
	defer eng.Close()

	client, err := reconcile.New(fsys, eng, reconcile.Config{
		Dir:          abs,
		Prefix:       opts.Prefix,
		PollInterval: cfg.Reconcile.PollInterval,
		MaxRetries:   cfg.Reconcile.MaxRetries,
		Logger:       log,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start reconciliation", err)
	}

	engineDone := make(chan error, 1)
	go func() {
		engineDone <- eng.Run(ctx)
		cancel()
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "Syncing %s with %q on %s\n", abs, cfg.Anchor, cfg.Broker)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	syncErr := client.Run(ctx)
	cancel()
	engErr := <-engineDone

	if !stopped(engErr) {
		return WrapExitError(ExitFailure, "engine error", engErr)
	}
	if !stopped(syncErr) {
		return WrapExitError(ExitFailure, "reconciliation error", syncErr)
	}
	log.Info("sync stopped gracefully")
	return nil
}
