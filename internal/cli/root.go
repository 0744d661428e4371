package cli

import (
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/commonplace/internal/transport"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	LogFormat  string // "" (from config) | "text" | "json"
	ConfigPath string

	// Getenv overrides os.Getenv when resolving configuration (for testing).
	Getenv func(string) string

	// Memory is the broker behind memory:// endpoints. Commands in one
	// process share it, so a test can run a server and a client side by
	// side. Nil means a private broker per command.
	Memory *transport.MemoryBroker
}

func (o *RootOptions) getenv() func(string) string {
	if o.Getenv != nil {
		return o.Getenv
	}
	return os.Getenv
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the commonplace CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commonplace",
		Short: "commonplace - a shared, replicated document tree",
		Long: `Keep a tree of text and structured documents in sync between processes.

One process serves the tree and owns document creation; clients mirror
it into local directories. Every change is an operation-based CRDT update,
persisted to an append-only commit log before it is published.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.LogFormat != "" && !slices.Contains(ValidFormats, opts.LogFormat) {
				return fmt.Errorf("invalid log format %q: must be one of %v", opts.LogFormat, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format (json|text), overrides the config file")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file (default $COMMONPLACE_CONFIG)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewResolveCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewLogCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewRequestCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))

	return cmd
}
