package cli

import (
	"bytes"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/commonplace/internal/config"
	"github.com/roach88/commonplace/internal/transport"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool           `json:"valid"`
	Config *config.Config `json:"config,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the resolved configuration",
		Long: `Resolve the configuration from --config (or $COMMONPLACE_CONFIG), the
environment and the defaults, validate it against the configuration schema,
and print the result.

Nothing is opened or dialed.

Examples:
  commonplace validate --config ./commonplace.yaml
  COMMONPLACE_BROKER=redis://localhost:6379/0 commonplace validate --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := config.Load(opts.ConfigPath, opts.getenv())
	if err == nil {
		// The endpoint scheme is only checked by the transport.
		_, err = transport.NewDialer(cfg.Broker, transport.DialOptions{Memory: opts.Memory})
	}
	if err != nil {
		if opts.Format == "json" {
			if werr := writeJSON(cmd.OutOrStdout(), CLIResponse{
				Status: "error",
				Data:   ValidationResult{Valid: false},
				Error:  &CLIError{Code: CodeConfig, Message: err.Error()},
			}); werr != nil {
				return werr
			}
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "✗ %v\n", err)
		}
		return WrapExitError(ExitFailure, "invalid configuration", err)
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), CLIResponse{
			Status: "ok",
			Data:   ValidationResult{Valid: true, Config: &cfg},
		})
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return WrapExitError(ExitCommandError, "failed to render config", err)
	}
	if err := enc.Close(); err != nil {
		return WrapExitError(ExitCommandError, "failed to render config", err)
	}
	formatter.VerboseLog("configuration resolved from %q", opts.ConfigPath)
	fmt.Fprint(cmd.OutOrStdout(), buf.String())
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration valid")
	return nil
}
