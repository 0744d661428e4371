package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/roach88/commonplace/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update        bool          // regenerate golden files
	Filter        string        // scenario filter (glob pattern)
	GoldenDir     string        // default: <scenarios-dir>/../golden
	SettleTimeout time.Duration // per-wait bound for processes to agree
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// TestResult holds the overall test result.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run replication scenarios",
		Long: `Run replication scenarios against a server and clients on an
in-process broker.

Each scenario's steps, final views and replication principles are checked,
and its snapshot is compared with <golden-dir>/<name>.golden when that
file exists.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  commonplace test ./testdata/scenarios
  commonplace test ./testdata/scenarios --filter "offline_*"
  commonplace test ./testdata/scenarios --update
  commonplace test ./testdata/scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	cmd.Flags().StringVar(&opts.GoldenDir, "golden", "", "golden file directory (default <scenarios-dir>/../golden)")
	cmd.Flags().DurationVar(&opts.SettleTimeout, "settle-timeout", 0, "bound on every wait for processes to agree (default 10s)")

	return cmd
}

func runTests(opts *TestOptions, scenariosDir string, cmd *cobra.Command) error {
	fsys := afero.NewOsFs()
	if ok, _ := afero.DirExists(fsys, scenariosDir); !ok {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", scenariosDir))
	}
	goldenDir := opts.GoldenDir
	if goldenDir == "" {
		goldenDir = filepath.Join(filepath.Dir(filepath.Clean(scenariosDir)), "golden")
	}

	scenarioFiles, err := findScenarioFiles(fsys, scenariosDir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	if len(scenarioFiles) == 0 {
		if opts.Format == "json" {
			return outputTestJSON(cmd, TestResult{Scenarios: []ScenarioResult{}})
		}
		fmt.Fprintln(cmd.OutOrStdout(), "No scenarios found.")
		return nil
	}

	result := TestResult{
		Scenarios: make([]ScenarioResult, 0, len(scenarioFiles)),
		Total:     len(scenarioFiles),
	}
	for _, file := range scenarioFiles {
		r := runScenario(fsys, file, goldenDir, opts, cmd)
		if opts.Format != "json" {
			printScenarioResult(cmd.OutOrStdout(), r)
		}
		result.Scenarios = append(result.Scenarios, r)
		if r.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	if opts.Format == "json" {
		return outputTestJSON(cmd, result)
	}
	return outputTestText(cmd, result)
}

// findScenarioFiles finds all YAML scenario files under dir, sorted.
func findScenarioFiles(fsys afero.Fs, dir string, filter string) ([]string, error) {
	var files []string
	err := afero.Walk(fsys, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

// runScenario executes a single scenario and checks it against its
// golden file.
func runScenario(fsys afero.Fs, file, goldenDir string, opts *TestOptions, cmd *cobra.Command) ScenarioResult {
	fail := func(name string, format string, args ...any) ScenarioResult {
		return ScenarioResult{Name: name, Errors: []string{fmt.Sprintf(format, args...)}}
	}

	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return fail(filepath.Base(file), "failed to load scenario: %v", err)
	}

	result, err := harness.Run(commandContext(cmd), scenario, harness.Options{
		SettleTimeout: opts.SettleTimeout,
		Logger:        harnessLogger(opts, cmd),
	})
	if err != nil {
		return fail(scenario.Name, "execution failed: %v", err)
	}

	snap, err := harness.Snapshot(scenario.Name, result)
	if err != nil {
		return fail(scenario.Name, "failed to render snapshot: %v", err)
	}
	goldenPath := filepath.Join(goldenDir, scenario.Name+".golden")

	errs := append([]string(nil), result.Errors...)
	if opts.Update {
		if !result.Pass {
			errs = append(errs, "golden file not updated: scenario failed")
		} else if err := writeGolden(fsys, goldenPath, snap); err != nil {
			errs = append(errs, fmt.Sprintf("failed to update golden file: %v", err))
		}
	} else {
		golden, err := afero.ReadFile(fsys, goldenPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// No golden file: assertions and principles only.
		case err != nil:
			errs = append(errs, fmt.Sprintf("failed to read golden file: %v", err))
		case !bytes.Equal(golden, snap):
			errs = append(errs, "snapshot does not match golden file (run with --update to regenerate)")
		}
	}

	return ScenarioResult{Name: scenario.Name, Pass: len(errs) == 0, Errors: errs}
}

func harnessLogger(opts *TestOptions, cmd *cobra.Command) *slog.Logger {
	if !opts.Verbose {
		return nil
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func writeGolden(fsys afero.Fs, path string, data []byte) error {
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create golden directory: %w", err)
	}
	return afero.WriteFile(fsys, path, data, 0o644)
}

func printScenarioResult(w io.Writer, r ScenarioResult) {
	if r.Pass {
		fmt.Fprintf(w, "✓ %s\n", r.Name)
		return
	}
	fmt.Fprintf(w, "✗ %s\n", r.Name)
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
}

// outputTestJSON outputs the test result as JSON.
func outputTestJSON(cmd *cobra.Command, result TestResult) error {
	response := CLIResponse{Status: "ok", Data: result}
	if result.Failed > 0 {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "E_TEST_FAILED",
			Message: fmt.Sprintf("%d scenario(s) failed", result.Failed),
		}
	}

	if err := writeJSON(cmd.OutOrStdout(), response); err != nil {
		return err
	}
	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	return nil
}

// outputTestText outputs the test summary as text.
func outputTestText(cmd *cobra.Command, result TestResult) error {
	w := cmd.OutOrStdout()

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Test Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	fmt.Fprintln(w, "✓ All scenarios passed")
	return nil
}
