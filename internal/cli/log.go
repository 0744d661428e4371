package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/commonplace/internal/engine"
	"github.com/roach88/commonplace/internal/ir"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	DocumentsOptions
	Limit   int
	Since   int64
	OneLine bool
}

// LogResult holds the complete log output.
type LogResult struct {
	Path    string            `json:"path"`
	ID      ir.DocID          `json:"node_id"`
	Kind    ir.ContentKind    `json:"content_kind"`
	Entries []engine.LogEntry `json:"entries"`
	Stats   LogStats          `json:"stats"`
}

// LogStats summarises the listed entries.
type LogStats struct {
	Commits int      `json:"commits"`
	Authors []string `json:"authors"`
	Added   int      `json:"added"`
	Removed int      `json:"removed"`
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{DocumentsOptions: DocumentsOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "log <path>",
		Short: "Show the commit history of a document",
		Long: `Show the commit history of the document bound at a path, newest first.

Each commit is replayed in order to report the lines it added and removed
from the materialized content.

Examples:
  commonplace log notes/todo.txt
  commonplace log notes/todo.txt -n 5 --oneline
  commonplace log notes/todo.txt --since 10 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(opts, args[0], cmd)
		},
	}

	addDatabaseFlag(cmd, &opts.DocumentsOptions)
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "show only the newest N commits")
	cmd.Flags().Int64Var(&opts.Since, "since", 0, "show only commits after this sequence number")
	cmd.Flags().BoolVar(&opts.OneLine, "oneline", false, "one line per commit")

	return cmd
}

func runLog(opts *LogOptions, path string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	f := opts.formatter(cmd)
	if opts.Limit < 0 {
		return NewExitError(ExitCommandError, "--limit must not be negative")
	}

	a, closeFn, err := opts.openArchive()
	if err != nil {
		return err
	}
	defer closeFn()

	en, err := a.resolve(ctx, path)
	if err != nil {
		return f.Fail(ExitCommandError, "failed to resolve path", err)
	}
	rec, err := a.st.GetDocument(ctx, en.ID)
	if err != nil {
		return f.Fail(ExitCommandError, "failed to read document", err)
	}
	commits, err := a.st.Replay(ctx, en.ID)
	if err != nil {
		return f.Fail(ExitCommandError, "failed to read commits", err)
	}
	entries, err := engine.Timeline(rec.Kind, commits, engine.LogArgs{Since: opts.Since, Limit: opts.Limit})
	if err != nil {
		return f.Fail(ExitCommandError, "failed to replay document", err)
	}

	result := LogResult{
		Path:    en.Path,
		ID:      en.ID,
		Kind:    rec.Kind,
		Entries: entries,
		Stats:   logStats(entries),
	}

	if opts.Format == "json" {
		return f.Success(result)
	}
	outputLogText(cmd.OutOrStdout(), result, opts.OneLine, opts.Verbose)
	return nil
}

func logStats(entries []engine.LogEntry) LogStats {
	stats := LogStats{Commits: len(entries), Authors: []string{}}
	seen := make(map[string]bool)
	for _, e := range entries {
		stats.Added += e.Added
		stats.Removed += e.Removed
		if !seen[e.Author] {
			seen[e.Author] = true
			stats.Authors = append(stats.Authors, e.Author)
		}
	}
	sort.Strings(stats.Authors)
	return stats
}

func outputLogText(w io.Writer, result LogResult, oneline, verbose bool) {
	if oneline {
		for _, e := range result.Entries {
			fmt.Fprintln(w, formatOneLine(e))
		}
		return
	}

	fmt.Fprintf(w, "Log for %s (%s, %s)\n", displayPath(result.Path), truncateID(string(result.ID)), result.Kind)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Commits ===")
	if len(result.Entries) == 0 {
		fmt.Fprintln(w, "  (no commits)")
	}
	for _, e := range result.Entries {
		fmt.Fprintf(w, "  [%d] %s %s %s\n", e.Seq, e.Timestamp.UTC().Format(time.RFC3339), e.Author, changeSummary(e))
		if verbose {
			fmt.Fprintf(w, "       Hash: %s\n", e.Hash)
			fmt.Fprintf(w, "       Size: %d bytes\n", e.Bytes)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Commits: %d\n", result.Stats.Commits)
	fmt.Fprintf(w, "  Authors: %s\n", strings.Join(result.Stats.Authors, ", "))
	fmt.Fprintf(w, "  Lines:   +%d -%d\n", result.Stats.Added, result.Stats.Removed)
}

// formatOneLine renders "<seq> <short hash> <author> +a -r".
func formatOneLine(e engine.LogEntry) string {
	return fmt.Sprintf("%d %s %s %s", e.Seq, shortHash(e.Hash), e.Author, changeSummary(e))
}

func changeSummary(e engine.LogEntry) string {
	return fmt.Sprintf("+%d -%d", e.Added, e.Removed)
}

// shortHash keeps the first twelve hex digits of a hash.
func shortHash(h string) string {
	if len(h) <= 12 {
		return h
	}
	return h[:12]
}

// truncateID truncates a long ID for display.
func truncateID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + "..." + id[len(id)-8:]
}
