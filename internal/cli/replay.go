package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/commonplace/internal/crdt"
	"github.com/roach88/commonplace/internal/ir"
	"github.com/roach88/commonplace/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	DocumentsOptions
	Path string // optional - one document only
}

// ReplayDocResult holds the replay result for a single document.
type ReplayDocResult struct {
	ID            ir.DocID       `json:"node_id"`
	Kind          ir.ContentKind `json:"content_kind"`
	Commits       int            `json:"commits"`
	ContentHash   string         `json:"content_hash"`
	GapFree       bool           `json:"gap_free"`
	Deterministic bool           `json:"deterministic"`
	Error         string         `json:"error,omitempty"`
}

func (r ReplayDocResult) ok() bool {
	return r.GapFree && r.Deterministic && r.Error == ""
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Documents      []ReplayDocResult `json:"documents"`
	TotalDocuments int               `json:"total_documents"`
	AllVerified    bool              `json:"all_verified"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{DocumentsOptions: DocumentsOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay the commit log and verify determinism",
		Long: `Replay every document in the commit log twice and verify that both
replays produce the same content and state vector, and that every log is
numbered from 1 without gaps.

Exit codes:
  0 - All documents verified
  1 - Verification failed (gaps, undecodable commits or differences detected)
  2 - Command error (database not found, etc.)

Examples:
  commonplace replay --db ./commonplace.db
  commonplace replay --path notes/todo.txt
  commonplace replay --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	addDatabaseFlag(cmd, &opts.DocumentsOptions)
	cmd.Flags().StringVar(&opts.Path, "path", "", "replay the document bound at this path only")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	f := opts.formatter(cmd)

	a, closeFn, err := opts.openArchive()
	if err != nil {
		return err
	}
	defer closeFn()

	var docs []ir.Document
	if opts.Path != "" {
		en, err := a.resolve(ctx, opts.Path)
		if err != nil {
			return f.Fail(ExitCommandError, "failed to resolve path", err)
		}
		rec, err := a.st.GetDocument(ctx, en.ID)
		if err != nil {
			return f.Fail(ExitCommandError, "failed to read document", err)
		}
		docs = []ir.Document{rec}
	} else {
		docs, err = a.st.ListDocuments(ctx)
		if err != nil {
			return f.Fail(ExitCommandError, "failed to list documents", err)
		}
	}

	result := ReplayResult{
		Documents:      make([]ReplayDocResult, 0, len(docs)),
		TotalDocuments: len(docs),
		AllVerified:    true,
	}
	for _, rec := range docs {
		f.VerboseLog("replaying %s", rec.ID)
		r, err := replayAndVerify(ctx, a.st, rec)
		if err != nil {
			return f.Fail(ExitCommandError, fmt.Sprintf("failed to replay document %s", rec.ID), err)
		}
		result.Documents = append(result.Documents, r)
		if !r.ok() {
			result.AllVerified = false
		}
	}

	if opts.Format == "json" {
		return outputReplayJSON(cmd, result)
	}
	return outputReplayText(cmd, result, opts.Verbose)
}

// replayAndVerify replays one document twice from independent reads.
// Store errors are returned; verification failures are in the result.
func replayAndVerify(ctx context.Context, st *store.Store, rec ir.Document) (ReplayDocResult, error) {
	r := ReplayDocResult{ID: rec.ID, Kind: rec.Kind, GapFree: true}

	first, err := st.Replay(ctx, rec.ID)
	if err != nil {
		return r, fmt.Errorf("first replay failed: %w", err)
	}
	second, err := st.Replay(ctx, rec.ID)
	if err != nil {
		return r, fmt.Errorf("second replay failed: %w", err)
	}
	r.Commits = len(first)

	for i, c := range first {
		if c.Seq != int64(i+1) {
			r.GapFree = false
			break
		}
	}

	a, err := materialize(rec.Kind, first)
	if err != nil {
		r.Error = err.Error()
		return r, nil
	}
	b, err := materialize(rec.Kind, second)
	if err != nil {
		r.Error = err.Error()
		return r, nil
	}
	content := a.Materialize()
	r.ContentHash = ir.ContentHash([]byte(content))
	r.Deterministic = content == b.Materialize() && a.StateVector().Equal(b.StateVector())
	return r, nil
}

func materialize(kind ir.ContentKind, commits []ir.Commit) (*crdt.Doc, error) {
	doc, err := crdt.New(kind, "replay")
	if err != nil {
		return nil, err
	}
	for _, c := range commits {
		if _, err := doc.Apply(c.Update); err != nil {
			return nil, fmt.Errorf("commit %d: %w", c.Seq, err)
		}
	}
	return doc, nil
}

// outputReplayJSON outputs the replay result as JSON.
func outputReplayJSON(cmd *cobra.Command, result ReplayResult) error {
	response := CLIResponse{
		Status: "ok",
		Data:   result,
	}
	if !result.AllVerified {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "E_REPLAY",
			Message: "replay verification failed",
		}
	}

	if err := writeJSON(cmd.OutOrStdout(), response); err != nil {
		return err
	}
	if !result.AllVerified {
		return NewExitError(ExitFailure, "replay verification failed")
	}
	return nil
}

// outputReplayText outputs the replay result as text.
func outputReplayText(cmd *cobra.Command, result ReplayResult, verbose bool) error {
	w := cmd.OutOrStdout()

	if result.TotalDocuments == 0 {
		fmt.Fprintln(w, "No documents found in database.")
		return nil
	}

	fmt.Fprintf(w, "Replay Summary: %d document(s)\n", result.TotalDocuments)
	fmt.Fprintln(w)

	for _, d := range result.Documents {
		status := "✓"
		if !d.ok() {
			status = "✗"
		}
		fmt.Fprintf(w, "%s Document: %s (%s)\n", status, d.ID, d.Kind)
		fmt.Fprintf(w, "  Commits: %d\n", d.Commits)
		if verbose && d.ContentHash != "" {
			fmt.Fprintf(w, "  Content: %s\n", shortHash(d.ContentHash))
		}
		switch {
		case d.Error != "":
			fmt.Fprintf(w, "  Error: %s\n", d.Error)
		case !d.GapFree:
			fmt.Fprintln(w, "  Warning: commit sequence has gaps!")
		case !d.Deterministic:
			fmt.Fprintln(w, "  Warning: Non-deterministic replay detected!")
		}
		fmt.Fprintln(w)
	}

	if result.AllVerified {
		fmt.Fprintln(w, "✓ All documents verified")
		return nil
	}

	fmt.Fprintln(w, "✗ Replay verification failed")
	return NewExitError(ExitFailure, "replay verification failed")
}
