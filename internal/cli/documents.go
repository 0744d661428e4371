package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/commonplace/internal/crdt"
	"github.com/roach88/commonplace/internal/ir"
	"github.com/roach88/commonplace/internal/pathindex"
	"github.com/roach88/commonplace/internal/store"
)

// archive reads a commit log without running an engine. Every read
// replays from the log, so it sees exactly what a restart would.
type archive struct {
	st *store.Store
}

// replay rebuilds a document from its commits.
func (a archive) replay(ctx context.Context, id ir.DocID) (*crdt.Doc, ir.Document, []ir.Commit, error) {
	rec, err := a.st.GetDocument(ctx, id)
	if err != nil {
		return nil, ir.Document{}, nil, err
	}
	commits, err := a.st.Replay(ctx, id)
	if err != nil {
		return nil, rec, nil, err
	}
	doc, err := crdt.New(rec.Kind, "cli")
	if err != nil {
		return nil, rec, nil, err
	}
	for _, c := range commits {
		if _, err := doc.Apply(c.Update); err != nil {
			return nil, rec, nil, fmt.Errorf("document %s: commit %d: %w", id, c.Seq, err)
		}
	}
	return doc, rec, commits, nil
}

// entries lists the bindings at or under prefix. A log without a root
// document has no bindings.
func (a archive) entries(ctx context.Context, prefix string) ([]pathindex.Entry, error) {
	p, err := pathindex.Normalize(prefix)
	if err != nil {
		return nil, err
	}
	root, _, _, err := a.replay(ctx, ir.RootID)
	if errors.Is(err, store.ErrNotFound) {
		return []pathindex.Entry{}, nil
	}
	if err != nil {
		return nil, err
	}
	return pathindex.EntriesOf(root, p), nil
}

// resolve maps a path to its binding through the serialized tree. The
// empty path is the root index itself.
func (a archive) resolve(ctx context.Context, path string) (pathindex.Entry, error) {
	p, err := pathindex.Normalize(path)
	if err != nil {
		return pathindex.Entry{}, err
	}
	if p == "" {
		return pathindex.Entry{Path: "", ID: ir.RootID, Kind: ir.KindStructured}, nil
	}
	entries, err := a.entries(ctx, "")
	if err != nil {
		return pathindex.Entry{}, err
	}
	tree, err := pathindex.BuildTree(entries)
	if err != nil {
		return pathindex.Entry{}, err
	}
	return pathindex.ResolveTree(tree, p)
}

// DocumentsOptions holds flags shared by the offline read commands.
type DocumentsOptions struct {
	*RootOptions
	Database string
	Tree     bool
}

func (o *DocumentsOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: o.Verbose}
}

// openArchive opens the configured commit log for reading.
func (o *DocumentsOptions) openArchive() (archive, func(), error) {
	cfg, err := loadConfig(o.RootOptions, o.Database)
	if err != nil {
		return archive{}, nil, err
	}
	st, err := openStore(cfg.Database, true)
	if err != nil {
		return archive{}, nil, err
	}
	return archive{st: st}, func() { st.Close() }, nil
}

func addDatabaseFlag(cmd *cobra.Command, opts *DocumentsOptions) {
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
}

// NewListCommand creates the ls command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DocumentsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ls [prefix]",
		Short: "List bound paths",
		Long: `List the paths bound in the local commit log, optionally under a prefix.

With --tree, print the path index as a nested JSON tree instead.

Examples:
  commonplace ls
  commonplace ls notes --db ./client.db
  commonplace ls --tree`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			return runList(opts, prefix, cmd)
		},
	}
	addDatabaseFlag(cmd, opts)
	cmd.Flags().BoolVar(&opts.Tree, "tree", false, "print the index as a JSON tree")

	return cmd
}

func runList(opts *DocumentsOptions, prefix string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	f := opts.formatter(cmd)

	a, closeFn, err := opts.openArchive()
	if err != nil {
		return err
	}
	defer closeFn()

	entries, err := a.entries(ctx, prefix)
	if err != nil {
		return f.Fail(ExitCommandError, "failed to read path index", err)
	}

	if opts.Tree {
		tree, err := pathindex.BuildTree(entries)
		if err != nil {
			return f.Fail(ExitCommandError, "failed to build tree", err)
		}
		if opts.Format == "json" {
			return writeJSON(cmd.OutOrStdout(), CLIResponse{Status: "ok", Data: json.RawMessage(tree)})
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(tree))
		return nil
	}

	if opts.Format == "json" {
		return f.Success(entries)
	}
	w := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(w, "No paths bound.")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%-40s %s  %s\n", e.Path, truncateID(string(e.ID)), e.Kind)
	}
	return nil
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DocumentsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve <path>",
		Short: "Resolve a path to its document",
		Long: `Resolve a path through the local path index and print the bound
document identity and content kind.

Directories and unbound paths are errors.

Examples:
  commonplace resolve notes/todo.txt
  commonplace resolve notes/todo.txt --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(opts, args[0], cmd)
		},
	}
	addDatabaseFlag(cmd, opts)

	return cmd
}

func runResolve(opts *DocumentsOptions, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	a, closeFn, err := opts.openArchive()
	if err != nil {
		return err
	}
	defer closeFn()

	en, err := a.resolve(commandContext(cmd), path)
	if err != nil {
		return f.Fail(ExitCommandError, "failed to resolve path", err)
	}
	if opts.Format == "json" {
		return f.Success(en)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%s)\n", displayPath(en.Path), en.ID, en.Kind.MIME())
	return nil
}

// ShowResult is the JSON payload of the show command.
type ShowResult struct {
	Path        string           `json:"path"`
	ID          ir.DocID         `json:"node_id"`
	Kind        ir.ContentKind   `json:"content_kind"`
	Content     string           `json:"content"`
	Commits     int              `json:"commits"`
	StateVector crdt.StateVector `json:"state_vector"`
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DocumentsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show <path>",
		Short: "Print the content of a document",
		Long: `Replay a document from the local commit log and print its content.

Structured documents print as canonical JSON. The empty path "" shows the
path index itself.

Examples:
  commonplace show notes/todo.txt
  commonplace show settings.json --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(opts, args[0], cmd)
		},
	}
	addDatabaseFlag(cmd, opts)

	return cmd
}

func runShow(opts *DocumentsOptions, path string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	f := opts.formatter(cmd)
	a, closeFn, err := opts.openArchive()
	if err != nil {
		return err
	}
	defer closeFn()

	en, err := a.resolve(ctx, path)
	if err != nil {
		return f.Fail(ExitCommandError, "failed to resolve path", err)
	}
	doc, _, commits, err := a.replay(ctx, en.ID)
	if err != nil {
		return f.Fail(ExitCommandError, "failed to replay document", err)
	}
	f.VerboseLog("replayed %s from %d commits", en.ID, len(commits))

	content := doc.Materialize()
	if opts.Format == "json" {
		return f.Success(ShowResult{
			Path:        en.Path,
			ID:          en.ID,
			Kind:        doc.Kind(),
			Content:     content,
			Commits:     len(commits),
			StateVector: doc.StateVector(),
		})
	}
	return writeContent(cmd.OutOrStdout(), content)
}

// writeContent prints content, terminated by a newline if it has none.
func writeContent(w io.Writer, content string) error {
	if _, err := io.WriteString(w, content); err != nil {
		return err
	}
	if content != "" && !strings.HasSuffix(content, "\n") {
		_, err := io.WriteString(w, "\n")
		return err
	}
	return nil
}

func displayPath(p string) string {
	if p == "" {
		return `""`
	}
	return p
}
