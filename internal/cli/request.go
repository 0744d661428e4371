package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/commonplace/internal/transport"
)

// RequestVerbs lists the document commands a serving process answers.
var RequestVerbs = []string{transport.VerbContent, transport.VerbLog, transport.VerbDelete}

// RequestOptions holds flags for the request command.
type RequestOptions struct {
	*RootOptions
	Args    string
	Timeout time.Duration
}

// NewRequestCommand creates the request command.
func NewRequestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RequestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "request <path> <verb>",
		Short: "Send a document command to the serving process",
		Long: `Send a command about the document bound at a path to the serving
process and print its JSON reply.

Verbs:
  content  current content and state vector
  log      commit history; --args '{"since":3,"limit":10}'
  delete   delete the document and unbind its paths

The command joins the broker as a short-lived client with an in-memory
commit log; nothing is written locally.

Examples:
  commonplace request notes/todo.txt content
  commonplace request notes/todo.txt log --args '{"limit":5}'`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Args, "args", "", "command arguments as a JSON object")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "how long to wait for the reply (default sync.request_timeout)")

	return cmd
}

func runRequest(opts *RequestOptions, path, verb string, cmd *cobra.Command) error {
	if !slices.Contains(RequestVerbs, verb) {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown verb %q: must be one of %v", verb, RequestVerbs))
	}
	var args any
	if opts.Args != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(opts.Args), &m); err != nil {
			return WrapExitError(ExitCommandError, "invalid --args JSON", err)
		}
		args = m
	}

	cfg, err := loadConfig(opts.RootOptions, ":memory:")
	if err != nil {
		return err
	}
	log := newLogger(opts.RootOptions, cfg, cmd.ErrOrStderr())
	f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = cfg.Sync.RequestTimeout
	}

	st, err := openStore(cfg.Database, false)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := signalContext(commandContext(cmd), log)
	defer cancel()

	eng, sess, err := openEngine(ctx, opts.RootOptions, cfg, st, false, log)
	if err != nil {
		return err
	}
	defer eng.Close()

	runCtx, stop := context.WithCancel(ctx)
	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Run(runCtx) }()
	defer func() {
		stop()
		<-engineDone
	}()

	reqCtx, reqCancel := context.WithTimeout(ctx, timeout)
	defer reqCancel()

	if err := waitConnected(reqCtx, sess); err != nil {
		return f.Fail(ExitCommandError, fmt.Sprintf("broker %s unreachable", cfg.Broker), err)
	}
	f.VerboseLog("connected to %s, sending %s for %s", cfg.Broker, verb, path)

	raw, err := eng.Command(reqCtx, path, verb, args)
	if err != nil {
		return f.Fail(ExitFailure, "request failed", err)
	}

	if opts.Format == "json" {
		return f.Success(raw)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return writeContent(cmd.OutOrStdout(), string(raw))
	}
	return writeContent(cmd.OutOrStdout(), out.String())
}

// waitConnected polls until the session has a live connection.
func waitConnected(ctx context.Context, sess *transport.Session) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !sess.Connected() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
