package cli

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/commonplace/internal/engine"
	"github.com/roach88/commonplace/internal/ir"
	"github.com/roach88/commonplace/internal/store"
	"github.com/roach88/commonplace/internal/testutil"
	"github.com/roach88/commonplace/internal/transport"
)

// testEnv returns a getenv that sees only vars, so the host environment
// cannot leak into configuration.
func testEnv(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func testRootOptions(format string) *RootOptions {
	return &RootOptions{Format: format, Getenv: testEnv(nil)}
}

// execute runs cmd with args and returns its stdout.
func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// seedDatabase writes each round of files into a fresh serving commit
// log. A path is bound to a new document the first time it appears and
// replaced in later rounds. Returns the database path and the ids.
func seedDatabase(t *testing.T, rounds ...map[string]string) (string, map[string]ir.DocID) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "seed.db")

	st, err := store.Open(path, store.WithClock(testutil.NewClock(testutil.Epoch, time.Second).Now))
	require.NoError(t, err)
	defer st.Close()

	sess := transport.NewSession(transport.NewMemoryBroker().Dialer("seed"), transport.SessionConfig{
		Logger: slog.New(slog.DiscardHandler),
	})
	eng, err := engine.Open(ctx, st, sess, engine.Config{
		Anchor:  "docs",
		Replica: "seed",
		Serve:   true,
		IDs:     testutil.NewSequenceGenerator("seed"),
		Fatal:   func(err error) { t.Errorf("durability failure: %v", err) },
		Logger:  slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	defer eng.Close()

	ids := make(map[string]ir.DocID)
	for _, files := range rounds {
		paths := make([]string, 0, len(files))
		for p := range files {
			paths = append(paths, p)
		}
		sort.Strings(paths)

		for _, p := range paths {
			id, ok := ids[p]
			if !ok {
				id, err = eng.CreateAt(ctx, p, ir.KindForName(p))
				require.NoError(t, err)
				ids[p] = id
			}
			require.NoError(t, eng.Replace(ctx, id, files[p]))
		}
	}
	return path, ids
}
