package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/commonplace/internal/config"
	"github.com/roach88/commonplace/internal/ir"
	"github.com/roach88/commonplace/internal/pathindex"
)

var seedFiles = map[string]string{
	"notes/todo.txt": "milk\neggs\n",
	"settings.json":  `{"theme":"dark"}`,
}

func TestList(t *testing.T) {
	db, ids := seedDatabase(t, seedFiles)

	out, err := execute(t, NewListCommand(testRootOptions("text")), "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "notes/todo.txt")
	assert.Contains(t, out, truncateID(string(ids["notes/todo.txt"])))
	assert.Contains(t, out, "settings.json")
	assert.Contains(t, out, "structured")
}

func TestList_Prefix(t *testing.T) {
	db, _ := seedDatabase(t, seedFiles)

	out, err := execute(t, NewListCommand(testRootOptions("text")), "--db", db, "notes")
	require.NoError(t, err)
	assert.Contains(t, out, "notes/todo.txt")
	assert.NotContains(t, out, "settings.json")
}

func TestList_JSON(t *testing.T) {
	db, ids := seedDatabase(t, seedFiles)

	out, err := execute(t, NewListCommand(testRootOptions("json")), "--db", db)
	require.NoError(t, err)

	var resp struct {
		Status string            `json:"status"`
		Data   []pathindex.Entry `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, []pathindex.Entry{
		{Path: "notes/todo.txt", ID: ids["notes/todo.txt"], Kind: ir.KindText},
		{Path: "settings.json", ID: ids["settings.json"], Kind: ir.KindStructured},
	}, resp.Data)
}

func TestList_Tree(t *testing.T) {
	db, ids := seedDatabase(t, seedFiles)

	out, err := execute(t, NewListCommand(testRootOptions("text")), "--db", db, "--tree")
	require.NoError(t, err)

	en, err := pathindex.ResolveTree([]byte(out), "notes/todo.txt")
	require.NoError(t, err)
	assert.Equal(t, ids["notes/todo.txt"], en.ID)
}

func TestList_EmptyDatabase(t *testing.T) {
	db, _ := seedDatabase(t, nil)

	out, err := execute(t, NewListCommand(testRootOptions("text")), "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "No paths bound.")
}

func TestList_MissingDatabase(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.db")

	_, err := execute(t, NewListCommand(testRootOptions("text")), "--db", missing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database not found")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestList_DatabaseFromEnvironment(t *testing.T) {
	db, _ := seedDatabase(t, seedFiles)
	opts := testRootOptions("text")
	opts.Getenv = testEnv(map[string]string{config.EnvDB: db})

	out, err := execute(t, NewListCommand(opts))
	require.NoError(t, err)
	assert.Contains(t, out, "notes/todo.txt")
}

func TestResolve(t *testing.T) {
	db, ids := seedDatabase(t, seedFiles)

	out, err := execute(t, NewResolveCommand(testRootOptions("text")), "--db", db, "/notes//todo.txt")
	require.NoError(t, err)
	assert.Equal(t, "notes/todo.txt -> "+string(ids["notes/todo.txt"])+" (text/plain)\n", out)
}

func TestResolve_Root(t *testing.T) {
	db, _ := seedDatabase(t, seedFiles)

	out, err := execute(t, NewResolveCommand(testRootOptions("text")), "--db", db, "")
	require.NoError(t, err)
	assert.Equal(t, `"" -> `+string(ir.RootID)+" (application/json)\n", out)
}

func TestResolve_NotBound(t *testing.T) {
	db, _ := seedDatabase(t, seedFiles)

	for _, path := range []string{"missing.txt", "notes"} {
		t.Run(path, func(t *testing.T) {
			out, err := execute(t, NewResolveCommand(testRootOptions("json")), "--db", db, path)
			require.Error(t, err)
			assert.ErrorIs(t, err, pathindex.ErrNotBound)
			assert.Equal(t, ExitCommandError, GetExitCode(err))

			var resp CLIResponse
			require.NoError(t, json.Unmarshal([]byte(out), &resp))
			assert.Equal(t, "error", resp.Status)
			require.NotNil(t, resp.Error)
			assert.Equal(t, CodeNotBound, resp.Error.Code)
		})
	}
}

func TestShow(t *testing.T) {
	db, _ := seedDatabase(t, seedFiles)

	out, err := execute(t, NewShowCommand(testRootOptions("text")), "--db", db, "notes/todo.txt")
	require.NoError(t, err)
	assert.Equal(t, "milk\neggs\n", out)

	out, err = execute(t, NewShowCommand(testRootOptions("text")), "--db", db, "settings.json")
	require.NoError(t, err)
	assert.Equal(t, "{\"theme\":\"dark\"}\n", out)
}

func TestShow_JSON(t *testing.T) {
	db, ids := seedDatabase(t, seedFiles)

	out, err := execute(t, NewShowCommand(testRootOptions("json")), "--db", db, "notes/todo.txt")
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   ShowResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, ids["notes/todo.txt"], resp.Data.ID)
	assert.Equal(t, ir.KindText, resp.Data.Kind)
	assert.Equal(t, "milk\neggs\n", resp.Data.Content)
	assert.Equal(t, 1, resp.Data.Commits)
	assert.Contains(t, resp.Data.StateVector, "seed")
}

func TestShow_PathIndex(t *testing.T) {
	db, ids := seedDatabase(t, seedFiles)

	out, err := execute(t, NewShowCommand(testRootOptions("text")), "--db", db, "")
	require.NoError(t, err)

	var index map[string]map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &index))
	assert.Equal(t, string(ids["settings.json"]), index["settings.json"]["node_id"])
	assert.Equal(t, "application/json", index["settings.json"]["content_type"])
}

func TestWriteContent(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"a", "a\n"},
		{"a\n", "a\n"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		require.NoError(t, writeContent(&buf, tt.in))
		assert.Equal(t, tt.want, buf.String())
	}
}
