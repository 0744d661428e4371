package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/commonplace/internal/crdt"
	"github.com/roach88/commonplace/internal/ir"
)

func TestLineStats(t *testing.T) {
	tests := []struct {
		name           string
		before, after  string
		added, removed int
	}{
		{"empty", "", "", 0, 0},
		{"first line", "", "a\n", 1, 0},
		{"append", "a\n", "a\nb\n", 1, 0},
		{"remove", "a\nb\n", "b\n", 0, 1},
		{"change", "a\nb\n", "a\nc\n", 1, 1},
		{"duplicate lines", "x\nx\n", "x\n", 0, 1},
		{"no trailing newline", "a", "a\nb", 1, 0},
		{"moved line", "a\nb\n", "b\na\n", 1, 1},
		{"insert between", "a\nc\n", "a\nb\nc\n", 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			added, removed := lineStats(tt.before, tt.after)
			assert.Equal(t, tt.added, added)
			assert.Equal(t, tt.removed, removed)
		})
	}
}

func TestTimeline(t *testing.T) {
	doc, err := crdt.New(ir.KindText, "w")
	require.NoError(t, err)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	var commits []ir.Commit
	add := func(update []byte, err error) {
		require.NoError(t, err)
		commits = append(commits, ir.Commit{
			DocID:     "d",
			Seq:       int64(len(commits) + 1),
			Update:    update,
			Author:    "w",
			Timestamp: ts,
		})
	}
	add(doc.Insert(0, "one\n"))
	add(doc.Insert(doc.Len(), "two\n"))
	add(doc.Replace("one\nTWO\n"))

	entries, err := Timeline(ir.KindText, commits, LogArgs{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []int64{3, 2, 1}, []int64{entries[0].Seq, entries[1].Seq, entries[2].Seq})
	assert.Equal(t, 1, entries[0].Added)
	assert.Equal(t, 1, entries[0].Removed)
	assert.Equal(t, ir.UpdateHash(commits[2].Update), entries[0].Hash)
	assert.Equal(t, ts, entries[2].Timestamp)

	entries, err = Timeline(ir.KindText, commits, LogArgs{Since: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(3), entries[0].Seq)
}

func TestTimelineRejectsCorruptCommit(t *testing.T) {
	_, err := Timeline(ir.KindText, []ir.Commit{{Seq: 1, Update: []byte{0xff}}}, LogArgs{})
	assert.ErrorIs(t, err, crdt.ErrDecode)
}
