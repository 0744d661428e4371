package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/roach88/commonplace/internal/crdt"
	"github.com/roach88/commonplace/internal/ir"
)

// LogEntry summarises one commit of a document.
type LogEntry struct {
	Seq       int64     `json:"seq"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	Hash      string    `json:"hash"`
	Bytes     int       `json:"bytes"`
	Added     int       `json:"added"`
	Removed   int       `json:"removed"`
}

// Log returns the history of a document, newest first.
func (e *Engine) Log(ctx context.Context, id ir.DocID, args LogArgs) ([]LogEntry, error) {
	rec, err := e.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	commits, err := e.store.Replay(ctx, id)
	if err != nil {
		return nil, err
	}
	return Timeline(rec.Kind, commits, args)
}

// Timeline replays commits in order and reports the line changes each one
// made to the materialized content, newest first.
func Timeline(kind ir.ContentKind, commits []ir.Commit, args LogArgs) ([]LogEntry, error) {
	doc, err := crdt.New(kind, "timeline")
	if err != nil {
		return nil, err
	}
	prev := doc.Materialize()
	entries := make([]LogEntry, 0, len(commits))
	for _, c := range commits {
		if _, err := doc.Apply(c.Update); err != nil {
			return nil, fmt.Errorf("commit %d: %w", c.Seq, err)
		}
		cur := doc.Materialize()
		added, removed := lineStats(prev, cur)
		prev = cur
		if c.Seq <= args.Since {
			continue
		}
		entries = append(entries, LogEntry{
			Seq:       c.Seq,
			Author:    c.Author,
			Timestamp: c.Timestamp,
			Hash:      ir.UpdateHash(c.Update),
			Bytes:     len(c.Update),
			Added:     added,
			Removed:   removed,
		})
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if args.Limit > 0 && len(entries) > args.Limit {
		entries = entries[:args.Limit]
	}
	return entries, nil
}

// lineStats counts the lines a line diff of before and after inserts and
// deletes. A replaced line counts once on each side.
func lineStats(before, after string) (added, removed int) {
	m := difflib.NewMatcher(splitLines(before), splitLines(after))
	for _, op := range m.GetOpCodes() {
		switch op.Tag {
		case 'r':
			removed += op.I2 - op.I1
			added += op.J2 - op.J1
		case 'd':
			removed += op.I2 - op.I1
		case 'i':
			added += op.J2 - op.J1
		}
	}
	return added, removed
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}
