package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/commonplace/internal/ir"
	"github.com/roach88/commonplace/internal/testutil"
)

// createTestStore creates a new store in a temp directory with a fixed clock.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	clock := testutil.NewClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), 0)
	s, err := Open(path, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestDocument registers a text document and returns its id.
func createTestDocument(t *testing.T, s *Store, id string) ir.DocID {
	t.Helper()
	_, err := s.CreateDocument(context.Background(), ir.DocID(id), ir.KindText)
	require.NoError(t, err)
	return ir.DocID(id)
}
