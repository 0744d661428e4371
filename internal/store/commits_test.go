package store

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/commonplace/internal/ir"
	"github.com/roach88/commonplace/internal/testutil"
)

func TestCreateDocument(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	doc, err := s.CreateDocument(ctx, "doc-1", ir.KindStructured)
	require.NoError(t, err)
	assert.Equal(t, ir.KindStructured, doc.Kind)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), doc.CreatedAt)

	got, err := s.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	_, err = s.CreateDocument(ctx, "doc-1", ir.KindText)
	assert.ErrorIs(t, err, ErrExists)

	_, err = s.CreateDocument(ctx, "doc-2", "binary")
	assert.Error(t, err)

	_, err = s.GetDocument(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListDocuments(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	docs, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	assert.NotNil(t, docs)
	assert.Empty(t, docs)

	createTestDocument(t, s, "b")
	createTestDocument(t, s, "a")

	docs, err = s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, ir.DocID("a"), docs[0].ID)
	assert.Equal(t, ir.DocID("b"), docs[1].ID)
}

func TestAppend_SequenceStartsAtOneWithoutGaps(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	id := createTestDocument(t, s, "doc")

	for i := 1; i <= 5; i++ {
		seq, err := s.Append(ctx, id, []byte{byte(i)}, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(i), seq)
	}

	commits, err := s.Range(ctx, id, 1)
	require.NoError(t, err)
	require.Len(t, commits, 5)
	for i, c := range commits {
		assert.Equal(t, int64(i+1), c.Seq)
		assert.Equal(t, []byte{byte(i + 1)}, c.Update)
		assert.Equal(t, "alice", c.Author)
		assert.Equal(t, id, c.DocID)
	}

	head, err := s.Head(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(5), head)
}

func TestAppend_PerDocumentSequences(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	a := createTestDocument(t, s, "a")
	b := createTestDocument(t, s, "b")

	seq, err := s.Append(ctx, a, []byte("x"), "p")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	seq, err = s.Append(ctx, b, []byte("y"), "p")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq, "sequences are independent per document")

	seq, err = s.Append(ctx, a, []byte("z"), "p")
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
}

func TestAppend_UnknownDocument(t *testing.T) {
	s := createTestStore(t)
	_, err := s.Append(context.Background(), "nope", []byte("x"), "p")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppend_ConcurrentWritersStayGapFree(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	id := createTestDocument(t, s, "doc")

	const writers, each = 8, 10
	var wg sync.WaitGroup
	errs := make(chan error, writers*each)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				if _, err := s.Append(ctx, id, []byte("u"), "w"); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append failed: %v", err)
	}

	commits, err := s.Range(ctx, id, 1)
	require.NoError(t, err)
	require.Len(t, commits, writers*each)
	for i, c := range commits {
		assert.Equal(t, int64(i+1), c.Seq)
	}
}

func TestRange_FromMiddleAndPastEnd(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	id := createTestDocument(t, s, "doc")
	for i := 0; i < 4; i++ {
		_, err := s.Append(ctx, id, []byte{byte(i)}, "p")
		require.NoError(t, err)
	}

	commits, err := s.Range(ctx, id, 3)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, int64(3), commits[0].Seq)

	commits, err = s.Range(ctx, id, 10)
	require.NoError(t, err)
	assert.NotNil(t, commits)
	assert.Empty(t, commits)

	commits, err = s.Range(ctx, id, 0)
	require.NoError(t, err)
	assert.Len(t, commits, 4)
}

func TestAppend_LargeUpdatesAreCompressed(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	id := createTestDocument(t, s, "doc")

	large := bytes.Repeat([]byte("commonplace "), 1000)
	_, err := s.Append(ctx, id, large, "p")
	require.NoError(t, err)
	_, err = s.Append(ctx, id, []byte("small"), "p")
	require.NoError(t, err)

	var encodings []string
	rows, err := s.db.Query(`SELECT encoding FROM commits WHERE doc_id = ? ORDER BY seq`, string(id))
	require.NoError(t, err)
	for rows.Next() {
		var e string
		require.NoError(t, rows.Scan(&e))
		encodings = append(encodings, e)
	}
	require.NoError(t, rows.Close())
	assert.Equal(t, []string{"zstd", "raw"}, encodings)

	commits, err := s.Replay(ctx, id)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, large, commits[0].Update)
	assert.Equal(t, []byte("small"), commits[1].Update)
}

func TestDeleteDocument_RemovesLog(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	id := createTestDocument(t, s, "doc")
	_, err := s.Append(ctx, id, []byte("x"), "p")
	require.NoError(t, err)

	require.NoError(t, s.DeleteDocument(ctx, id))

	_, err = s.GetDocument(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Replay(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM commits`).Scan(&n))
	assert.Zero(t, n)

	assert.ErrorIs(t, s.DeleteDocument(ctx, id), ErrNotFound)
}

func TestReplay_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.CreateDocument(ctx, "doc", ir.KindText)
	require.NoError(t, err)
	for _, u := range []string{"one", "two", "three"} {
		_, err := s.Append(ctx, "doc", []byte(u), "p")
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	commits, err := s.Replay(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, commits, 3)
	assert.Equal(t, []byte("three"), commits[2].Update)

	seq, err := s.Append(ctx, "doc", []byte("four"), "p")
	require.NoError(t, err)
	assert.Equal(t, int64(4), seq)
}

func TestDecodeBlob_UnknownEncoding(t *testing.T) {
	_, err := decodeBlob([]byte("x"), "lz4")
	assert.Error(t, err)
}

func TestAppend_TimestampsFromClock(t *testing.T) {
	clock := testutil.NewClock(testutil.Epoch, time.Second)
	s, err := Open(filepath.Join(t.TempDir(), "clock.db"), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	id := createTestDocument(t, s, "doc-1")
	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, id, []byte{byte(i)}, "r1")
		require.NoError(t, err)
	}

	commits, err := s.Replay(ctx, id)
	require.NoError(t, err)
	require.Len(t, commits, 3)
	for i, c := range commits {
		// reading 0 went to CreateDocument
		assert.Equal(t, testutil.Epoch.Add(time.Duration(i+1)*time.Second), c.Timestamp)
	}
}
