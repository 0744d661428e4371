package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/commonplace/internal/ir"
)

// Append durably records update as the next commit of the document and
// returns its sequence number. The number is assigned inside the same
// transaction that persists the row, so it exists only once flushed.
func (s *Store) Append(ctx context.Context, id ir.DocID, update []byte, author string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append %s: begin: %w", id, err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE id = ?`, string(id)).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("append %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("append %s: %w", id, err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM commits WHERE doc_id = ?
	`, string(id)).Scan(&seq); err != nil {
		return 0, fmt.Errorf("append %s: next seq: %w", id, err)
	}

	blob, encoding := encodeBlob(update)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO commits (doc_id, seq, update_blob, encoding, hash, author, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		string(id),
		seq,
		blob,
		encoding,
		ir.UpdateHash(update),
		author,
		s.now().UTC().UnixMilli(),
	); err != nil {
		return 0, fmt.Errorf("append %s: insert: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append %s: commit: %w", id, err)
	}
	return seq, nil
}

// Range returns the commits of a document with seq >= from, ordered by seq.
// Returns an empty slice (not nil) when there is nothing to return.
func (s *Store) Range(ctx context.Context, id ir.DocID, from int64) ([]ir.Commit, error) {
	if from < 1 {
		from = 1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id, seq, update_blob, encoding, author, created_at
		FROM commits
		WHERE doc_id = ? AND seq >= ?
		ORDER BY seq ASC
	`, string(id), from)
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", id, err)
	}
	defer rows.Close()

	commits := []ir.Commit{}
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, fmt.Errorf("range %s: %w", id, err)
		}
		commits = append(commits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commits: %w", err)
	}
	return commits, nil
}

// Replay returns the full ordered log of a document, used to rebuild its
// in-memory state after a restart.
func (s *Store) Replay(ctx context.Context, id ir.DocID) ([]ir.Commit, error) {
	if _, err := s.GetDocument(ctx, id); err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	return s.Range(ctx, id, 1)
}

// Head returns the highest sequence number of a document, or 0 when the
// log is empty.
func (s *Store) Head(ctx context.Context, id ir.DocID) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM commits WHERE doc_id = ?
	`, string(id)).Scan(&seq); err != nil {
		return 0, fmt.Errorf("head %s: %w", id, err)
	}
	return seq, nil
}

func scanCommit(row scanner) (ir.Commit, error) {
	var (
		docID, encoding, author string
		seq, created            int64
		blob                    []byte
	)
	if err := row.Scan(&docID, &seq, &blob, &encoding, &author, &created); err != nil {
		return ir.Commit{}, err
	}
	update, err := decodeBlob(blob, encoding)
	if err != nil {
		return ir.Commit{}, fmt.Errorf("commit %s#%d: %w", docID, seq, err)
	}
	return ir.Commit{
		DocID:     ir.DocID(docID),
		Seq:       seq,
		Update:    update,
		Author:    author,
		Timestamp: time.UnixMilli(created).UTC(),
	}, nil
}
