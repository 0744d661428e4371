package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/commonplace/internal/ir"
)

// CreateDocument registers a new document identity with its content kind.
// Returns ErrExists if the identity is already taken.
func (s *Store) CreateDocument(ctx context.Context, id ir.DocID, kind ir.ContentKind) (ir.Document, error) {
	if !kind.Valid() {
		return ir.Document{}, fmt.Errorf("create document %s: unknown content kind %q", id, kind)
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, kind, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, string(id), string(kind), now.UnixMilli())
	if err != nil {
		return ir.Document{}, fmt.Errorf("create document %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ir.Document{}, fmt.Errorf("create document %s: %w", id, err)
	}
	if n == 0 {
		return ir.Document{}, fmt.Errorf("create document %s: %w", id, ErrExists)
	}
	return ir.Document{ID: id, Kind: kind, CreatedAt: time.UnixMilli(now.UnixMilli()).UTC()}, nil
}

// GetDocument returns the document record or ErrNotFound.
func (s *Store) GetDocument(ctx context.Context, id ir.DocID) (ir.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, created_at FROM documents WHERE id = ?
	`, string(id))
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Document{}, fmt.Errorf("get document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ir.Document{}, fmt.Errorf("get document %s: %w", id, err)
	}
	return doc, nil
}

// ListDocuments returns every document ordered by identity.
// Returns an empty slice (not nil) when the log is empty.
func (s *Store) ListDocuments(ctx context.Context) ([]ir.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, created_at FROM documents ORDER BY id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := []ir.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("list documents: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// DeleteDocument removes a document and its whole commit log.
func (s *Store) DeleteDocument(ctx context.Context, id ir.DocID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("delete document %s: %w", id, ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (ir.Document, error) {
	var (
		id, kind string
		created  int64
	)
	if err := row.Scan(&id, &kind, &created); err != nil {
		return ir.Document{}, err
	}
	return ir.Document{
		ID:        ir.DocID(id),
		Kind:      ir.ContentKind(kind),
		CreatedAt: time.UnixMilli(created).UTC(),
	}, nil
}
