package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dshills/notesearch/pkg/types"
)

// Document projection operations

// upsertDocumentWithQuerier writes the projection row and its tag rows. The
// FTS row follows through the documents_ai/documents_au triggers.
func (s *SQLiteStorage) upsertDocumentWithQuerier(ctx context.Context, q querier, doc *types.Document) error {
	query := `
		INSERT INTO documents (id, title, body, tags, type, status, content_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			tags = excluded.tags,
			type = excluded.type,
			status = excluded.status,
			content_hash = excluded.content_hash,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`
	_, err := q.ExecContext(ctx, query,
		doc.ID, doc.Title, doc.Body, strings.Join(doc.Tags, " "), doc.Type, string(doc.Status),
		doc.ContentHash, toMillis(doc.CreatedAt), toMillis(doc.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}

	if _, err := q.ExecContext(ctx, "DELETE FROM document_tags WHERE document_id = ?", doc.ID); err != nil {
		return fmt.Errorf("failed to clear tags: %w", err)
	}
	for _, tag := range doc.Tags {
		if _, err := q.ExecContext(ctx,
			"INSERT INTO document_tags (document_id, tag) VALUES (?, ?)", doc.ID, tag); err != nil {
			return fmt.Errorf("failed to insert tag: %w", err)
		}
	}
	return nil
}

// UpsertDocument indexes doc, replacing any previous version. Callers
// normalize and validate the document first.
func (s *SQLiteStorage) UpsertDocument(ctx context.Context, doc *types.Document) error {
	return s.withTx(ctx, func(q querier) error {
		return s.upsertDocumentWithQuerier(ctx, q, doc)
	})
}

// getDocumentWithQuerier loads one projection row with its tags
func (s *SQLiteStorage) getDocumentWithQuerier(ctx context.Context, q querier, id string) (*types.Document, error) {
	query := `
		SELECT id, title, body, tags, type, status, content_hash, created_at, updated_at
		FROM documents
		WHERE id = ?
	`
	var doc types.Document
	var tags, status string
	var createdAt, updatedAt int64
	err := q.QueryRowContext(ctx, query, id).Scan(
		&doc.ID, &doc.Title, &doc.Body, &tags, &doc.Type, &status,
		&doc.ContentHash, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	doc.Tags = types.NormalizeTags(strings.Fields(tags))
	doc.Status = types.Status(status)
	doc.CreatedAt = fromMillis(createdAt)
	doc.UpdatedAt = fromMillis(updatedAt)
	return &doc, nil
}

// GetDocument returns the indexed projection of id
func (s *SQLiteStorage) GetDocument(ctx context.Context, id string) (*types.Document, error) {
	return s.getDocumentWithQuerier(ctx, s.querier(), id)
}

// deleteDocumentWithQuerier removes every row derived from the document
func (s *SQLiteStorage) deleteDocumentWithQuerier(ctx context.Context, q querier, id string) (bool, error) {
	for _, stmt := range []string{
		"DELETE FROM embeddings WHERE document_id = ?",
		"DELETE FROM embedding_jobs WHERE document_id = ?",
		"DELETE FROM document_tags WHERE document_id = ?",
	} {
		if _, err := q.ExecContext(ctx, stmt, id); err != nil {
			return false, fmt.Errorf("failed to delete document rows: %w", err)
		}
	}

	result, err := q.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("failed to delete document: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteDocument removes the document from the keyword index together with
// its embeddings and jobs. It reports whether a projection row existed.
func (s *SQLiteStorage) DeleteDocument(ctx context.Context, id string) (bool, error) {
	var existed bool
	err := s.withTx(ctx, func(q querier) error {
		var err error
		existed, err = s.deleteDocumentWithQuerier(ctx, q, id)
		return err
	})
	return existed, err
}

// DocumentExists reports whether id has a projection row
func (s *SQLiteStorage) DocumentExists(ctx context.Context, id string) (bool, error) {
	return documentExists(ctx, s.querier(), id)
}

func documentExists(ctx context.Context, q querier, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM documents WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListDocumentIDs returns every indexed document id in id order
func (s *SQLiteStorage) ListDocumentIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM documents ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetDocuments loads the projections for ids, skipping unknown ones
func (s *SQLiteStorage) GetDocuments(ctx context.Context, ids []string) (map[string]*types.Document, error) {
	out := make(map[string]*types.Document, len(ids))
	for _, id := range ids {
		doc, err := s.GetDocument(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = doc
	}
	return out, nil
}
