package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dshills/notesearch/pkg/types"
)

// Embedding operations

// replaceEmbeddingWithQuerier swaps the vector in a single statement so
// readers see either the old or the new row
func (s *SQLiteStorage) replaceEmbeddingWithQuerier(ctx context.Context, q querier, e *Embedding) error {
	query := `
		INSERT INTO embeddings (document_id, model_name, dims, vector, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id, model_name) DO UPDATE SET
			dims = excluded.dims,
			vector = excluded.vector,
			content_hash = excluded.content_hash,
			created_at = excluded.created_at
	`
	if e.Dims == 0 {
		e.Dims = len(e.Vector)
	}
	_, err := q.ExecContext(ctx, query,
		e.DocumentID, e.ModelName, e.Dims, serializeVector(e.Vector), e.ContentHash, toMillis(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to replace embedding: %w", err)
	}
	return nil
}

// ReplaceEmbedding stores e as the current vector for its document and model
func (s *SQLiteStorage) ReplaceEmbedding(ctx context.Context, e *Embedding) error {
	return s.replaceEmbeddingWithQuerier(ctx, s.querier(), e)
}

func (s *SQLiteStorage) getEmbeddingWithQuerier(ctx context.Context, q querier, documentID, model string) (*Embedding, error) {
	query := `
		SELECT document_id, model_name, dims, vector, content_hash, created_at
		FROM embeddings
		WHERE document_id = ? AND model_name = ?
	`
	var e Embedding
	var blob []byte
	var createdAt int64
	err := q.QueryRowContext(ctx, query, documentID, model).Scan(
		&e.DocumentID, &e.ModelName, &e.Dims, &blob, &e.ContentHash, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if e.Vector, err = deserializeVector(blob); err != nil {
		return nil, fmt.Errorf("embedding %s/%s: %w", documentID, model, err)
	}
	e.CreatedAt = fromMillis(createdAt)
	return &e, nil
}

// GetEmbedding returns the current vector for documentID under model
func (s *SQLiteStorage) GetEmbedding(ctx context.Context, documentID, model string) (*Embedding, error) {
	return s.getEmbeddingWithQuerier(ctx, s.querier(), documentID, model)
}

// DeleteEmbeddings removes every model's vector for documentID
func (s *SQLiteStorage) DeleteEmbeddings(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM embeddings WHERE document_id = ?", documentID)
	if err != nil {
		return fmt.Errorf("failed to delete embeddings: %w", err)
	}
	return nil
}

// SearchVector returns the limit documents most similar to queryVector
func (s *SQLiteStorage) SearchVector(ctx context.Context, model string, queryVector []float32, limit int, filters types.Filters) ([]VectorResult, error) {
	return searchVector(ctx, s.reader, model, queryVector, limit, filters)
}
