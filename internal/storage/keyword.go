package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dshills/notesearch/pkg/types"
)

// SearchKeyword runs an FTS5 MATCH expression and returns rows ordered by
// weighted BM25. The expression must come from the query sanitizer.
func (s *SQLiteStorage) SearchKeyword(ctx context.Context, expression string, limit int, weights BM25Weights, filters types.Filters) ([]KeywordRow, error) {
	if expression == "" || limit <= 0 {
		return []KeywordRow{}, nil
	}

	query := `
		SELECT d.id, d.title, d.body, -bm25(documents_fts, ` + formatWeight(weights.Title) + `, ` +
		formatWeight(weights.Body) + `, ` + formatWeight(weights.Tags) + `) AS score
		FROM documents_fts
		INNER JOIN documents d ON d.seq = documents_fts.rowid
		WHERE documents_fts MATCH ?
	`
	args := []interface{}{expression}

	query, args = applyDocumentFilters(query, args, "d", filters)

	query += " ORDER BY score DESC, d.id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute text search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]KeywordRow, 0, limit)
	for rows.Next() {
		var row KeywordRow
		if err := rows.Scan(&row.DocumentID, &row.Title, &row.Body, &row.Score); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read text results: %w", err)
	}
	return results, nil
}

// Suggestion is a title completion candidate
type Suggestion struct {
	DocumentID string
	Title      string
}

// SuggestTitles returns documents whose titles best match expression
func (s *SQLiteStorage) SuggestTitles(ctx context.Context, expression string, limit int) ([]Suggestion, error) {
	if expression == "" || limit <= 0 {
		return []Suggestion{}, nil
	}

	// Title-only weighting so body matches do not outrank title matches
	query := `
		SELECT d.id, d.title
		FROM documents_fts
		INNER JOIN documents d ON d.seq = documents_fts.rowid
		WHERE documents_fts MATCH ? AND d.title != ''
		ORDER BY bm25(documents_fts, 1.0, 0.0, 0.0) ASC, d.updated_at DESC, d.id ASC
		LIMIT ?
	`
	rows, err := s.reader.QueryContext(ctx, query, expression, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest titles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Suggestion, 0, limit)
	for rows.Next() {
		var sg Suggestion
		if err := rows.Scan(&sg.DocumentID, &sg.Title); err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

// SuggestTags returns tags starting with prefix, most used first
func (s *SQLiteStorage) SuggestTags(ctx context.Context, prefix string, limit int) ([]string, error) {
	if limit <= 0 {
		return []string{}, nil
	}
	escaped := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(prefix)
	rows, err := s.reader.QueryContext(ctx, `
		SELECT tag FROM document_tags
		WHERE tag LIKE ? ESCAPE '\'
		GROUP BY tag
		ORDER BY COUNT(*) DESC, tag ASC
		LIMIT ?
	`, escaped+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest tags: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]string, 0, limit)
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		out = append(out, tag)
	}
	return out, rows.Err()
}

// CheckKeywordIntegrity runs the FTS5 integrity-check command
func (s *SQLiteStorage) CheckKeywordIntegrity(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "INSERT INTO documents_fts(documents_fts) VALUES('integrity-check')"); err != nil {
		return fmt.Errorf("keyword index integrity check failed: %w", err)
	}
	return nil
}

// RebuildKeywordIndex reconstructs the FTS5 index from the documents table
func (s *SQLiteStorage) RebuildKeywordIndex(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "INSERT INTO documents_fts(documents_fts) VALUES('rebuild')"); err != nil {
		return fmt.Errorf("failed to rebuild keyword index: %w", err)
	}
	return nil
}

// formatWeight renders a BM25 column weight as a SQL literal
func formatWeight(w float64) string {
	if w < 0 {
		w = 0
	}
	return strconv.FormatFloat(w, 'f', -1, 64)
}
