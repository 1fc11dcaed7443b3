package storage

import (
	"strings"

	"github.com/dshills/notesearch/pkg/types"
)

// applyDocumentFilters appends WHERE conditions for filters against the
// documents table aliased as alias. The query must already contain a WHERE.
func applyDocumentFilters(query string, args []interface{}, alias string, filters types.Filters) (string, []interface{}) {
	for _, tag := range types.NormalizeTags(filters.Tags) {
		query += " AND EXISTS (SELECT 1 FROM document_tags dt WHERE dt.document_id = " + alias + ".id AND dt.tag = ?)"
		args = append(args, tag)
	}

	if filters.Type != "" {
		query += " AND " + alias + ".type = ?"
		args = append(args, strings.ToLower(strings.TrimSpace(filters.Type)))
	}

	if filters.Status != "" {
		query += " AND " + alias + ".status = ?"
		args = append(args, string(filters.Status))
	}

	if !filters.DateRange.From.IsZero() {
		query += " AND " + alias + ".created_at >= ?"
		args = append(args, toMillis(filters.DateRange.From))
	}
	if !filters.DateRange.To.IsZero() {
		query += " AND " + alias + ".created_at <= ?"
		args = append(args, toMillis(filters.DateRange.To))
	}

	return query, args
}
