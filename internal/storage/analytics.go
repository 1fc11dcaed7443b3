package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Search analytics operations

// InsertSearchEvents appends a batch of events in one transaction
func (s *SQLiteStorage) InsertSearchEvents(ctx context.Context, events []SearchEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.withTx(ctx, func(q querier) error {
		for i := range events {
			e := &events[i]
			_, err := q.ExecContext(ctx, `
				INSERT INTO search_analytics (id, query_text, mode, result_count, latency_ms, degraded_flags, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, e.ID, e.QueryText, e.Mode, e.ResultCount, e.LatencyMs,
				strings.Join(e.DegradedFlags, ","), toMillis(e.CreatedAt))
			if err != nil {
				return fmt.Errorf("failed to insert search event: %w", err)
			}
		}
		return nil
	})
}

// RecordClick attaches a clicked document to an existing event
func (s *SQLiteStorage) RecordClick(ctx context.Context, eventID, documentID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE search_analytics SET clicked_document_id = ?, clicked_at = ? WHERE id = ?
	`, documentID, toMillis(at), eventID)
	if err != nil {
		return fmt.Errorf("failed to record click: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const eventColumns = `id, query_text, mode, result_count, latency_ms, degraded_flags, clicked_document_id, clicked_at, created_at`

func scanEvent(r rowScanner) (*SearchEvent, error) {
	var e SearchEvent
	var flags string
	var clicked sql.NullString
	var clickedAt sql.NullInt64
	var createdAt int64
	if err := r.Scan(&e.ID, &e.QueryText, &e.Mode, &e.ResultCount, &e.LatencyMs,
		&flags, &clicked, &clickedAt, &createdAt); err != nil {
		return nil, err
	}
	if flags != "" {
		e.DegradedFlags = strings.Split(flags, ",")
	}
	e.ClickedDocumentID = clicked.String
	e.ClickedAt = fromMillis(clickedAt.Int64)
	e.CreatedAt = fromMillis(createdAt)
	return &e, nil
}

// SearchEvents returns events created within [from, to]; zero bounds are open
func (s *SQLiteStorage) SearchEvents(ctx context.Context, from, to time.Time) ([]SearchEvent, error) {
	query := "SELECT " + eventColumns + " FROM search_analytics WHERE 1=1"
	var args []interface{}
	if !from.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, toMillis(from))
	}
	if !to.IsZero() {
		query += " AND created_at <= ?"
		args = append(args, toMillis(to))
	}
	query += " ORDER BY created_at ASC, id ASC"
	return s.queryEvents(ctx, query, args...)
}

// RecentSearchEvents returns the newest limit events
func (s *SQLiteStorage) RecentSearchEvents(ctx context.Context, limit int) ([]SearchEvent, error) {
	return s.queryEvents(ctx,
		"SELECT "+eventColumns+" FROM search_analytics ORDER BY created_at DESC, id DESC LIMIT ?", limit)
}

// GetSearchEvent returns one event by id
func (s *SQLiteStorage) GetSearchEvent(ctx context.Context, id string) (*SearchEvent, error) {
	e, err := scanEvent(s.db.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM search_analytics WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *SQLiteStorage) queryEvents(ctx context.Context, query string, args ...interface{}) ([]SearchEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query search events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []SearchEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan search event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}
