package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
)

// SQLiteStorage keeps the keyword projection, embeddings, the job queue and
// search analytics in a single SQLite file
type SQLiteStorage struct {
	db *sql.DB
	// reader serves search queries. For a file database it is a separate
	// query_only pool so WAL readers run beside each other and the writer;
	// in-memory databases share db.
	reader *sql.DB
}

// maxReaderConns bounds the read pool of a file database
const maxReaderConns = 4

// connectionPragmas run once on the single pooled connection
var connectionPragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
}

// openDatabase opens the writer for dbPath with one shared connection.
// Callers must never query s.db while a transaction or a result set is open
// on it.
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range connectionPragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

// openReader opens the read pool for dbPath, or returns nil for an in-memory
// database whose contents only the writer connection can see
func openReader(dbPath string) (*sql.DB, error) {
	if isMemoryPath(dbPath) {
		return nil, nil
	}
	db, err := sql.Open(DriverName, readerDSN(dbPath))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxReaderConns)
	db.SetMaxIdleConns(maxReaderConns)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func isMemoryPath(dbPath string) bool {
	return dbPath == "" || dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory")
}

// withParams appends DSN query parameters to dbPath
func withParams(dbPath string, params ...string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + strings.Join(params, "&")
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	reader, err := openReader(dbPath)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	if reader == nil {
		reader = db
	}

	return &SQLiteStorage{db: db, reader: reader}, nil
}

// Close closes the database connections
func (s *SQLiteStorage) Close() error {
	var readErr error
	if s.reader != s.db {
		readErr = s.reader.Close()
	}
	return errors.Join(s.db.Close(), readErr)
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// querier returns the DB querier
func (s *SQLiteStorage) querier() querier {
	return s.db
}

// withTx runs fn inside a transaction, committing on nil error
func (s *SQLiteStorage) withTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Stats counts documents, embeddings and jobs by status
func (s *SQLiteStorage) Stats(ctx context.Context, modelName string) (*Stats, error) {
	stats := &Stats{Jobs: make(map[JobStatus]int)}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&stats.Documents); err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}

	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM embeddings WHERE model_name = ?", modelName).Scan(&stats.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("failed to count embeddings: %w", err)
	}

	jobs, err := s.CountJobs(ctx)
	if err != nil {
		return nil, err
	}
	stats.Jobs = jobs

	var pageCount, pageSize int
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		_ = s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
		stats.IndexSizeMB = float64(pageCount*pageSize) / (1024 * 1024)
	}

	if v, err := currentSchemaVersion(ctx, s.db); err == nil {
		stats.SchemaVersion = v.String()
	}

	return stats, nil
}

// toMillis converts t to the unix-millisecond column representation
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// fromMillis is the inverse of toMillis
func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
