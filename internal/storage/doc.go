// Package storage provides SQLite-based persistence for the note search index.
//
// One database file holds everything the engine derives from the document
// store, so a delete can remove keyword, embedding and job rows in a single
// transaction.
//
// # Database Schema
//
// Tables:
//   - documents: keyword index projection (title, body, tags, type, status, content hash)
//   - document_tags: one row per (document, tag) for tag filters
//   - documents_fts: FTS5 external-content index over documents, kept in sync by triggers
//   - embeddings: current vector per (document, model), little-endian float32 BLOB
//   - embedding_jobs: work queue with at most one pending/processing job per document
//   - search_analytics: append-only search log with optional click attachment
//
// All time columns are unix milliseconds.
//
// # Basic Usage
//
//	db, err := storage.NewSQLiteStorage("notes.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	doc := &types.Document{ID: "n1", Title: "Groceries", Body: "milk, eggs"}
//	doc.Normalize()
//	if err := db.UpsertDocument(ctx, doc); err != nil {
//	    return err
//	}
//
//	rows, err := db.SearchKeyword(ctx, query.Parse("milk").Expression, 20,
//	    storage.DefaultBM25Weights(), types.Filters{})
//
// # Drivers
//
// The default build uses modernc.org/sqlite (pure Go). Building with
// -tags "sqlite_cgo,sqlite_fts5" switches to github.com/mattn/go-sqlite3.
//
// # Concurrency
//
// The pool is limited to a single connection. Methods that open a
// transaction use only that transaction until it ends.
package storage
