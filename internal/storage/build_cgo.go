//go:build sqlite_cgo

package storage

// This file is compiled when building with CGO and the sqlite_cgo tag.
//
// Build command:
//   CGO_ENABLED=1 go build -tags "sqlite_cgo,sqlite_fts5" ./...
//
// mattn/go-sqlite3 only compiles FTS5 in when sqlite_fts5 is set.
//
// Driver used: github.com/mattn/go-sqlite3

import (
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite3"

	// BuildMode describes the current build configuration
	BuildMode = "cgo"
)

// readerDSN opens dbPath for the read pool
func readerDSN(dbPath string) string {
	return withParams(dbPath, "_busy_timeout=5000", "_query_only=1")
}
