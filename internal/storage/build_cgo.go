//go:build cgo_sqlite
// +build cgo_sqlite

package storage

// Compiled with the cgo_sqlite tag. Links the C SQLite through
// github.com/mattn/go-sqlite3, which needs the fts5 tag for full-text search:
//
//   CGO_ENABLED=1 go build -tags "cgo_sqlite,sqlite_fts5" ./...

import (
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite3"

	// BuildMode describes the current build configuration
	BuildMode = "cgo"
)
