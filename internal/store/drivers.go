// ABOUTME: Registers the SQLite database/sql drivers the store can open
// ABOUTME: modernc is pure Go; mattn/go-sqlite3 is the cgo build selected by config

package store

import (
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names as registered with database/sql.
const (
	DriverModernc = "sqlite"
	DriverMattn   = "sqlite3"
)
