// Package store provides the session store used by every orchestrator.
//
// # Architecture
//
// SessionStore is a generic per-collection document store. A document is a JSON
// object addressed by (collection, id). Three backends implement it:
//
//   - SQLiteStore: single-file database, modernc.org/sqlite by default or
//     mattn/go-sqlite3 when the cgo driver is selected
//   - PostgresStore: one JSONB table behind a pgx pool
//   - MockStore: in-memory, for tests
//
// # State Transitions
//
// UpdateIfStatus is the only primitive orchestrators use to move a session out
// of a state. Each backend implements it as a single conditional statement:
//
//	UPDATE documents SET data = json_patch(data, ?)
//	WHERE collection = ? AND id = ? AND json_extract(data, '$.status') = ?
//
// Zero affected rows means another writer got there first (ErrConflict) or the
// document does not exist (ErrNotFound). No in-process locks are involved.
//
// # Queries
//
// Query supports equality filters on top-level fields, ordering by one field
// and a limit. Ordering by createdAt uses the insertion timestamp column.
// A nil filter value matches a missing or null field.
//
// # Encoding
//
// Callers write typed records; they are stored with their JSON field names and
// decoded back with Document.Decode. Amounts are decimal strings so they round
// trip exactly.
package store
