// ABOUTME: SQLite implementation of SessionStore using modernc.org/sqlite or mattn/go-sqlite3
// ABOUTME: Stores JSON documents per collection with json_extract filters and conditional updates

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SQLiteStore implements SessionStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path using the
// pure-Go driver. The schema is created if it doesn't exist.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return OpenSQLite(DriverModernc, path)
}

// OpenSQLite opens a SQLite store with the named database/sql driver.
// Parent directories are created if needed.
func OpenSQLite(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store", "driver", driver)

	if driver != DriverModernc && driver != DriverMattn {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers, which also keeps ":memory:"
	// databases shared across callers.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			created_at TEXT NOT NULL,
			data       TEXT NOT NULL,

			PRIMARY KEY (collection, id),
			CHECK (json_valid(data))
		);

		CREATE INDEX IF NOT EXISTS idx_documents_created
			ON documents(collection, created_at);

		CREATE INDEX IF NOT EXISTS idx_documents_owner
			ON documents(collection, json_extract(data, '$.userId'));

		CREATE INDEX IF NOT EXISTS idx_documents_status
			ON documents(collection, json_extract(data, '$.status'));
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('documents') WHERE name = 'updated_at'`,
			apply:  `ALTER TABLE documents ADD COLUMN updated_at TEXT`,
			column: "updated_at",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == sql.ErrNoRows {
			if _, err := s.db.Exec(m.apply); err != nil {
				return fmt.Errorf("adding column %s: %w", m.column, err)
			}
			s.logger.Info("applied migration", "column", m.column)
		} else if err != nil {
			return fmt.Errorf("checking column %s: %w", m.column, err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isConstraintViolation checks if an error is a SQLite constraint violation.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// Create inserts a new document.
// Returns ErrAlreadyExists if the collection already holds the id.
func (s *SQLiteStore) Create(ctx context.Context, collection, id string, fields any) error {
	data, err := encodeObject(fields)
	if err != nil {
		return err
	}

	now := formatTime(s.now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, created_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?)
	`, collection, id, now, now, string(data))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("creating %s/%s: %w", collection, id, err)
	}
	return nil
}

// Get retrieves a document by id.
// Returns ErrNotFound if the document doesn't exist.
func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	var data, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT data, created_at FROM documents WHERE collection = ? AND id = ?
	`, collection, id).Scan(&data, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s/%s: %w", collection, id, err)
	}
	return newDocument(collection, id, data, createdAt)
}

// Set creates or replaces a document, keeping the original creation time.
func (s *SQLiteStore) Set(ctx context.Context, collection, id string, fields any) error {
	data, err := encodeObject(fields)
	if err != nil {
		return err
	}

	now := formatTime(s.now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, created_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, collection, id, now, now, string(data))
	if err != nil {
		return fmt.Errorf("setting %s/%s: %w", collection, id, err)
	}
	return nil
}

// Update merges patch into an existing document.
func (s *SQLiteStore) Update(ctx context.Context, collection, id string, patch Patch) error {
	body, err := encodePatch(patch)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET data = json_patch(data, ?), updated_at = ?
		WHERE collection = ? AND id = ?
	`, string(body), formatTime(s.now()), collection, id)
	if err != nil {
		return fmt.Errorf("updating %s/%s: %w", collection, id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateIf merges patch only when the expected field value holds, as one statement.
func (s *SQLiteStore) UpdateIf(ctx context.Context, collection, id string, expect Filter, patch Patch) error {
	if err := validField(expect.Field); err != nil {
		return err
	}
	body, err := encodePatch(patch)
	if err != nil {
		return err
	}

	cond, condArgs := sqliteCondition(expect)
	args := append([]any{string(body), formatTime(s.now()), collection, id}, condArgs...)
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET data = json_patch(data, ?), updated_at = ?
		WHERE collection = ? AND id = ? AND `+cond, args...)
	if err != nil {
		return fmt.Errorf("conditionally updating %s/%s: %w", collection, id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return s.missOrConflict(ctx, collection, id)
	}

	s.logger.Debug("conditional update applied",
		"collection", collection, "id", id, "field", expect.Field)
	return nil
}

// UpdateIfStatus is UpdateIf on the status field.
func (s *SQLiteStore) UpdateIfStatus(ctx context.Context, collection, id, expected string, patch Patch) error {
	return s.UpdateIf(ctx, collection, id, Filter{Field: FieldStatus, Value: expected}, patch)
}

// missOrConflict distinguishes a missing document from a failed condition.
func (s *SQLiteStore) missOrConflict(ctx context.Context, collection, id string) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM documents WHERE collection = ? AND id = ?
	`, collection, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking %s/%s: %w", collection, id, err)
	}
	return ErrConflict
}

// Query returns documents matching all filters in the requested order.
func (s *SQLiteStore) Query(ctx context.Context, q Query) ([]*Document, error) {
	if err := validQuery(q); err != nil {
		return nil, err
	}

	var sb strings.Builder
	args := []any{q.Collection}
	sb.WriteString(`SELECT id, data, created_at FROM documents WHERE collection = ?`)
	for _, f := range q.Filters {
		cond, condArgs := sqliteCondition(f)
		sb.WriteString(" AND ")
		sb.WriteString(cond)
		args = append(args, condArgs...)
	}

	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	switch q.OrderBy {
	case "", FieldCreatedAt:
		sb.WriteString(" ORDER BY created_at " + dir + ", rowid " + dir)
	default:
		sb.WriteString(" ORDER BY json_extract(data, ?) " + dir + ", rowid " + dir)
		args = append(args, "$."+q.OrderBy)
	}
	if q.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", q.Collection, err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		var id, data, createdAt string
		if err := rows.Scan(&id, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", q.Collection, err)
		}
		doc, err := newDocument(q.Collection, id, data, createdAt)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", q.Collection, err)
	}
	return docs, nil
}

// Delete removes a document.
func (s *SQLiteStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", collection, id, err)
	}
	return nil
}

// sqliteCondition renders an equality filter against json_extract.
func sqliteCondition(f Filter) (string, []any) {
	path := "$." + f.Field
	if f.Value == nil {
		return "json_extract(data, ?) IS NULL", []any{path}
	}
	return "json_extract(data, ?) = ?", []any{path, sqliteValue(f.Value)}
}

// sqliteValue converts a filter value to what json_extract yields for it.
func sqliteValue(v any) any {
	switch tv := v.(type) {
	case bool:
		if tv {
			return 1
		}
		return 0
	case string, int, int32, int64, float64:
		return tv
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func newDocument(collection, id, data, createdAt string) (*Document, error) {
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at for %s/%s: %w", collection, id, err)
	}
	return &Document{
		Collection: collection,
		ID:         id,
		Data:       json.RawMessage(data),
		CreatedAt:  created,
	}, nil
}
