// ABOUTME: Postgres implementation of SessionStore using a pgx connection pool
// ABOUTME: Documents live in one JSONB table; conditions use containment so types compare exactly

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// PostgresStore implements SessionStore on Postgres.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgresStore connects to dsn, verifies the connection and ensures the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store", "driver", "postgres")

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger, now: time.Now}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("Postgres store initialized")
	return s, nil
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT        NOT NULL,
			id         TEXT        NOT NULL,
			seq        BIGSERIAL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			data       JSONB       NOT NULL,
			PRIMARY KEY (collection, id)
		);
		CREATE INDEX IF NOT EXISTS idx_documents_created ON documents (collection, created_at, seq);
		CREATE INDEX IF NOT EXISTS idx_documents_data ON documents USING GIN (data jsonb_path_ops);
	`)
	return err
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.logger.Info("closing Postgres store")
	s.pool.Close()
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Stat reports connection pool usage.
func (s *PostgresStore) Stat() *pgxpool.Stat {
	return s.pool.Stat()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// Create inserts a new document.
func (s *PostgresStore) Create(ctx context.Context, collection, id string, fields any) error {
	data, err := encodeObject(fields)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO documents (collection, id, created_at, updated_at, data)
		VALUES ($1, $2, $3, $3, $4::jsonb)
	`, collection, id, now, string(data))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("creating %s/%s: %w", collection, id, err)
	}
	return nil
}

// Get retrieves a document by id.
func (s *PostgresStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	var data []byte
	var createdAt time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT data, created_at FROM documents WHERE collection = $1 AND id = $2
	`, collection, id).Scan(&data, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s/%s: %w", collection, id, err)
	}
	return &Document{Collection: collection, ID: id, Data: data, CreatedAt: createdAt.UTC()}, nil
}

// Set creates or replaces a document.
func (s *PostgresStore) Set(ctx context.Context, collection, id string, fields any) error {
	data, err := encodeObject(fields)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO documents (collection, id, created_at, updated_at, data)
		VALUES ($1, $2, $3, $3, $4::jsonb)
		ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
	`, collection, id, now, string(data))
	if err != nil {
		return fmt.Errorf("setting %s/%s: %w", collection, id, err)
	}
	return nil
}

// Update merges patch into an existing document.
func (s *PostgresStore) Update(ctx context.Context, collection, id string, patch Patch) error {
	body, err := encodePatch(patch)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents SET data = data || $1::jsonb, updated_at = $2
		WHERE collection = $3 AND id = $4
	`, string(body), s.now().UTC(), collection, id)
	if err != nil {
		return fmt.Errorf("updating %s/%s: %w", collection, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateIf merges patch only when expect holds, as one statement.
func (s *PostgresStore) UpdateIf(ctx context.Context, collection, id string, expect Filter, patch Patch) error {
	if err := validField(expect.Field); err != nil {
		return err
	}
	body, err := encodePatch(patch)
	if err != nil {
		return err
	}

	args := []any{string(body), s.now().UTC(), collection, id}
	cond, args, err := pgCondition(expect, args)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents SET data = data || $1::jsonb, updated_at = $2
		WHERE collection = $3 AND id = $4 AND `+cond, args...)
	if err != nil {
		return fmt.Errorf("conditionally updating %s/%s: %w", collection, id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists int
		err := s.pool.QueryRow(ctx, `SELECT 1 FROM documents WHERE collection = $1 AND id = $2`, collection, id).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking %s/%s: %w", collection, id, err)
		}
		return ErrConflict
	}
	return nil
}

// UpdateIfStatus is UpdateIf on the status field.
func (s *PostgresStore) UpdateIfStatus(ctx context.Context, collection, id, expected string, patch Patch) error {
	return s.UpdateIf(ctx, collection, id, Filter{Field: FieldStatus, Value: expected}, patch)
}

// Query returns documents matching all filters in the requested order.
func (s *PostgresStore) Query(ctx context.Context, q Query) ([]*Document, error) {
	if err := validQuery(q); err != nil {
		return nil, err
	}

	var sb strings.Builder
	args := []any{q.Collection}
	sb.WriteString(`SELECT id, data, created_at FROM documents WHERE collection = $1`)
	for _, f := range q.Filters {
		var cond string
		var err error
		cond, args, err = pgCondition(f, args)
		if err != nil {
			return nil, err
		}
		sb.WriteString(" AND ")
		sb.WriteString(cond)
	}

	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	switch q.OrderBy {
	case "", FieldCreatedAt:
		sb.WriteString(" ORDER BY created_at " + dir + ", seq " + dir)
	default:
		args = append(args, q.OrderBy)
		sb.WriteString(" ORDER BY data->$" + strconv.Itoa(len(args)) + " " + dir + ", seq " + dir)
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sb.WriteString(" LIMIT $" + strconv.Itoa(len(args)))
	}

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", q.Collection, err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		var id string
		var data []byte
		var createdAt time.Time
		if err := rows.Scan(&id, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", q.Collection, err)
		}
		docs = append(docs, &Document{Collection: q.Collection, ID: id, Data: data, CreatedAt: createdAt.UTC()})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", q.Collection, err)
	}
	return docs, nil
}

// Delete removes a document.
func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", collection, id, err)
	}
	return nil
}

// pgCondition appends the arguments for f and returns its SQL predicate.
func pgCondition(f Filter, args []any) (string, []any, error) {
	if f.Value == nil {
		args = append(args, f.Field)
		return "coalesce(data->$" + strconv.Itoa(len(args)) + ", 'null'::jsonb) = 'null'::jsonb", args, nil
	}
	probe, err := json.Marshal(map[string]any{f.Field: f.Value})
	if err != nil {
		return "", nil, fmt.Errorf("encoding filter %s: %w", f.Field, err)
	}
	args = append(args, string(probe))
	return "data @> $" + strconv.Itoa(len(args)) + "::jsonb", args, nil
}
