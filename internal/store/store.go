// ABOUTME: Session store contract shared by the SQLite, Postgres and in-memory backends
// ABOUTME: Documents are JSON objects grouped by collection with conditional status updates

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conditional update failed")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidField  = errors.New("invalid field name")
)

// Collections used by the orchestrator.
const (
	CollectionPairingSessions = "sessions"
	CollectionKeygenSessions  = "keygen_sessions"
	CollectionWallets         = "wallets"
	CollectionAgentTokens     = "agent_tokens"
	CollectionTransactions    = "transactions"
	CollectionAgentRequests   = "agent_requests"
	CollectionNotifications   = "notifications"
	CollectionDeviceTokens    = "device_tokens"
	CollectionBrowserTokens   = "browser_device_tokens"
)

// FieldStatus is the document field consulted by UpdateIfStatus.
const FieldStatus = "status"

// FieldCreatedAt orders documents by insertion time.
const FieldCreatedAt = "createdAt"

// Patch is a shallow set of field assignments merged into a document.
type Patch map[string]any

// Document is a stored record. Data holds the JSON object exactly as written.
type Document struct {
	Collection string
	ID         string
	Data       json.RawMessage
	CreatedAt  time.Time
}

// Decode unmarshals the document body into v.
func (d *Document) Decode(v any) error {
	if err := json.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("decoding %s/%s: %w", d.Collection, d.ID, err)
	}
	return nil
}

// Filter is an equality predicate on a top-level field.
// A nil Value matches documents where the field is missing or null.
type Filter struct {
	Field string
	Value any
}

// Query selects documents from one collection.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string // top-level field; "createdAt" uses insertion order
	Desc       bool
	Limit      int // 0 means no limit
}

// SessionStore is the storage substrate for every session type.
// UpdateIfStatus is the only primitive used for state transitions: two
// concurrent calls against the same id and expected status resolve with
// exactly one success, the loser observing ErrConflict.
type SessionStore interface {
	// Create inserts a new document; ErrAlreadyExists if the id is taken.
	Create(ctx context.Context, collection, id string, fields any) error

	// Get returns a document or ErrNotFound.
	Get(ctx context.Context, collection, id string) (*Document, error)

	// Set creates or replaces a document.
	Set(ctx context.Context, collection, id string, fields any) error

	// Update merges patch into an existing document; ErrNotFound if absent.
	Update(ctx context.Context, collection, id string, patch Patch) error

	// UpdateIf merges patch only when expect holds; ErrConflict otherwise.
	UpdateIf(ctx context.Context, collection, id string, expect Filter, patch Patch) error

	// UpdateIfStatus merges patch only when the document's status equals expected.
	UpdateIfStatus(ctx context.Context, collection, id, expected string, patch Patch) error

	// Query returns documents matching all filters.
	Query(ctx context.Context, q Query) ([]*Document, error)

	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validField rejects names that cannot be used as a JSON path segment.
func validField(name string) error {
	if !fieldNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidField, name)
	}
	return nil
}

func validQuery(q Query) error {
	if q.Collection == "" {
		return errors.New("query collection is required")
	}
	for _, f := range q.Filters {
		if err := validField(f.Field); err != nil {
			return err
		}
	}
	if q.OrderBy != "" {
		if err := validField(q.OrderBy); err != nil {
			return err
		}
	}
	return nil
}

// encodeObject marshals fields and verifies the result is a JSON object.
func encodeObject(fields any) ([]byte, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	if len(data) == 0 || data[0] != '{' {
		return nil, errors.New("document must encode to a JSON object")
	}
	return data, nil
}

// encodePatch marshals a patch after checking its field names.
func encodePatch(patch Patch) ([]byte, error) {
	for k := range patch {
		if err := validField(k); err != nil {
			return nil, err
		}
	}
	return encodeObject(patch)
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z07:00")
}

// TimestampLayout is how records store times: RFC 3339, UTC, milliseconds.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Timestamp formats t for storage in a record.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp reads a time written by Timestamp. Any RFC 3339 value is
// accepted so records written by other tools still parse.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
