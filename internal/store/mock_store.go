// ABOUTME: In-memory SessionStore implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping conditional update semantics

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

type mockDoc struct {
	fields    map[string]json.RawMessage
	createdAt time.Time
	seq       int64
}

// MockStore is an in-memory SessionStore implementation for testing.
// Every operation holds the mutex, so UpdateIf is atomic like the SQL backends.
type MockStore struct {
	mu   sync.RWMutex
	docs map[string]map[string]*mockDoc // collection -> id -> doc
	seq  int64

	// Fail, when set, is returned by every subsequent call for the named operation.
	Fail map[string]error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		docs: make(map[string]map[string]*mockDoc),
		Fail: make(map[string]error),
	}
}

// SetFailure makes every later call of op ("Create", "Update", ...) return err.
// Passing nil clears the failure.
func (m *MockStore) SetFailure(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.Fail, op)
		return
	}
	m.Fail[op] = err
}

func (m *MockStore) failure(op string) error {
	return m.Fail[op]
}

func decodeFields(data []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func (m *MockStore) collection(name string) map[string]*mockDoc {
	c, ok := m.docs[name]
	if !ok {
		c = make(map[string]*mockDoc)
		m.docs[name] = c
	}
	return c
}

// Create stores a new document.
func (m *MockStore) Create(ctx context.Context, collection, id string, fields any) error {
	data, err := encodeObject(fields)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("Create"); err != nil {
		return err
	}

	c := m.collection(collection)
	if _, exists := c[id]; exists {
		return ErrAlreadyExists
	}
	decoded, err := decodeFields(data)
	if err != nil {
		return err
	}
	m.seq++
	c[id] = &mockDoc{fields: decoded, createdAt: time.Now().UTC(), seq: m.seq}
	return nil
}

// Get retrieves a document by ID.
func (m *MockStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("Get"); err != nil {
		return nil, err
	}

	d, ok := m.docs[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.document(collection, id)
}

// Set creates or replaces a document.
func (m *MockStore) Set(ctx context.Context, collection, id string, fields any) error {
	data, err := encodeObject(fields)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("Set"); err != nil {
		return err
	}

	decoded, err := decodeFields(data)
	if err != nil {
		return err
	}
	c := m.collection(collection)
	if existing, ok := c[id]; ok {
		existing.fields = decoded
		return nil
	}
	m.seq++
	c[id] = &mockDoc{fields: decoded, createdAt: time.Now().UTC(), seq: m.seq}
	return nil
}

// Update merges patch into an existing document.
func (m *MockStore) Update(ctx context.Context, collection, id string, patch Patch) error {
	body, err := encodePatch(patch)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("Update"); err != nil {
		return err
	}

	d, ok := m.docs[collection][id]
	if !ok {
		return ErrNotFound
	}
	return d.merge(body)
}

// UpdateIf merges patch only when expect holds.
func (m *MockStore) UpdateIf(ctx context.Context, collection, id string, expect Filter, patch Patch) error {
	if err := validField(expect.Field); err != nil {
		return err
	}
	body, err := encodePatch(patch)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("UpdateIf"); err != nil {
		return err
	}

	d, ok := m.docs[collection][id]
	if !ok {
		return ErrNotFound
	}
	if !d.matches(expect) {
		return ErrConflict
	}
	return d.merge(body)
}

// UpdateIfStatus is UpdateIf on the status field.
func (m *MockStore) UpdateIfStatus(ctx context.Context, collection, id, expected string, patch Patch) error {
	return m.UpdateIf(ctx, collection, id, Filter{Field: FieldStatus, Value: expected}, patch)
}

// Query returns documents matching all filters.
func (m *MockStore) Query(ctx context.Context, q Query) ([]*Document, error) {
	if err := validQuery(q); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("Query"); err != nil {
		return nil, err
	}

	type hit struct {
		id  string
		doc *mockDoc
	}
	var hits []hit
	for id, d := range m.docs[q.Collection] {
		ok := true
		for _, f := range q.Filters {
			if !d.matches(f) {
				ok = false
				break
			}
		}
		if ok {
			hits = append(hits, hit{id: id, doc: d})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i].doc, hits[j].doc
		if q.OrderBy != "" && q.OrderBy != FieldCreatedAt {
			av, bv := string(a.fields[q.OrderBy]), string(b.fields[q.OrderBy])
			if av != bv {
				if q.Desc {
					return av > bv
				}
				return av < bv
			}
		}
		if q.Desc {
			return a.seq > b.seq
		}
		return a.seq < b.seq
	})

	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}

	docs := make([]*Document, 0, len(hits))
	for _, h := range hits {
		doc, err := h.doc.document(q.Collection, h.id)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Delete removes a document.
func (m *MockStore) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("Delete"); err != nil {
		return err
	}
	delete(m.docs[collection], id)
	return nil
}

// Ping always succeeds unless a failure is configured.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failure("Ping")
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Count returns the number of documents in a collection.
func (m *MockStore) Count(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs[collection])
}

func (d *mockDoc) document(collection, id string) (*Document, error) {
	data, err := json.Marshal(d.fields)
	if err != nil {
		return nil, fmt.Errorf("encoding %s/%s: %w", collection, id, err)
	}
	return &Document{Collection: collection, ID: id, Data: data, CreatedAt: d.createdAt}, nil
}

// merge applies a merge patch; null values remove the field.
func (d *mockDoc) merge(body []byte) error {
	patch, err := decodeFields(body)
	if err != nil {
		return err
	}
	for k, v := range patch {
		if bytes.Equal(v, []byte("null")) {
			delete(d.fields, k)
			continue
		}
		d.fields[k] = v
	}
	return nil
}

func (d *mockDoc) matches(f Filter) bool {
	raw, ok := d.fields[f.Field]
	if f.Value == nil {
		return !ok || bytes.Equal(raw, []byte("null"))
	}
	if !ok {
		return false
	}
	want, err := json.Marshal(f.Value)
	if err != nil {
		return false
	}
	return bytes.Equal(bytes.TrimSpace(raw), want)
}
