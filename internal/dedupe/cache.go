// ABOUTME: Thread-safe TTL cache for Idempotency-Key replay of create requests
// ABOUTME: A key is reserved while its request runs and then remembers the created record id

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// State is the outcome of Reserve.
type State int

const (
	// Reserved means the caller owns the key and must Complete or Release it.
	Reserved State = iota
	// Pending means another request holds the key and has not finished.
	Pending
	// Done means the key already produced a record; its id is returned.
	Done
)

type cacheEntry struct {
	value   string
	pending bool
	stored  time.Time
	element *list.Element
}

// Cache maps idempotency keys to the id of the record their first request
// created. Entries live for ttl and the oldest are evicted past maxSize.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache. A background goroutine drops expired entries until
// Close is called.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Reserve claims key for the caller unless a live entry already holds it.
// The returned value is only meaningful with Done.
func (c *Cache) Reserve(key string) (State, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && c.now().Sub(e.stored) < c.ttl {
		if e.pending {
			return Pending, ""
		}
		return Done, e.value
	}

	c.storeLocked(key, "", true)
	return Reserved, ""
}

// Complete records the id produced for a reserved key.
func (c *Cache) Complete(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(key, value, false)
}

// Release forgets a reservation whose request failed so the client can retry.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && e.pending {
		c.removeLocked(key, e)
	}
}

// Len reports the number of entries, expired ones included until cleanup.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) storeLocked(key, value string, pending bool) {
	now := c.now()
	if e, ok := c.entries[key]; ok {
		e.value, e.pending, e.stored = value, pending, now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			c.removeLocked(oldest, c.entries[oldest])
		}
	}

	c.entries[key] = &cacheEntry{
		value:   value,
		pending: pending,
		stored:  now,
		element: c.order.PushBack(key),
	}
}

func (c *Cache) removeLocked(key string, e *cacheEntry) {
	c.order.Remove(e.element)
	delete(c.entries, key)
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, e := range c.entries {
		if now.Sub(e.stored) >= c.ttl {
			c.removeLocked(key, e)
		}
	}
}

// Close stops the cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
