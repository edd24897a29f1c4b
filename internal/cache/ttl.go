package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is the persisted envelope of a TTLCache value.
// ExpireAt is unix nanoseconds; a read at or after it is a miss.
type Entry[T any] struct {
	Value    T     `json:"value"`
	ExpireAt int64 `json:"expire_at"`
}

// Item is one hit of a GetMany call
type Item[T any] struct {
	Key   string
	Value T
}

// TTLCache stores values of one record type under a key namespace.
// The backend TTL only reclaims space; reads are decided by ExpireAt.
type TTLCache[T any] struct {
	backend   Backend
	namespace string
	ttl       time.Duration
	now       func() time.Time
}

// TTLOption configures a TTLCache
type TTLOption func(*ttlOptions)

type ttlOptions struct {
	now func() time.Time
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) TTLOption {
	return func(o *ttlOptions) { o.now = now }
}

// NewTTLCache creates a typed cache over backend. namespace prefixes every key.
func NewTTLCache[T any](backend Backend, namespace string, ttl time.Duration, opts ...TTLOption) *TTLCache[T] {
	o := ttlOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &TTLCache[T]{
		backend:   backend,
		namespace: namespace,
		ttl:       ttl,
		now:       o.now,
	}
}

// TTL returns the lifetime applied on every write
func (c *TTLCache[T]) TTL() time.Duration {
	return c.ttl
}

func (c *TTLCache[T]) key(id string) string {
	return c.namespace + id
}

// Get returns the live value for id. Expired and undecodable entries are
// misses and are deleted; only backend failures produce an error.
func (c *TTLCache[T]) Get(ctx context.Context, id string) (T, bool, error) {
	var zero T
	data, found, err := c.backend.Get(ctx, c.key(id))
	if err != nil || !found {
		return zero, false, err
	}

	entry, ok := c.decode(data)
	if !ok || c.expired(entry) {
		_ = c.backend.Delete(ctx, c.key(id))
		return zero, false, nil
	}
	return entry.Value, true, nil
}

// Set stores value with expireAt = now + ttl, replacing any previous entry
func (c *TTLCache[T]) Set(ctx context.Context, id string, value T) error {
	data, err := c.encode(value)
	if err != nil {
		return err
	}
	return c.backend.Set(ctx, c.key(id), data, c.ttl)
}

// SetMany stores every value with the same expiry
func (c *TTLCache[T]) SetMany(ctx context.Context, values map[string]T) error {
	if len(values) == 0 {
		return nil
	}
	items := make(map[string][]byte, len(values))
	for id, v := range values {
		data, err := c.encode(v)
		if err != nil {
			return err
		}
		items[c.key(id)] = data
	}
	return c.backend.SetMultiple(ctx, items, c.ttl)
}

// GetMany returns the live entries among ids in the order of ids.
// Missing, expired and corrupt entries are skipped.
func (c *TTLCache[T]) GetMany(ctx context.Context, ids []string) ([]Item[T], error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.key(id)
	}

	found, err := c.backend.GetMultiple(ctx, keys)
	if err != nil {
		return nil, err
	}

	items := make([]Item[T], 0, len(found))
	var stale []string
	for i, id := range ids {
		data, ok := found[keys[i]]
		if !ok {
			continue
		}
		entry, ok := c.decode(data)
		if !ok || c.expired(entry) {
			stale = append(stale, keys[i])
			continue
		}
		items = append(items, Item[T]{Key: id, Value: entry.Value})
	}
	for _, k := range stale {
		_ = c.backend.Delete(ctx, k)
	}
	return items, nil
}

// Delete removes id
func (c *TTLCache[T]) Delete(ctx context.Context, id string) error {
	return c.backend.Delete(ctx, c.key(id))
}

// Clear removes every entry of the namespace
func (c *TTLCache[T]) Clear(ctx context.Context) error {
	return c.backend.Clear(ctx, c.namespace)
}

func (c *TTLCache[T]) encode(value T) ([]byte, error) {
	entry := Entry[T]{Value: value, ExpireAt: c.now().Add(c.ttl).UnixNano()}
	return json.Marshal(entry)
}

func (c *TTLCache[T]) decode(data []byte) (Entry[T], bool) {
	var entry Entry[T]
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry[T]{}, false
	}
	return entry, entry.ExpireAt > 0
}

func (c *TTLCache[T]) expired(entry Entry[T]) bool {
	return c.now().UnixNano() >= entry.ExpireAt
}
