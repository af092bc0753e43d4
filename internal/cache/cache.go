// Package cache provides a cross-restart response cache for the local
// Ollama agent backend. Repeated queries (common across Intent,
// Reasoning, and Verifier rounds working from the same redacted query
// text) get a cache hit instead of a redundant model call.
//
// Two backing implementations are provided:
//   - memoryCache — in-memory only, used in tests and when no path is configured.
//   - boltCache   — embedded key-value store (bbolt), used in production.
//
// Adapted from the teacher's internal/anonymizer/cache.go PersistentCache:
// same Get/Set/Close shape and bbolt bucket mechanics, generalized from
// "original PII value -> anonymized token" to an opaque string key/value
// pair, and with Delete added to the interface itself (the teacher's
// PersistentCache omitted it even though its own S3-FIFO layer called
// backing.Delete — see s3fifo.go).
package cache

import (
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/superinstance/tripartite-council/internal/obslog"
)

// Cache is a cross-restart key/value store. All implementations must
// be safe for concurrent use.
type Cache interface {
	// Get returns the cached value for key, if present.
	Get(key string) (value string, ok bool)

	// Set stores key -> value. Overwrites any existing entry silently.
	Set(key, value string)

	// Delete removes key, if present.
	Delete(key string)

	// Close releases any resources held by the cache (e.g. file handles).
	Close() error
}

// --- memoryCache ---------------------------------------------------------

type memoryCache struct {
	mu    sync.RWMutex
	store map[string]string
}

// NewMemory returns an in-memory Cache with no persistence.
func NewMemory() Cache {
	return &memoryCache{store: make(map[string]string)}
}

func (c *memoryCache) Get(key string) (string, bool) {
	c.mu.RLock()
	v, ok := c.store[key]
	c.mu.RUnlock()
	return v, ok
}

func (c *memoryCache) Set(key, value string) {
	c.mu.Lock()
	c.store[key] = value
	c.mu.Unlock()
}

func (c *memoryCache) Delete(key string) {
	c.mu.Lock()
	delete(c.store, key)
	c.mu.Unlock()
}

func (c *memoryCache) Close() error { return nil }

// --- boltCache -------------------------------------------------------------

const boltBucket = "ollama_response_cache"

// boltCache is a Cache backed by an embedded bbolt database. Entries
// survive process restarts. The database file is created at the given
// path if it does not exist.
type boltCache struct {
	db  *bolt.DB
	log *obslog.Logger
}

// NewBolt opens (or creates) the bbolt database at path and ensures the
// bucket exists.
func NewBolt(path string) (Cache, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("cache: open bbolt %q: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("cache: create bucket: %w", err)
	}

	log := obslog.New("cache")
	log.Info().Str("path", path).Msg("persistent response cache opened")
	return &boltCache{db: db, log: log}, nil
}

func (c *boltCache) Get(key string) (string, bool) {
	var value string
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(key))
		if v != nil {
			value = string(v)
		}
		return nil
	})
	if err != nil {
		c.log.Error().Err(err).Msg("bbolt get error")
		return "", false
	}
	return value, value != ""
}

func (c *boltCache) Set(key, value string) {
	if err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		if b == nil {
			return fmt.Errorf("bucket %q not found", boltBucket)
		}
		return b.Put([]byte(key), []byte(value))
	}); err != nil {
		c.log.Error().Err(err).Msg("bbolt set error")
	}
}

func (c *boltCache) Delete(key string) {
	if err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	}); err != nil {
		c.log.Error().Err(err).Msg("bbolt delete error")
	}
}

func (c *boltCache) Close() error {
	return c.db.Close()
}
