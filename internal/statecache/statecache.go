// Package statecache is the in-memory Alert State Cache: each alert's latest
// decision, held in a golang-lru cache with optional LRU or TTL eviction.
package statecache

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/linnemanlabs/warden/internal/triage"
)

// shardCount is the number of put locks. Entries live in one shared store, so
// MaxEntries is a global bound.
const shardCount = 32

// Policy selects how entries leave the cache.
type Policy string

const (
	PolicyNone Policy = "none"
	PolicyLRU  Policy = "lru"
	PolicyTTL  Policy = "ttl"
)

// ParsePolicy parses a cacheEvictionPolicy value.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyNone, PolicyLRU, PolicyTTL:
		return p, nil
	}
	return "", fmt.Errorf("unknown cache eviction policy %q (want none, lru or ttl)", s)
}

// Options configures a Cache.
type Options struct {
	Policy Policy

	// MaxEntries bounds the cache under PolicyLRU.
	MaxEntries int

	// TTL is the entry lifetime under PolicyTTL.
	TTL time.Duration
}

// Validate checks that the options are consistent with the policy.
func (o Options) Validate() error {
	switch o.Policy {
	case PolicyNone, "":
	case PolicyLRU:
		if o.MaxEntries <= 0 {
			return fmt.Errorf("lru eviction requires max entries > 0, got %d", o.MaxEntries)
		}
	case PolicyTTL:
		if o.TTL <= 0 {
			return fmt.Errorf("ttl eviction requires ttl > 0, got %s", o.TTL)
		}
	default:
		return fmt.Errorf("unknown cache eviction policy %q", o.Policy)
	}
	return nil
}

// store is the subset of the golang-lru caches the Cache relies on.
type store interface {
	Add(key string, value triage.CacheEntry) bool
	Get(key string) (triage.CacheEntry, bool)
	Peek(key string) (triage.CacheEntry, bool)
	Len() int
}

// Cache implements triage.StateCache.
type Cache struct {
	locks  [shardCount]sync.Mutex
	policy Policy
	items  store
}

// New builds a cache. Invalid options are rejected.
func New(opts Options) (*Cache, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	c := &Cache{policy: opts.Policy}
	if c.policy == "" {
		c.policy = PolicyNone
	}

	switch c.policy {
	case PolicyLRU:
		l, err := lru.New[string, triage.CacheEntry](opts.MaxEntries)
		if err != nil {
			return nil, fmt.Errorf("lru cache: %w", err)
		}
		c.items = l
	case PolicyTTL:
		// expirable sweeps expired entries in the background
		c.items = expirable.NewLRU[string, triage.CacheEntry](0, nil, opts.TTL)
	default:
		c.items = expirable.NewLRU[string, triage.CacheEntry](0, nil, 0)
	}
	return c, nil
}

func (c *Cache) lock(key string) *sync.Mutex {
	return &c.locks[xxhash.Sum64String(key)%shardCount]
}

// Put stores e unless a newer entry (by Seq) is already cached. Entries with
// an unknown status or severity are ignored.
func (c *Cache) Put(alertID string, e triage.CacheEntry) {
	if !e.Valid() {
		return
	}
	mu := c.lock(alertID)
	mu.Lock()
	defer mu.Unlock()

	// Peek leaves recency alone and treats expired entries as absent
	if cur, ok := c.items.Peek(alertID); ok && e.Seq < cur.Seq {
		return
	}
	c.items.Add(alertID, e)
}

// Get returns the cached entry. Expired entries are misses.
func (c *Cache) Get(alertID string) (triage.CacheEntry, bool) {
	return c.items.Get(alertID)
}

// Len returns the number of entries held, including expired ones the
// background sweep has not reached yet.
func (c *Cache) Len() int {
	return c.items.Len()
}
