// Package badgercache is an Alert State Cache on an in-memory badger database,
// using badger's native entry TTL for expiry.
package badgercache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/triage"
)

const maxConflictRetries = 3

// Cache implements triage.StateCache. Badger failures are logged and turn
// into misses or dropped puts; the decision log stays authoritative.
type Cache struct {
	db     *badger.DB
	ttl    time.Duration
	logger log.Logger
}

// Open starts an in-memory badger instance. A ttl of zero keeps entries
// until Close.
func Open(ttl time.Duration, logger log.Logger) (*Cache, error) {
	if logger == nil {
		logger = log.Nop()
	}
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLoggingLevel(badger.WARNING).
		WithLogger(badgerLogger{L: logger})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Cache{db: db, ttl: ttl, logger: logger}, nil
}

// Close releases badger's memory.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Put stores e unless a newer entry (by Seq) is already cached. Entries with
// an unknown status or severity are ignored.
func (c *Cache) Put(alertID string, e triage.CacheEntry) {
	if !e.Valid() {
		return
	}
	val, err := json.Marshal(e)
	if err != nil {
		c.logger.Error(context.Background(), err, "state cache encode failed", "alert_id", alertID)
		return
	}
	key := []byte(alertID)

	for attempt := 0; ; attempt++ {
		err = c.db.Update(func(txn *badger.Txn) error {
			if cur, ok, err := get(txn, key); err != nil {
				return err
			} else if ok && e.Seq < cur.Seq {
				return nil
			}
			ent := badger.NewEntry(key, val)
			if c.ttl > 0 {
				ent = ent.WithTTL(c.ttl)
			}
			return txn.SetEntry(ent)
		})
		if !errors.Is(err, badger.ErrConflict) || attempt >= maxConflictRetries {
			break
		}
	}
	if err != nil {
		c.logger.Error(context.Background(), err, "state cache put failed", "alert_id", alertID)
	}
}

// Get returns the cached entry; expired and unreadable entries are misses.
func (c *Cache) Get(alertID string) (triage.CacheEntry, bool) {
	var (
		e  triage.CacheEntry
		ok bool
	)
	err := c.db.View(func(txn *badger.Txn) error {
		var err error
		e, ok, err = get(txn, []byte(alertID))
		return err
	})
	if err != nil {
		c.logger.Error(context.Background(), err, "state cache get failed", "alert_id", alertID)
		return triage.CacheEntry{}, false
	}
	return e, ok
}

func get(txn *badger.Txn, key []byte) (triage.CacheEntry, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return triage.CacheEntry{}, false, nil
	}
	if err != nil {
		return triage.CacheEntry{}, false, err
	}
	var e triage.CacheEntry
	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, &e)
	})
	if err != nil {
		return triage.CacheEntry{}, false, fmt.Errorf("decode cache entry: %w", err)
	}
	return e, true, nil
}

// badgerLogger routes badger's warnings and errors into the service logger.
type badgerLogger struct {
	L log.Logger
}

func (b badgerLogger) Errorf(format string, args ...any) {
	b.L.Error(context.Background(), fmt.Errorf(format, args...), "badger")
}

func (b badgerLogger) Warningf(format string, args ...any) {
	b.L.Warn(context.Background(), "badger", "msg", fmt.Sprintf(format, args...))
}

func (badgerLogger) Infof(string, ...any)  {}
func (badgerLogger) Debugf(string, ...any) {}
