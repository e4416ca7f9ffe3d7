package triage

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const lockShards = 32

// keyLocks serializes work per alert id. Distinct ids never contend on the
// same lock entry, only briefly on a shard mutex. Entries are dropped once no
// holder or waiter references them.
type keyLocks struct {
	shards [lockShards]lockShard
}

type lockShard struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func newKeyLocks() *keyLocks {
	kl := &keyLocks{}
	for i := range kl.shards {
		kl.shards[i].entries = make(map[string]*lockEntry)
	}
	return kl
}

func (kl *keyLocks) shard(key string) *lockShard {
	return &kl.shards[xxhash.Sum64String(key)%lockShards]
}

// Lock blocks until key is held or ctx is done. The returned func releases it.
func (kl *keyLocks) Lock(ctx context.Context, key string) (func(), error) {
	sh := kl.shard(key)

	sh.mu.Lock()
	e, ok := sh.entries[key]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		sh.entries[key] = e
	}
	e.refs++
	sh.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		kl.release(sh, key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			kl.release(sh, key, e)
		})
	}, nil
}

func (kl *keyLocks) release(sh *lockShard, key string, e *lockEntry) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(sh.entries, key)
	}
}

// held returns the number of live lock entries, for tests.
func (kl *keyLocks) held() int {
	n := 0
	for i := range kl.shards {
		sh := &kl.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}
