package kvcache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ChunkKey identifies one cached chunk: the prefix-chain hash of its token
// block plus the tensor layout the bundle was stored under.
type ChunkKey struct {
	Hash   string
	Layout Layout
}

// Entry is one key/bundle pair, the unit of bulk export and import.
type Entry struct {
	Key ChunkKey
	KV  Bundle
}

// ChunkStore maps chunk keys to per-chunk KV bundles. Put is an idempotent
// upsert, atomic per key; there is no eviction. Implementations backed by
// remote storage surface transport failures through the error returns (the
// in-memory store never fails).
type ChunkStore interface {
	Get(key ChunkKey) (Bundle, bool, error)
	Put(key ChunkKey, kv Bundle) error
	Contains(key ChunkKey) (bool, error)
	Len() int
	Entries() ([]Entry, error)
}

const memStoreShards = 32

// MemStore is the default in-memory ChunkStore. The map is split into
// shards keyed by a hash of the chunk key, so concurrent writes to
// different keys do not contend on one lock.
type MemStore struct {
	shards [memStoreShards]memShard
}

type memShard struct {
	mu sync.RWMutex
	m  map[ChunkKey]Bundle
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	s := &MemStore{}
	for i := range s.shards {
		s.shards[i].m = make(map[ChunkKey]Bundle)
	}
	return s
}

func (s *MemStore) shard(key ChunkKey) *memShard {
	d := xxhash.New()
	_, _ = d.WriteString(key.Hash)
	_, _ = d.Write([]byte{byte(key.Layout)})
	return &s.shards[d.Sum64()%memStoreShards]
}

func (s *MemStore) Get(key ChunkKey) (Bundle, bool, error) {
	sh := s.shard(key)
	sh.mu.RLock()
	kv, ok := sh.m[key]
	sh.mu.RUnlock()
	return kv, ok, nil
}

func (s *MemStore) Put(key ChunkKey, kv Bundle) error {
	sh := s.shard(key)
	sh.mu.Lock()
	sh.m[key] = kv
	sh.mu.Unlock()
	return nil
}

func (s *MemStore) Contains(key ChunkKey) (bool, error) {
	sh := s.shard(key)
	sh.mu.RLock()
	_, ok := sh.m[key]
	sh.mu.RUnlock()
	return ok, nil
}

func (s *MemStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}

func (s *MemStore) Entries() ([]Entry, error) {
	var out []Entry
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for key, kv := range sh.m {
			out = append(out, Entry{Key: key, KV: kv})
		}
		sh.mu.RUnlock()
	}
	return out, nil
}
