// Package kvcache is a content-addressed cache for per-layer key/value
// attention state. Token sequences are split into fixed-size chunks; each
// chunk is keyed by a chained hash covering the chunk and its entire
// preceding prefix, so a lookup can only ever return state for the exact
// token history that produced it.
package kvcache

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/23skdu/longbow-kvcache/internal/metrics"
	"github.com/23skdu/longbow-kvcache/tensor"
)

// Engine chunks, hashes, stores and retrieves KV bundles. Store and
// Retrieve are safe for concurrent use; the backing ChunkStore is the only
// shared mutable state.
type Engine struct {
	chunkSize    int
	store        ChunkStore
	codec        Codec
	snapshotPath string
	log          zerolog.Logger
}

// New builds an engine from cfg, loading the snapshot at cfg.SnapshotPath
// if one exists.
func New(cfg Config) (*Engine, error) {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store := cfg.Store
	if store == nil {
		store = NewMemStore()
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	e := &Engine{
		chunkSize:    cfg.ChunkSize,
		store:        store,
		codec:        cfg.Codec,
		snapshotPath: cfg.SnapshotPath,
		log:          log,
	}
	if e.snapshotPath != "" {
		if err := e.loadSnapshot(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// ChunkSize returns the fixed tokens-per-chunk of this engine.
func (e *Engine) ChunkSize() int { return e.chunkSize }

// Len returns the number of chunks currently cached.
func (e *Engine) Len() int { return e.store.Len() }

// Store caches the KV state in kv for the given token sequence. The bundle
// is sliced per chunk and upserted under each chunk's prefix-chain key.
// With skipExisting, chunks whose key is already cached are skipped before
// any slicing or transfer happens; this is the engine's only optimization
// and avoids redundant copies for prefixes already cached. Returns the
// number of chunks actually written.
//
// Chunks written before a store failure stay committed; the operation is
// not transactional across chunks.
func (e *Engine) Store(tokens []int32, kv Bundle, layout Layout, skipExisting bool) (int, error) {
	start := time.Now()
	if _, err := layout.TokenAxis(); err != nil {
		return 0, err
	}
	if len(kv) == 0 {
		return 0, fmt.Errorf("kv bundle has no layers: %w", ErrShapeMismatch)
	}
	kvTokens, err := kv.TokenCount(layout)
	if err != nil {
		return 0, err
	}
	if kvTokens != len(tokens) {
		return 0, fmt.Errorf("kv bundle holds %d tokens, token sequence has %d: %w", kvTokens, len(tokens), ErrShapeMismatch)
	}

	written := 0
	idx := 0
	for hash := range prefixHashes(chunkTokens(tokens, e.chunkSize)) {
		lo := idx * e.chunkSize
		hi := lo + e.chunkSize
		if hi > len(tokens) {
			hi = len(tokens)
		}
		idx++

		key := ChunkKey{Hash: hash, Layout: layout}
		if skipExisting {
			ok, err := e.store.Contains(key)
			if err != nil {
				return written, err
			}
			if ok {
				metrics.RecordChunkSkipped()
				continue
			}
		}

		chunk, err := sliceBundle(kv, layout, lo, hi, tensor.CPU)
		if err != nil {
			return written, err
		}
		if err := e.store.Put(key, chunk); err != nil {
			return written, err
		}
		metrics.RecordChunkStored(chunk.SizeBytes())
		written++
	}

	cached := e.store.Len()
	metrics.RecordStore(cached, time.Since(start))
	e.log.Debug().
		Int("written", written).
		Int("chunks", idx).
		Int("cached", cached).
		Str("layout", layout.String()).
		Msg("stored kv chunks")
	return written, nil
}

// Retrieve returns the cached KV state for the longest prefix of tokens
// whose chunks are all present under layout, concatenated in token order
// and transferred to device, along with the matched token count. The walk
// stops at the first missing chunk; later chunks are never included, even
// if their keys happen to be cached. An empty match yields a nil bundle
// and zero.
func (e *Engine) Retrieve(tokens []int32, layout Layout, device tensor.Device) (Bundle, int, error) {
	start := time.Now()
	if _, err := layout.TokenAxis(); err != nil {
		return nil, 0, err
	}

	var hits []Bundle
	for hash := range prefixHashes(chunkTokens(tokens, e.chunkSize)) {
		kv, ok, err := e.store.Get(ChunkKey{Hash: hash, Layout: layout})
		if err != nil {
			return nil, 0, err
		}
		metrics.RecordLookup(ok)
		if !ok {
			break
		}
		hits = append(hits, kv)
	}

	if len(hits) == 0 {
		metrics.RecordRetrieve(0, time.Since(start))
		return nil, 0, nil
	}

	out, err := concatBundles(hits, layout, device)
	if err != nil {
		return nil, 0, err
	}
	matched, err := out.TokenCount(layout)
	if err != nil {
		return nil, 0, err
	}

	metrics.RecordRetrieve(matched, time.Since(start))
	e.log.Debug().
		Int("chunks", len(hits)).
		Int("matched_tokens", matched).
		Str("layout", layout.String()).
		Dur("elapsed", time.Since(start)).
		Msg("retrieved kv chunks")
	return out, matched, nil
}
