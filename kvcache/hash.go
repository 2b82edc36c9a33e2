package kvcache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"iter"
)

// chainSeed is the prefix state before any block has been hashed: the
// digest of the empty input. It is fixed across engines so identical
// prefixes hash identically everywhere.
var chainSeed = func() string {
	sum := sha256.Sum256(nil)
	return hex.EncodeToString(sum[:])
}()

// hashBlock folds one token block into the chain. The previous hash is
// mixed in first, so a block's digest depends on every block before it:
// identical token blocks under different prefixes never share a hash.
func hashBlock(prev string, block []int32) string {
	h := sha256.New()
	h.Write([]byte(prev))
	var buf [4]byte
	for _, tok := range block {
		binary.LittleEndian.PutUint32(buf[:], uint32(tok))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// prefixHashes yields one chained hash per block, in block order. Like
// chunkTokens, the sequence recomputes from the seed on every range.
func prefixHashes(blocks iter.Seq[[]int32]) iter.Seq[string] {
	return func(yield func(string) bool) {
		prefix := chainSeed
		for block := range blocks {
			prefix = hashBlock(prefix, block)
			if !yield(prefix) {
				return
			}
		}
	}
}
