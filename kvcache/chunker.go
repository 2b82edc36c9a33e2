package kvcache

import "iter"

// chunkTokens splits tokens into adjacent blocks of chunkSize; the final
// block may be shorter. The sequence is computed lazily and is restartable:
// each range over it walks from the first block again. An empty token
// sequence yields no blocks.
func chunkTokens(tokens []int32, chunkSize int) iter.Seq[[]int32] {
	return func(yield func([]int32) bool) {
		for i := 0; i < len(tokens); i += chunkSize {
			end := i + chunkSize
			if end > len(tokens) {
				end = len(tokens)
			}
			if !yield(tokens[i:end]) {
				return
			}
		}
	}
}
