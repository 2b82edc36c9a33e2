package kvcache

import "testing"

func collectChunks(tokens []int32, chunkSize int) [][]int32 {
	var out [][]int32
	for block := range chunkTokens(tokens, chunkSize) {
		out = append(out, block)
	}
	return out
}

func TestChunkTokensSizes(t *testing.T) {
	tokens := []int32{1, 2, 3, 4, 5, 6, 7}
	chunks := collectChunks(tokens, 3)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	wantLens := []int{3, 3, 1}
	for i, c := range chunks {
		if len(c) != wantLens[i] {
			t.Errorf("chunk %d length %d, want %d", i, len(c), wantLens[i])
		}
	}
	if chunks[2][0] != 7 {
		t.Errorf("tail chunk = %v, want [7]", chunks[2])
	}
}

func TestChunkTokensExact(t *testing.T) {
	chunks := collectChunks([]int32{1, 2, 3, 4}, 2)
	if len(chunks) != 2 || len(chunks[0]) != 2 || len(chunks[1]) != 2 {
		t.Fatalf("unexpected chunking: %v", chunks)
	}
}

func TestChunkTokensEmpty(t *testing.T) {
	if chunks := collectChunks(nil, 4); len(chunks) != 0 {
		t.Fatalf("empty input yielded %d chunks", len(chunks))
	}
}

func TestChunkTokensRestartable(t *testing.T) {
	tokens := []int32{1, 2, 3, 4, 5}
	seq := chunkTokens(tokens, 2)

	var first, second [][]int32
	for c := range seq {
		first = append(first, c)
	}
	for c := range seq {
		second = append(second, c)
	}

	if len(first) != len(second) {
		t.Fatalf("passes disagree: %d vs %d chunks", len(first), len(second))
	}
	for i := range first {
		if len(first[i]) != len(second[i]) {
			t.Fatalf("chunk %d differs between passes", i)
		}
		for j := range first[i] {
			if first[i][j] != second[i][j] {
				t.Fatalf("chunk %d differs between passes", i)
			}
		}
	}
}

func TestChunkTokensEarlyStop(t *testing.T) {
	seq := chunkTokens([]int32{1, 2, 3, 4, 5, 6}, 2)
	n := 0
	for range seq {
		n++
		if n == 2 {
			break
		}
	}
	// A fresh pass still sees everything.
	got := 0
	for range seq {
		got++
	}
	if got != 3 {
		t.Fatalf("restarted pass saw %d chunks, want 3", got)
	}
}
