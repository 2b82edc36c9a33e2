package kvcache

import (
	"errors"
	"testing"

	"github.com/23skdu/longbow-kvcache/tensor"
)

func newTestEngine(t *testing.T, chunkSize int) *Engine {
	t.Helper()
	e, err := New(Config{ChunkSize: chunkSize})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return e
}

func TestNewDefaults(t *testing.T) {
	e, err := New(Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if e.ChunkSize() != DefaultChunkSize {
		t.Errorf("ChunkSize = %d, want %d", e.ChunkSize(), DefaultChunkSize)
	}

	if _, err := New(Config{ChunkSize: -1}); err == nil {
		t.Error("expected error for negative chunk size")
	}
	if _, err := New(Config{SnapshotPath: "x.arrow"}); !errors.Is(err, ErrPersistenceUnavailable) {
		t.Errorf("snapshot path without codec: err = %v, want ErrPersistenceUnavailable", err)
	}
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	for _, layout := range []Layout{LayoutHeadsMajor, LayoutTokensMajor} {
		e := newTestEngine(t, 4)
		tokens := []int32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10} // 3 chunks: 4+4+2
		kv := makeBundle(t, layout, 2, 2, len(tokens), 3)

		written, err := e.Store(tokens, kv, layout, true)
		if err != nil {
			t.Fatalf("%s: Store failed: %v", layout, err)
		}
		if written != 3 {
			t.Fatalf("%s: wrote %d chunks, want 3", layout, written)
		}
		if e.Len() != 3 {
			t.Fatalf("%s: store holds %d chunks, want 3", layout, e.Len())
		}

		got, matched, err := e.Retrieve(tokens, layout, tensor.CPU)
		if err != nil {
			t.Fatalf("%s: Retrieve failed: %v", layout, err)
		}
		if matched != len(tokens) {
			t.Fatalf("%s: matched %d tokens, want %d", layout, matched, len(tokens))
		}
		if d := diffBundles(kv, got, 1e-6); d != "" {
			t.Errorf("%s: retrieved bundle differs (-want +got):\n%s", layout, d)
		}
	}
}

func TestRetrievePrefixTruncation(t *testing.T) {
	e := newTestEngine(t, 4)
	tokens := []int32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}

	// Only the first two chunks are cached.
	prefix := tokens[:8]
	kv := makeBundle(t, LayoutTokensMajor, 2, 2, len(prefix), 3)
	if _, err := e.Store(prefix, kv, LayoutTokensMajor, true); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, matched, err := e.Retrieve(tokens, LayoutTokensMajor, tensor.CPU)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if matched != 8 {
		t.Fatalf("matched %d tokens, want 8", matched)
	}
	if d := diffBundles(kv, got, 1e-6); d != "" {
		t.Errorf("retrieved prefix differs (-want +got):\n%s", d)
	}
}

func TestRetrieveNeverBridgesHoles(t *testing.T) {
	// Cache the chunk [5] under prefix [9]; retrieving [7,5] must miss the
	// first chunk and stop, not hit [5] stored under the other history.
	e := newTestEngine(t, 1)
	other := []int32{9, 5}
	kv := makeBundle(t, LayoutTokensMajor, 1, 2, 2, 3)
	if _, err := e.Store(other, kv, LayoutTokensMajor, true); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, matched, err := e.Retrieve([]int32{7, 5}, LayoutTokensMajor, tensor.CPU)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if matched != 0 || got != nil {
		t.Fatalf("retrieve under a diverged prefix = %d tokens, want 0", matched)
	}
}

func TestStoreSkipExisting(t *testing.T) {
	e := newTestEngine(t, 4)
	tokens := []int32{1, 2, 3, 4, 5, 6, 7, 8}
	kv := makeBundle(t, LayoutTokensMajor, 2, 2, len(tokens), 3)

	first, err := e.Store(tokens, kv, LayoutTokensMajor, true)
	if err != nil {
		t.Fatalf("first Store failed: %v", err)
	}
	if first != 2 {
		t.Fatalf("first Store wrote %d chunks, want 2", first)
	}

	second, err := e.Store(tokens, kv, LayoutTokensMajor, true)
	if err != nil {
		t.Fatalf("second Store failed: %v", err)
	}
	if second != 0 {
		t.Errorf("second Store wrote %d chunks, want 0", second)
	}
	if e.Len() != 2 {
		t.Errorf("store size changed: %d, want 2", e.Len())
	}

	// Without skipExisting the chunks are recomputed and overwritten.
	third, err := e.Store(tokens, kv, LayoutTokensMajor, false)
	if err != nil {
		t.Fatalf("overwrite Store failed: %v", err)
	}
	if third != 2 {
		t.Errorf("overwrite Store wrote %d chunks, want 2", third)
	}
	if e.Len() != 2 {
		t.Errorf("overwrite changed store size: %d, want 2", e.Len())
	}
}

func TestStorePartialOverlap(t *testing.T) {
	// A longer sequence sharing the cached prefix only writes the new tail.
	e := newTestEngine(t, 4)
	short := []int32{1, 2, 3, 4, 5, 6, 7, 8}
	kvShort := makeBundle(t, LayoutTokensMajor, 2, 2, len(short), 3)
	if _, err := e.Store(short, kvShort, LayoutTokensMajor, true); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	long := []int32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	kvLong := makeBundle(t, LayoutTokensMajor, 2, 2, len(long), 3)
	written, err := e.Store(long, kvLong, LayoutTokensMajor, true)
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if written != 1 {
		t.Errorf("extending store wrote %d chunks, want 1", written)
	}

	_, matched, err := e.Retrieve(long, LayoutTokensMajor, tensor.CPU)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if matched != len(long) {
		t.Errorf("matched %d tokens, want %d", matched, len(long))
	}
}

func TestRetrieveEmptyTokens(t *testing.T) {
	e := newTestEngine(t, 4)
	got, matched, err := e.Retrieve(nil, LayoutTokensMajor, tensor.CPU)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if matched != 0 || got != nil {
		t.Fatalf("empty retrieve = %d tokens, bundle %v", matched, got)
	}
}

func TestLayoutIsPartOfKey(t *testing.T) {
	e := newTestEngine(t, 4)
	tokens := []int32{1, 2, 3, 4}
	kv := makeBundle(t, LayoutHeadsMajor, 2, 2, len(tokens), 3)
	if _, err := e.Store(tokens, kv, LayoutHeadsMajor, true); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	_, matched, err := e.Retrieve(tokens, LayoutTokensMajor, tensor.CPU)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if matched != 0 {
		t.Fatalf("cross-layout retrieve matched %d tokens, want 0", matched)
	}
}

func TestStoreShapeMismatch(t *testing.T) {
	e := newTestEngine(t, 4)
	tokens := []int32{1, 2, 3, 4}

	if _, err := e.Store(tokens, nil, LayoutTokensMajor, true); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("empty bundle: err = %v, want ErrShapeMismatch", err)
	}

	kv := makeBundle(t, LayoutTokensMajor, 2, 2, 6, 3) // 6 tokens, not 4
	if _, err := e.Store(tokens, kv, LayoutTokensMajor, true); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("token mismatch: err = %v, want ErrShapeMismatch", err)
	}
}

func TestStoreInvalidLayout(t *testing.T) {
	e := newTestEngine(t, 4)
	tokens := []int32{1, 2}
	kv := makeBundle(t, LayoutTokensMajor, 1, 2, 2, 3)

	if _, err := e.Store(tokens, kv, Layout(9), true); !errors.Is(err, ErrInvalidLayout) {
		t.Errorf("Store err = %v, want ErrInvalidLayout", err)
	}
	if _, _, err := e.Retrieve(tokens, Layout(9), tensor.CPU); !errors.Is(err, ErrInvalidLayout) {
		t.Errorf("Retrieve err = %v, want ErrInvalidLayout", err)
	}
}

func TestRetrieveToDevice(t *testing.T) {
	e := newTestEngine(t, 4)
	tokens := []int32{1, 2, 3, 4}
	kv := makeBundle(t, LayoutTokensMajor, 2, 2, len(tokens), 3)
	if _, err := e.Store(tokens, kv, LayoutTokensMajor, true); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	target := tensor.Device("cuda:0")
	got, _, err := e.Retrieve(tokens, LayoutTokensMajor, target)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	for layer, pair := range got {
		if pair.K.Device() != target || pair.V.Device() != target {
			t.Errorf("layer %d tensors on %s/%s, want %s", layer, pair.K.Device(), pair.V.Device(), target)
		}
	}
}

func TestExportImportListing(t *testing.T) {
	e := newTestEngine(t, 4)
	tokens := []int32{1, 2, 3, 4, 5, 6, 7, 8}
	kv := makeBundle(t, LayoutTokensMajor, 2, 2, len(tokens), 3)
	if _, err := e.Store(tokens, kv, LayoutTokensMajor, true); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	entries, err := e.Entries()
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}

	// A fresh engine seeded from the listing serves the same prefix.
	e2 := newTestEngine(t, 4)
	if err := e2.ImportSnapshot(entries); err != nil {
		t.Fatalf("ImportSnapshot failed: %v", err)
	}
	got, matched, err := e2.Retrieve(tokens, LayoutTokensMajor, tensor.CPU)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if matched != len(tokens) {
		t.Fatalf("matched %d tokens, want %d", matched, len(tokens))
	}
	if d := diffBundles(kv, got, 1e-6); d != "" {
		t.Errorf("imported bundle differs (-want +got):\n%s", d)
	}
}

func TestExportSnapshotWithoutSink(t *testing.T) {
	e := newTestEngine(t, 4)
	if err := e.ExportSnapshot(); !errors.Is(err, ErrPersistenceUnavailable) {
		t.Errorf("ExportSnapshot err = %v, want ErrPersistenceUnavailable", err)
	}
}
