package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordChunkStored(t *testing.T) {
	before := testutil.ToFloat64(ChunksStoredTotal)
	bytesBefore := testutil.ToFloat64(StoredBytesTotal)

	RecordChunkStored(1024)
	RecordChunkStored(2048)

	if got := testutil.ToFloat64(ChunksStoredTotal) - before; got != 2 {
		t.Errorf("chunks stored delta = %v, want 2", got)
	}
	if got := testutil.ToFloat64(StoredBytesTotal) - bytesBefore; got != 3072 {
		t.Errorf("stored bytes delta = %v, want 3072", got)
	}
}

func TestRecordLookup(t *testing.T) {
	hits := testutil.ToFloat64(LookupHits)
	misses := testutil.ToFloat64(LookupMisses)

	RecordLookup(true)
	RecordLookup(true)
	RecordLookup(false)

	if got := testutil.ToFloat64(LookupHits) - hits; got != 2 {
		t.Errorf("hit delta = %v, want 2", got)
	}
	if got := testutil.ToFloat64(LookupMisses) - misses; got != 1 {
		t.Errorf("miss delta = %v, want 1", got)
	}
}

func TestRecordStoreAndRetrieve(t *testing.T) {
	RecordStore(42, 5*time.Millisecond)
	if got := testutil.ToFloat64(StoreChunks); got != 42 {
		t.Errorf("store chunks gauge = %v, want 42", got)
	}

	// Summaries and histograms just need to accept observations.
	RecordRetrieve(128, 2*time.Millisecond)
	RecordChunkSkipped()
	RecordSnapshot(7)
	if got := testutil.ToFloat64(SnapshotChunks); got != 7 {
		t.Errorf("snapshot chunks gauge = %v, want 7", got)
	}
}
