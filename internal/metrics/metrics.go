package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChunksStoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvcache_chunks_stored_total",
		Help: "Total number of KV chunks written to the store",
	})

	ChunksSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvcache_chunks_skipped_total",
		Help: "Total number of KV chunks skipped because the key was already cached",
	})

	LookupHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvcache_lookup_hits_total",
		Help: "Total number of chunk lookups that hit",
	})

	LookupMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvcache_lookup_misses_total",
		Help: "Total number of chunk lookups that missed",
	})

	StoredBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvcache_stored_bytes_total",
		Help: "Total bytes of KV state written to the store",
	})

	StoreChunks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kvcache_store_chunks",
		Help: "Current number of chunks in the store",
	})

	StoreDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "kvcache_store_duration_seconds",
		Help: "Duration of store operations",
	})

	RetrieveDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "kvcache_retrieve_duration_seconds",
		Help: "Duration of retrieve operations",
	})

	MatchedTokens = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kvcache_matched_tokens",
		Help:    "Distribution of matched prefix lengths per retrieve",
		Buckets: []float64{0, 64, 256, 1024, 4096, 16384, 65536},
	})

	SnapshotChunks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kvcache_snapshot_chunks",
		Help: "Number of chunks in the last snapshot loaded or written",
	})
)

// RecordChunkStored counts one written chunk of the given size.
func RecordChunkStored(bytes int64) {
	ChunksStoredTotal.Inc()
	StoredBytesTotal.Add(float64(bytes))
}

// RecordChunkSkipped counts one skip-existing hit during store.
func RecordChunkSkipped() {
	ChunksSkippedTotal.Inc()
}

// RecordLookup counts one retrieve-side lookup.
func RecordLookup(hit bool) {
	if hit {
		LookupHits.Inc()
	} else {
		LookupMisses.Inc()
	}
}

// RecordStore finalizes one store call.
func RecordStore(storeLen int, d time.Duration) {
	StoreChunks.Set(float64(storeLen))
	StoreDuration.Observe(d.Seconds())
}

// RecordRetrieve finalizes one retrieve call.
func RecordRetrieve(matchedTokens int, d time.Duration) {
	MatchedTokens.Observe(float64(matchedTokens))
	RetrieveDuration.Observe(d.Seconds())
}

// RecordSnapshot notes the size of a loaded or written snapshot.
func RecordSnapshot(chunks int) {
	SnapshotChunks.Set(float64(chunks))
}
