package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-kvcache/arrowcodec"
	"github.com/23skdu/longbow-kvcache/internal/logger"
	"github.com/23skdu/longbow-kvcache/kvcache"
	"github.com/23skdu/longbow-kvcache/tensor"
)

var (
	chunkSize   = flag.Int("chunk-size", kvcache.DefaultChunkSize, "Tokens per cache chunk")
	layers      = flag.Int("layers", 32, "Model layers in the synthetic bundle")
	heads       = flag.Int("heads", 8, "KV heads per layer")
	headDim     = flag.Int("head-dim", 128, "Features per head")
	numTokens   = flag.Int("tokens", 2048, "Token sequence length")
	layoutStr   = flag.String("layout", "tokens-major", "Tensor layout: heads-major or tokens-major")
	dtypeStr    = flag.String("dtype", "f16", "Tensor dtype: f32 or f16")
	snapshot    = flag.String("snapshot", "", "Optional snapshot file to load/export")
	metricsAddr = flag.String("metrics-addr", "", "Serve prometheus metrics on this address after the run")
	logLevel    = flag.String("log-level", "info", "Log level")
	logFormat   = flag.String("log-format", "console", "Log format: console or json")
	seed        = flag.Int64("seed", 42, "RNG seed for tokens and tensor data")
)

func main() {
	flag.Parse()
	log := logger.New(*logLevel, *logFormat)

	layout, err := kvcache.ParseLayout(*layoutStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Usage: %s [-layout heads-major|tokens-major] ...: %v\n", os.Args[0], err)
		os.Exit(1)
	}
	dtype, err := tensor.ParseDType(*dtypeStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg := kvcache.Config{
		ChunkSize:    *chunkSize,
		SnapshotPath: *snapshot,
		Logger:       &log,
	}
	if *snapshot != "" {
		cfg.Codec = arrowcodec.NewCodec()
	}
	engine, err := kvcache.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("engine construction failed")
	}

	rng := rand.New(rand.NewSource(*seed))
	tokens := make([]int32, *numTokens)
	for i := range tokens {
		tokens[i] = rng.Int31n(128_000)
	}
	bundle := randomBundle(rng, dtype, layout, *layers, *heads, *numTokens, *headDim)

	log.Info().
		Int("tokens", *numTokens).
		Int("layers", *layers).
		Str("layout", layout.String()).
		Str("dtype", dtype.String()).
		Int64("bundle_bytes", bundle.SizeBytes()).
		Msg("starting kv cache benchmark")

	start := time.Now()
	written, err := engine.Store(tokens, bundle, layout, true)
	if err != nil {
		log.Fatal().Err(err).Msg("store failed")
	}
	storeDur := time.Since(start)

	start = time.Now()
	_, matched, err := engine.Retrieve(tokens, layout, tensor.CPU)
	if err != nil {
		log.Fatal().Err(err).Msg("retrieve failed")
	}
	retrieveDur := time.Since(start)

	log.Info().
		Int("chunks_written", written).
		Int("matched_tokens", matched).
		Dur("store", storeDur).
		Dur("retrieve", retrieveDur).
		Float64("store_tokens_per_sec", float64(*numTokens)/storeDur.Seconds()).
		Float64("retrieve_tokens_per_sec", float64(matched)/retrieveDur.Seconds()).
		Msg("benchmark complete")

	if *snapshot != "" {
		if err := engine.ExportSnapshot(); err != nil {
			log.Error().Err(err).Msg("snapshot export failed")
		}
	}

	if *metricsAddr != "" {
		log.Info().Str("addr", *metricsAddr).Msg("serving prometheus metrics")
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			log.Fatal().Err(err).Msg("metrics server failed")
		}
	}
}

func randomBundle(rng *rand.Rand, dtype tensor.DType, layout kvcache.Layout, layers, heads, tokens, headDim int) kvcache.Bundle {
	shape := []int{heads, tokens, headDim}
	if layout == kvcache.LayoutTokensMajor {
		shape = []int{tokens, heads, headDim}
	}

	bundle := make(kvcache.Bundle, 0, layers)
	for l := 0; l < layers; l++ {
		k := tensor.New(dtype, tensor.CPU, shape...)
		v := tensor.New(dtype, tensor.CPU, shape...)
		for a := 0; a < shape[0]; a++ {
			for b := 0; b < shape[1]; b++ {
				for c := 0; c < shape[2]; c++ {
					k.Set(rng.Float32()*2-1, a, b, c)
					v.Set(rng.Float32()*2-1, a, b, c)
				}
			}
		}
		bundle = append(bundle, kvcache.LayerKV{K: k, V: v})
	}
	return bundle
}
