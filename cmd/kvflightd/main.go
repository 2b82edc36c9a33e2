// kvflightd serves a chunk store over Arrow Flight so serving processes on
// other hosts can share one content-addressed KV cache.
package main

import (
	"errors"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/apache/arrow-go/v18/arrow/flight"

	"github.com/23skdu/longbow-kvcache/arrowcodec"
	"github.com/23skdu/longbow-kvcache/flightstore"
	"github.com/23skdu/longbow-kvcache/internal/logger"
	"github.com/23skdu/longbow-kvcache/kvcache"
)

var (
	addr      = flag.String("addr", ":3000", "Listen address for the Flight service")
	snapshot  = flag.String("snapshot", "", "Snapshot file loaded at boot and written on shutdown")
	logLevel  = flag.String("log-level", "info", "Log level")
	logFormat = flag.String("log-format", "console", "Log format: console or json")
)

func main() {
	flag.Parse()
	log := logger.New(*logLevel, *logFormat)

	store := kvcache.NewMemStore()
	codec := arrowcodec.NewCodec()

	if *snapshot != "" {
		if err := loadSnapshot(store, codec, *snapshot); err != nil {
			log.Fatal().Err(err).Str("path", *snapshot).Msg("snapshot load failed")
		}
		log.Info().Int("chunks", store.Len()).Str("path", *snapshot).Msg("snapshot loaded")
	}

	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(*addr); err != nil {
		log.Fatal().Err(err).Str("addr", *addr).Msg("listen failed")
	}
	srv.RegisterFlightService(flightstore.NewServer(store, log))

	go func() {
		log.Info().Str("addr", srv.Addr().String()).Msg("flight chunk store serving")
		if err := srv.Serve(); err != nil {
			log.Error().Err(err).Msg("flight server stopped")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if *snapshot != "" {
		if err := saveSnapshot(store, codec, *snapshot); err != nil {
			log.Error().Err(err).Str("path", *snapshot).Msg("snapshot save failed")
		} else {
			log.Info().Int("chunks", store.Len()).Str("path", *snapshot).Msg("snapshot saved")
		}
	}
	srv.Shutdown()
}

func loadSnapshot(store kvcache.ChunkStore, codec kvcache.Codec, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	entries, err := codec.Decode(f)
	if err != nil {
		return err
	}
	for _, en := range entries {
		if err := store.Put(en.Key, en.KV); err != nil {
			return err
		}
	}
	return nil
}

func saveSnapshot(store kvcache.ChunkStore, codec kvcache.Codec, path string) error {
	entries, err := store.Entries()
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := codec.Encode(f, entries); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
