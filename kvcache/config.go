package kvcache

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// DefaultChunkSize is the token count per chunk when Config leaves it zero.
const DefaultChunkSize = 256

// Codec serializes store contents for snapshotting. The engine treats it as
// opaque: whatever Decode returns must round-trip through Get/Put exactly
// like bundles produced by Store.
type Codec interface {
	Encode(w io.Writer, entries []Entry) error
	Decode(r io.Reader) ([]Entry, error)
}

// Config configures an Engine.
type Config struct {
	// ChunkSize is the number of tokens per chunk. Zero selects
	// DefaultChunkSize. Fixed for the engine's lifetime.
	ChunkSize int

	// SnapshotPath, when set, is loaded at construction if the file exists
	// and is the sink for ExportSnapshot. Requires Codec.
	SnapshotPath string

	// Store overrides the backing chunk store. Nil selects an in-memory
	// sharded store.
	Store ChunkStore

	// Codec serializes snapshots. Nil disables snapshot I/O.
	Codec Codec

	// Logger receives engine diagnostics. Nil disables logging.
	Logger *zerolog.Logger
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{ChunkSize: DefaultChunkSize}
}

func (c *Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("invalid chunk_size: %d (must be positive)", c.ChunkSize)
	}
	if c.SnapshotPath != "" && c.Codec == nil {
		return fmt.Errorf("snapshot_path set without a codec: %w", ErrPersistenceUnavailable)
	}
	return nil
}
