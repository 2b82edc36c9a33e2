// Package flightstore backs the chunk store interface with an Apache Arrow
// Flight service, so cached KV state can live in a remote key-value server
// instead of process memory. Chunk keys map to Flight descriptors/tickets;
// bundles travel as the arrowcodec record schema.
package flightstore

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-kvcache/arrowcodec"
	"github.com/23skdu/longbow-kvcache/kvcache"
)

// DefaultTimeout bounds each remote operation.
const DefaultTimeout = 30 * time.Second

// Store is a kvcache.ChunkStore client talking to a Flight chunk server.
type Store struct {
	client  flight.Client
	mem     memory.Allocator
	timeout time.Duration
	log     zerolog.Logger
}

// Option adjusts a Store.
type Option func(*Store)

// WithTimeout overrides the per-operation timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// WithLogger attaches a logger for transport diagnostics.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// Dial connects to a Flight chunk server. Without explicit dial options the
// connection is insecure, matching an in-cluster deployment.
func Dial(addr string, opts ...Option) (*Store, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connecting flight store %s: %w", addr, err)
	}
	s := &Store{
		client:  client,
		mem:     memory.DefaultAllocator,
		timeout: DefaultTimeout,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close tears down the underlying connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// ticketFor encodes a chunk key as a Flight ticket. The hash is hex, so
// "|" can never appear inside it.
func ticketFor(key kvcache.ChunkKey) []byte {
	return []byte(key.Hash + "|" + key.Layout.String())
}

// parseTicket decodes a ticket; an empty ticket addresses the whole store.
func parseTicket(raw []byte) (*kvcache.ChunkKey, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	hash, layoutStr, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, fmt.Errorf("malformed chunk ticket %q", raw)
	}
	layout, err := kvcache.ParseLayout(layoutStr)
	if err != nil {
		return nil, err
	}
	return &kvcache.ChunkKey{Hash: hash, Layout: layout}, nil
}

func descriptorFor(key kvcache.ChunkKey) *flight.FlightDescriptor {
	return &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{key.Hash, key.Layout.String()},
	}
}

func (s *Store) Get(key kvcache.ChunkKey) (kvcache.Bundle, bool, error) {
	entries, err := s.doGet(ticketFor(key))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	for _, en := range entries {
		if en.Key == key {
			return en.KV, true, nil
		}
	}
	return nil, false, nil
}

func (s *Store) doGet(ticket []byte) ([]kvcache.Entry, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	stream, err := s.client.DoGet(ctx, &flight.Ticket{Ticket: ticket})
	if err != nil {
		return nil, err
	}
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, err
	}
	defer rdr.Release()

	acc := arrowcodec.NewEntryAccumulator()
	for rdr.Next() {
		if err := acc.Add(rdr.Record()); err != nil {
			return nil, err
		}
	}
	if err := rdr.Err(); err != nil && err != io.EOF {
		return nil, err
	}
	return acc.Entries()
}

func (s *Store) Put(key kvcache.ChunkKey, kv kvcache.Bundle) error {
	ctx, cancel := s.ctx()
	defer cancel()

	rec, err := arrowcodec.EntriesToRecord([]kvcache.Entry{{Key: key, KV: kv}}, s.mem)
	if err != nil {
		return err
	}
	defer rec.Release()

	stream, err := s.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("opening put stream: %w", err)
	}
	wr := flight.NewRecordWriter(stream, ipc.WithSchema(arrowcodec.Schema()), ipc.WithAllocator(s.mem))
	wr.SetFlightDescriptor(descriptorFor(key))
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return fmt.Errorf("writing chunk %s/%s: %w", key.Hash, key.Layout, err)
	}
	if err := wr.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	// Drain acknowledgements so the server finishes the upsert before we
	// report success.
	for {
		if _, err := stream.Recv(); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func (s *Store) Contains(key kvcache.ChunkKey) (bool, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	_, err := s.client.GetFlightInfo(ctx, descriptorFor(key))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Len counts the chunks on the server. Transport failures surface as zero;
// the interface keeps size a plain integer.
func (s *Store) Len() int {
	ctx, cancel := s.ctx()
	defer cancel()

	stream, err := s.client.ListFlights(ctx, &flight.Criteria{})
	if err != nil {
		s.log.Warn().Err(err).Msg("flight store list failed")
		return 0
	}
	n := 0
	for {
		if _, err := stream.Recv(); err != nil {
			if err != io.EOF {
				s.log.Warn().Err(err).Msg("flight store list failed")
			}
			return n
		}
		n++
	}
}

func (s *Store) Entries() ([]kvcache.Entry, error) {
	return s.doGet(nil)
}

var _ kvcache.ChunkStore = (*Store)(nil)
