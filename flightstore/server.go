package flightstore

import (
	"context"
	"io"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-kvcache/arrowcodec"
	"github.com/23skdu/longbow-kvcache/kvcache"
)

// Server exposes any kvcache.ChunkStore over Arrow Flight. Chunk keys are
// addressed by descriptor path [hash, layout] and ticket "hash|layout"; an
// empty ticket streams the whole store.
type Server struct {
	flight.BaseFlightServer

	store kvcache.ChunkStore
	mem   memory.Allocator
	log   zerolog.Logger
}

// NewServer wraps store for Flight serving.
func NewServer(store kvcache.ChunkStore, log zerolog.Logger) *Server {
	return &Server{store: store, mem: memory.DefaultAllocator, log: log}
}

func (s *Server) DoGet(tkt *flight.Ticket, fs flight.FlightService_DoGetServer) error {
	key, err := parseTicket(tkt.GetTicket())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	var entries []kvcache.Entry
	if key == nil {
		entries, err = s.store.Entries()
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
	} else {
		kv, ok, err := s.store.Get(*key)
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		if !ok {
			return status.Errorf(codes.NotFound, "chunk %s/%s not cached", key.Hash, key.Layout)
		}
		entries = []kvcache.Entry{{Key: *key, KV: kv}}
	}

	rec, err := arrowcodec.EntriesToRecord(entries, s.mem)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	defer rec.Release()

	wr := flight.NewRecordWriter(fs, ipc.WithSchema(arrowcodec.Schema()), ipc.WithAllocator(s.mem))
	defer wr.Close()
	return wr.Write(rec)
}

func (s *Server) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	defer rdr.Release()

	acc := arrowcodec.NewEntryAccumulator()
	for rdr.Next() {
		if err := acc.Add(rdr.Record()); err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
	}
	if err := rdr.Err(); err != nil && err != io.EOF {
		return status.Error(codes.Internal, err.Error())
	}

	entries, err := acc.Entries()
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	for _, en := range entries {
		if err := s.store.Put(en.Key, en.KV); err != nil {
			return status.Error(codes.Internal, err.Error())
		}
	}
	s.log.Debug().Int("chunks", len(entries)).Msg("flight put committed")
	return nil
}

func (s *Server) GetFlightInfo(ctx context.Context, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	if desc.Type != flight.DescriptorPATH || len(desc.Path) != 2 {
		return nil, status.Error(codes.InvalidArgument, "descriptor path must be [hash, layout]")
	}
	layout, err := kvcache.ParseLayout(desc.Path[1])
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	key := kvcache.ChunkKey{Hash: desc.Path[0], Layout: layout}
	ok, err := s.store.Contains(key)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if !ok {
		return nil, status.Errorf(codes.NotFound, "chunk %s/%s not cached", key.Hash, key.Layout)
	}
	return s.infoFor(key), nil
}

func (s *Server) ListFlights(_ *flight.Criteria, fs flight.FlightService_ListFlightsServer) error {
	entries, err := s.store.Entries()
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	for _, en := range entries {
		if err := fs.Send(s.infoFor(en.Key)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) infoFor(key kvcache.ChunkKey) *flight.FlightInfo {
	return &flight.FlightInfo{
		Schema:           flight.SerializeSchema(arrowcodec.Schema(), s.mem),
		FlightDescriptor: descriptorFor(key),
		Endpoint: []*flight.FlightEndpoint{{
			Ticket: &flight.Ticket{Ticket: ticketFor(key)},
		}},
		TotalRecords: -1,
		TotalBytes:   -1,
	}
}
