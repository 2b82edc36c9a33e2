// Package arrowcodec serializes chunk store contents as Arrow record
// batches: one row per tensor, grouped by chunk key. The same schema backs
// file snapshots (IPC stream) and Flight transport.
package arrowcodec

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-kvcache/kvcache"
	"github.com/23skdu/longbow-kvcache/tensor"
)

const (
	roleKey   = "k"
	roleValue = "v"
)

var schema = arrow.NewSchema([]arrow.Field{
	{Name: "hash", Type: arrow.BinaryTypes.String},
	{Name: "layout", Type: arrow.BinaryTypes.String},
	{Name: "layer", Type: arrow.PrimitiveTypes.Int32},
	{Name: "role", Type: arrow.BinaryTypes.String},
	{Name: "dtype", Type: arrow.BinaryTypes.String},
	{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
	{Name: "device", Type: arrow.BinaryTypes.String},
	{Name: "data", Type: arrow.BinaryTypes.Binary},
}, nil)

// Schema returns the wire schema for chunk entries.
func Schema() *arrow.Schema { return schema }

// EntriesToRecord flattens entries into one record batch, two rows (key and
// value tensor) per layer per chunk.
func EntriesToRecord(entries []kvcache.Entry, mem memory.Allocator) (arrow.Record, error) {
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	hashB := b.Field(0).(*array.StringBuilder)
	layoutB := b.Field(1).(*array.StringBuilder)
	layerB := b.Field(2).(*array.Int32Builder)
	roleB := b.Field(3).(*array.StringBuilder)
	dtypeB := b.Field(4).(*array.StringBuilder)
	shapeB := b.Field(5).(*array.ListBuilder)
	shapeV := shapeB.ValueBuilder().(*array.Int64Builder)
	deviceB := b.Field(6).(*array.StringBuilder)
	dataB := b.Field(7).(*array.BinaryBuilder)

	appendTensor := func(key kvcache.ChunkKey, layer int, role string, t *tensor.Tensor) {
		hashB.Append(key.Hash)
		layoutB.Append(key.Layout.String())
		layerB.Append(int32(layer))
		roleB.Append(role)
		dtypeB.Append(t.DType().String())
		shapeB.Append(true)
		for _, d := range t.Shape() {
			shapeV.Append(int64(d))
		}
		deviceB.Append(t.Device().String())
		dataB.Append(t.Bytes())
	}

	for _, en := range entries {
		for layer, kv := range en.KV {
			if kv.K == nil || kv.V == nil {
				return nil, fmt.Errorf("entry %s/%s layer %d has nil tensors", en.Key.Hash, en.Key.Layout, layer)
			}
			appendTensor(en.Key, layer, roleKey, kv.K)
			appendTensor(en.Key, layer, roleValue, kv.V)
		}
	}
	return b.NewRecord(), nil
}

// EntryAccumulator regroups flattened rows back into entries, preserving
// first-seen key order and layer order.
type EntryAccumulator struct {
	order []kvcache.ChunkKey
	byKey map[kvcache.ChunkKey]kvcache.Bundle
}

func NewEntryAccumulator() *EntryAccumulator {
	return &EntryAccumulator{byKey: make(map[kvcache.ChunkKey]kvcache.Bundle)}
}

// Add consumes every row of one record batch.
func (a *EntryAccumulator) Add(rec arrow.Record) error {
	hashC, ok := rec.Column(0).(*array.String)
	if !ok {
		return fmt.Errorf("unexpected record schema: %s", rec.Schema())
	}
	layoutC := rec.Column(1).(*array.String)
	layerC := rec.Column(2).(*array.Int32)
	roleC := rec.Column(3).(*array.String)
	dtypeC := rec.Column(4).(*array.String)
	shapeC := rec.Column(5).(*array.List)
	shapeV := shapeC.ListValues().(*array.Int64)
	deviceC := rec.Column(6).(*array.String)
	dataC := rec.Column(7).(*array.Binary)

	for row := 0; row < int(rec.NumRows()); row++ {
		layout, err := kvcache.ParseLayout(layoutC.Value(row))
		if err != nil {
			return err
		}
		dtype, err := tensor.ParseDType(dtypeC.Value(row))
		if err != nil {
			return err
		}

		lo, hi := shapeC.ValueOffsets(row)
		shape := make([]int, 0, hi-lo)
		for i := lo; i < hi; i++ {
			shape = append(shape, int(shapeV.Value(int(i))))
		}

		// Binary column memory belongs to the record; copy out.
		raw := append([]byte(nil), dataC.Value(row)...)
		t, err := tensor.FromBytes(dtype, tensor.Device(deviceC.Value(row)), shape, raw)
		if err != nil {
			return fmt.Errorf("row %d: %w", row, err)
		}

		key := kvcache.ChunkKey{Hash: hashC.Value(row), Layout: layout}
		kv, seen := a.byKey[key]
		if !seen {
			a.order = append(a.order, key)
		}
		layer := int(layerC.Value(row))
		for len(kv) <= layer {
			kv = append(kv, kvcache.LayerKV{})
		}
		switch roleC.Value(row) {
		case roleKey:
			kv[layer].K = t
		case roleValue:
			kv[layer].V = t
		default:
			return fmt.Errorf("row %d has unknown tensor role %q", row, roleC.Value(row))
		}
		a.byKey[key] = kv
	}
	return nil
}

// Entries returns the regrouped entries, failing on incomplete layers.
func (a *EntryAccumulator) Entries() ([]kvcache.Entry, error) {
	out := make([]kvcache.Entry, 0, len(a.order))
	for _, key := range a.order {
		kv := a.byKey[key]
		for layer, pair := range kv {
			if pair.K == nil || pair.V == nil {
				return nil, fmt.Errorf("chunk %s/%s layer %d is missing a tensor", key.Hash, key.Layout, layer)
			}
		}
		out = append(out, kvcache.Entry{Key: key, KV: kv})
	}
	return out, nil
}

// Codec is an Arrow IPC stream implementation of kvcache.Codec.
type Codec struct {
	mem memory.Allocator
}

// NewCodec builds a codec on the default allocator.
func NewCodec() *Codec {
	return &Codec{mem: memory.DefaultAllocator}
}

func (c *Codec) Encode(w io.Writer, entries []kvcache.Entry) error {
	rec, err := EntriesToRecord(entries, c.mem)
	if err != nil {
		return err
	}
	defer rec.Release()

	wr := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(c.mem))
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return fmt.Errorf("writing snapshot record: %w", err)
	}
	return wr.Close()
}

func (c *Codec) Decode(r io.Reader) ([]kvcache.Entry, error) {
	rd, err := ipc.NewReader(r, ipc.WithAllocator(c.mem))
	if err != nil {
		return nil, fmt.Errorf("opening snapshot stream: %w", err)
	}
	defer rd.Release()

	acc := NewEntryAccumulator()
	for rd.Next() {
		if err := acc.Add(rd.Record()); err != nil {
			return nil, err
		}
	}
	if err := rd.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading snapshot stream: %w", err)
	}
	return acc.Entries()
}

var _ kvcache.Codec = (*Codec)(nil)
