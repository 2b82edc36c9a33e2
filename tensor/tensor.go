package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// DType is the element type of a tensor.
type DType uint8

const (
	F32 DType = iota
	F16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// ElemSize returns the element width in bytes.
func (d DType) ElemSize() int {
	if d == F16 {
		return 2
	}
	return 4
}

// ParseDType parses the String form of a DType.
func ParseDType(s string) (DType, error) {
	switch s {
	case "f32":
		return F32, nil
	case "f16":
		return F16, nil
	default:
		return 0, fmt.Errorf("unknown dtype: %q", s)
	}
}

// Tensor is a dense row-major host tensor. KV attention state is stored as
// 3-axis tensors, but the operations here are rank-agnostic.
type Tensor struct {
	dtype  DType
	device Device
	shape  []int
	f32    []float32
	f16    []uint16 // float16 bit patterns when dtype == F16
}

// New allocates a zero-filled tensor.
func New(dtype DType, device Device, shape ...int) *Tensor {
	n := numElems(shape)
	t := &Tensor{dtype: dtype, device: device, shape: append([]int(nil), shape...)}
	if dtype == F16 {
		t.f16 = make([]uint16, n)
	} else {
		t.f32 = make([]float32, n)
	}
	return t
}

// FromFloat32 wraps data as an F32 tensor of the given shape.
func FromFloat32(device Device, data []float32, shape ...int) (*Tensor, error) {
	if len(data) != numElems(shape) {
		return nil, fmt.Errorf("data length %d does not match shape %v", len(data), shape)
	}
	return &Tensor{dtype: F32, device: device, shape: append([]int(nil), shape...), f32: data}, nil
}

func numElems(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t *Tensor) DType() DType   { return t.dtype }
func (t *Tensor) Device() Device { return t.device }

// Shape returns a copy of the tensor's dimensions.
func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

// Dims returns the rank.
func (t *Tensor) Dims() int { return len(t.shape) }

// Dim returns the extent along one axis.
func (t *Tensor) Dim(axis int) int {
	if axis < 0 || axis >= len(t.shape) {
		return 0
	}
	return t.shape[axis]
}

// NumElems returns the total element count.
func (t *Tensor) NumElems() int { return numElems(t.shape) }

// SizeBytes returns the backing storage size.
func (t *Tensor) SizeBytes() int64 {
	return int64(t.NumElems()) * int64(t.dtype.ElemSize())
}

func (t *Tensor) flatIndex(idx []int) int {
	flat := 0
	for i, x := range idx {
		flat = flat*t.shape[i] + x
	}
	return flat
}

// At reads one element, converting to float32 for F16 tensors.
func (t *Tensor) At(idx ...int) float32 {
	i := t.flatIndex(idx)
	if t.dtype == F16 {
		return float16.Frombits(t.f16[i]).Float32()
	}
	return t.f32[i]
}

// Set writes one element, converting from float32 for F16 tensors.
func (t *Tensor) Set(v float32, idx ...int) {
	i := t.flatIndex(idx)
	if t.dtype == F16 {
		t.f16[i] = float16.Fromfloat32(v).Bits()
		return
	}
	t.f32[i] = v
}

// Float32s materializes all elements as float32 in row-major order.
func (t *Tensor) Float32s() []float32 {
	out := make([]float32, t.NumElems())
	if t.dtype == F16 {
		for i, b := range t.f16 {
			out[i] = float16.Frombits(b).Float32()
		}
		return out
	}
	copy(out, t.f32)
	return out
}

// Clone returns a deep copy on the same device.
func (t *Tensor) Clone() *Tensor {
	return t.To(t.device)
}

// To returns a copy of the tensor tagged for the given device. The cache is
// host-resident, so the transfer is a memcpy plus a retag; accelerator
// transport belongs to the serving layer.
func (t *Tensor) To(device Device) *Tensor {
	out := &Tensor{dtype: t.dtype, device: device, shape: append([]int(nil), t.shape...)}
	if t.dtype == F16 {
		out.f16 = append([]uint16(nil), t.f16...)
	} else {
		out.f32 = append([]float32(nil), t.f32...)
	}
	return out
}

// Slice copies the range [start, end) along the given axis into a new
// tensor. The result keeps the source device tag.
func (t *Tensor) Slice(axis, start, end int) (*Tensor, error) {
	if axis < 0 || axis >= len(t.shape) {
		return nil, fmt.Errorf("slice axis %d out of range for shape %v", axis, t.shape)
	}
	if start < 0 || end < start || end > t.shape[axis] {
		return nil, fmt.Errorf("slice range [%d:%d) out of bounds for axis %d (extent %d)", start, end, axis, t.shape[axis])
	}

	outShape := append([]int(nil), t.shape...)
	outShape[axis] = end - start
	out := New(t.dtype, t.device, outShape...)

	outer := 1
	for _, d := range t.shape[:axis] {
		outer *= d
	}
	inner := 1
	for _, d := range t.shape[axis+1:] {
		inner *= d
	}

	srcRow := t.shape[axis] * inner
	dstRow := (end - start) * inner
	for o := 0; o < outer; o++ {
		src := o*srcRow + start*inner
		dst := o * dstRow
		if t.dtype == F16 {
			copy(out.f16[dst:dst+dstRow], t.f16[src:src+dstRow])
		} else {
			copy(out.f32[dst:dst+dstRow], t.f32[src:src+dstRow])
		}
	}
	return out, nil
}

// Concat joins tensors along the given axis. All inputs must share dtype
// and every extent except the concat axis. The result is tagged for device.
func Concat(ts []*Tensor, axis int, device Device) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("concat of zero tensors")
	}
	first := ts[0]
	if axis < 0 || axis >= len(first.shape) {
		return nil, fmt.Errorf("concat axis %d out of range for shape %v", axis, first.shape)
	}

	total := 0
	for _, t := range ts {
		if t.dtype != first.dtype {
			return nil, fmt.Errorf("concat dtype mismatch: %s vs %s", t.dtype, first.dtype)
		}
		if len(t.shape) != len(first.shape) {
			return nil, fmt.Errorf("concat rank mismatch: %v vs %v", t.shape, first.shape)
		}
		for i, d := range t.shape {
			if i != axis && d != first.shape[i] {
				return nil, fmt.Errorf("concat shape mismatch on axis %d: %v vs %v", i, t.shape, first.shape)
			}
		}
		total += t.shape[axis]
	}

	outShape := append([]int(nil), first.shape...)
	outShape[axis] = total
	out := New(first.dtype, device, outShape...)

	outer := 1
	for _, d := range first.shape[:axis] {
		outer *= d
	}
	inner := 1
	for _, d := range first.shape[axis+1:] {
		inner *= d
	}

	dstRow := total * inner
	for o := 0; o < outer; o++ {
		off := 0
		for _, t := range ts {
			row := t.shape[axis] * inner
			src := o * row
			dst := o*dstRow + off
			if first.dtype == F16 {
				copy(out.f16[dst:dst+row], t.f16[src:src+row])
			} else {
				copy(out.f32[dst:dst+row], t.f32[src:src+row])
			}
			off += row
		}
	}
	return out, nil
}

// Bytes serializes the elements little-endian in row-major order.
func (t *Tensor) Bytes() []byte {
	if t.dtype == F16 {
		out := make([]byte, 2*len(t.f16))
		for i, b := range t.f16 {
			binary.LittleEndian.PutUint16(out[2*i:], b)
		}
		return out
	}
	out := make([]byte, 4*len(t.f32))
	for i, f := range t.f32 {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(f))
	}
	return out
}

// FromBytes rebuilds a tensor from the Bytes representation.
func FromBytes(dtype DType, device Device, shape []int, raw []byte) (*Tensor, error) {
	n := numElems(shape)
	if len(raw) != n*dtype.ElemSize() {
		return nil, fmt.Errorf("raw length %d does not match shape %v dtype %s", len(raw), shape, dtype)
	}
	out := New(dtype, device, shape...)
	if dtype == F16 {
		for i := range out.f16 {
			out.f16[i] = binary.LittleEndian.Uint16(raw[2*i:])
		}
		return out, nil
	}
	for i := range out.f32 {
		out.f32[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out, nil
}
