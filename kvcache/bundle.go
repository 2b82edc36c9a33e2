package kvcache

import (
	"fmt"

	"github.com/23skdu/longbow-kvcache/tensor"
)

// LayerKV is the cached attention state for one model layer.
type LayerKV struct {
	K *tensor.Tensor
	V *tensor.Tensor
}

// Bundle is per-layer KV state for a span of tokens, one LayerKV per model
// layer in layer order. All tensors share the same token-axis extent.
type Bundle []LayerKV

// TokenCount returns the extent along the layout's token axis, read from
// the first layer's key tensor. An empty bundle has zero tokens.
func (b Bundle) TokenCount(layout Layout) (int, error) {
	axis, err := layout.TokenAxis()
	if err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return 0, nil
	}
	return b[0].K.Dim(axis), nil
}

// SizeBytes returns the total backing storage of all tensors.
func (b Bundle) SizeBytes() int64 {
	var n int64
	for _, kv := range b {
		n += kv.K.SizeBytes() + kv.V.SizeBytes()
	}
	return n
}

// sliceBundle cuts every layer's K and V to the token range [start, end)
// and tags the result for device. Layer order is preserved.
func sliceBundle(b Bundle, layout Layout, start, end int, device tensor.Device) (Bundle, error) {
	axis, err := layout.TokenAxis()
	if err != nil {
		return nil, err
	}
	out := make(Bundle, 0, len(b))
	for i, kv := range b {
		k, err := kv.K.Slice(axis, start, end)
		if err != nil {
			return nil, fmt.Errorf("slicing layer %d key: %w", i, err)
		}
		v, err := kv.V.Slice(axis, start, end)
		if err != nil {
			return nil, fmt.Errorf("slicing layer %d value: %w", i, err)
		}
		out = append(out, LayerKV{K: k.To(device), V: v.To(device)})
	}
	return out, nil
}

// concatBundles joins per-chunk bundles along the layout's concat axis,
// layer by layer, transferring the result to device. All chunks must have
// the same layer count.
func concatBundles(chunks []Bundle, layout Layout, device tensor.Device) (Bundle, error) {
	axis, err := layout.ConcatAxis()
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}
	layers := len(chunks[0])
	for i, c := range chunks {
		if len(c) != layers {
			return nil, fmt.Errorf("chunk %d has %d layers, want %d: %w", i, len(c), layers, ErrShapeMismatch)
		}
	}

	out := make(Bundle, 0, layers)
	ks := make([]*tensor.Tensor, len(chunks))
	vs := make([]*tensor.Tensor, len(chunks))
	for layer := 0; layer < layers; layer++ {
		for i, c := range chunks {
			ks[i] = c[layer].K
			vs[i] = c[layer].V
		}
		k, err := tensor.Concat(ks, axis, device)
		if err != nil {
			return nil, fmt.Errorf("concatenating layer %d keys: %w", layer, err)
		}
		v, err := tensor.Concat(vs, axis, device)
		if err != nil {
			return nil, fmt.Errorf("concatenating layer %d values: %w", layer, err)
		}
		out = append(out, LayerKV{K: k, V: v})
	}
	return out, nil
}
