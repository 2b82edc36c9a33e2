package kvcache

import "fmt"

// Layout is the memory ordering of per-layer KV tensors. It is part of the
// chunk key: state cached under one layout is never served for another.
type Layout uint8

const (
	// LayoutHeadsMajor orders axes as [heads, tokens, features].
	LayoutHeadsMajor Layout = iota
	// LayoutTokensMajor orders axes as [tokens, heads, features].
	LayoutTokensMajor

	layoutCount
)

func (l Layout) String() string {
	switch l {
	case LayoutHeadsMajor:
		return "heads-major"
	case LayoutTokensMajor:
		return "tokens-major"
	default:
		return fmt.Sprintf("layout(%d)", uint8(l))
	}
}

// ParseLayout parses the String form of a Layout.
func ParseLayout(s string) (Layout, error) {
	switch s {
	case "heads-major":
		return LayoutHeadsMajor, nil
	case "tokens-major":
		return LayoutTokensMajor, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidLayout, s)
	}
}

// TokenAxis is the axis KV tensors are sliced along per chunk.
func (l Layout) TokenAxis() (int, error) {
	switch l {
	case LayoutHeadsMajor:
		return 1, nil
	case LayoutTokensMajor:
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrInvalidLayout, l)
	}
}

// ConcatAxis is the axis retrieved chunks are joined along. It coincides
// with the token axis for both supported layouts.
func (l Layout) ConcatAxis() (int, error) {
	return l.TokenAxis()
}
