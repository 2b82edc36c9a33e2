package kvcache

import "errors"

var (
	// ErrShapeMismatch reports a KV bundle whose token extent disagrees
	// with the token sequence, or a bundle with no layers. The call is not
	// retryable; the caller must fix its input.
	ErrShapeMismatch = errors.New("kv shape mismatch")

	// ErrInvalidLayout reports a layout value outside the supported set.
	ErrInvalidLayout = errors.New("invalid kv layout")

	// ErrPersistenceUnavailable reports a snapshot operation on an engine
	// with no snapshot path or codec configured.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
)
