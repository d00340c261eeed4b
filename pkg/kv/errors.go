package kv

import "errors"

var (
	ErrNotFound    = errors.New("kvlite: not found")
	ErrWrongKind   = errors.New("kvlite: operation against a key holding the wrong kind of value")
	ErrOutOfMemory = errors.New("kvlite: out of memory, eviction could not free enough space")
	ErrBadValue    = errors.New("kvlite: malformed value encoding")
)
