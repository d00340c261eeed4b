package kv

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Kind tags the variant stored in a Value.
type Kind uint8

const (
	KindBytes Kind = iota + 1
	KindList
	KindHash
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "string"
	case KindList:
		return "list"
	case KindHash:
		return "hash"
	default:
		return "unknown"
	}
}

// Value is the tagged union held by an entry: opaque bytes, an ordered
// list, or an associative hash. Exactly one variant is populated,
// selected by Kind.
type Value struct {
	Kind  Kind
	Bytes []byte
	List  [][]byte
	Hash  map[string][]byte
}

func BytesValue(b []byte) Value {
	return Value{Kind: KindBytes, Bytes: b}
}

func ListValue(elems ...[]byte) Value {
	return Value{Kind: KindList, List: elems}
}

func HashValue(fields map[string][]byte) Value {
	return Value{Kind: KindHash, Hash: fields}
}

// Size estimates the heap footprint of the value payload in bytes.
func (v Value) Size() int64 {
	switch v.Kind {
	case KindBytes:
		return int64(len(v.Bytes))
	case KindList:
		var n int64
		for _, e := range v.List {
			n += int64(len(e)) + 16
		}
		return n
	case KindHash:
		var n int64
		for f, e := range v.Hash {
			n += int64(len(f)) + int64(len(e)) + 32
		}
		return n
	default:
		return 0
	}
}

// Encode serializes the value as a kind-tagged binary blob:
// [1-byte kind] followed by the variant payload. Byte strings are
// length-prefixed with a little-endian uint32.
func (v Value) Encode() ([]byte, error) {
	buf := []byte{byte(v.Kind)}

	switch v.Kind {
	case KindBytes:
		var err error
		if buf, err = appendBytes(buf, v.Bytes); err != nil {
			return nil, err
		}

	case KindList:
		if len(v.List) > math.MaxUint32 {
			return nil, fmt.Errorf("kvlite: list too large: %d elements", len(v.List))
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v.List)))
		for _, e := range v.List {
			var err error
			if buf, err = appendBytes(buf, e); err != nil {
				return nil, err
			}
		}

	case KindHash:
		if len(v.Hash) > math.MaxUint32 {
			return nil, fmt.Errorf("kvlite: hash too large: %d fields", len(v.Hash))
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v.Hash)))
		for f, e := range v.Hash {
			var err error
			if buf, err = appendBytes(buf, []byte(f)); err != nil {
				return nil, err
			}
			if buf, err = appendBytes(buf, e); err != nil {
				return nil, err
			}
		}

	default:
		return nil, fmt.Errorf("kvlite: cannot encode value of kind %d", v.Kind)
	}

	return buf, nil
}

// DecodeValue is the inverse of Encode.
func DecodeValue(data []byte) (Value, error) {
	if len(data) < 1 {
		return Value{}, ErrBadValue
	}

	v := Value{Kind: Kind(data[0])}
	rest := data[1:]

	switch v.Kind {
	case KindBytes:
		b, rest, err := readBytes(rest)
		if err != nil {
			return Value{}, err
		}
		if len(rest) != 0 {
			return Value{}, ErrBadValue
		}
		v.Bytes = b

	case KindList:
		count, rest, err := readUint32(rest)
		if err != nil {
			return Value{}, err
		}
		v.List = make([][]byte, 0, count)
		for i := uint32(0); i < count; i++ {
			var e []byte
			if e, rest, err = readBytes(rest); err != nil {
				return Value{}, err
			}
			v.List = append(v.List, e)
		}
		if len(rest) != 0 {
			return Value{}, ErrBadValue
		}

	case KindHash:
		count, rest, err := readUint32(rest)
		if err != nil {
			return Value{}, err
		}
		v.Hash = make(map[string][]byte, count)
		for i := uint32(0); i < count; i++ {
			var f, e []byte
			if f, rest, err = readBytes(rest); err != nil {
				return Value{}, err
			}
			if e, rest, err = readBytes(rest); err != nil {
				return Value{}, err
			}
			v.Hash[string(f)] = e
		}
		if len(rest) != 0 {
			return Value{}, ErrBadValue
		}

	default:
		return Value{}, ErrBadValue
	}

	return v, nil
}

func appendBytes(buf, b []byte) ([]byte, error) {
	if len(b) > math.MaxUint32 {
		return nil, fmt.Errorf("kvlite: byte string too large: %d", len(b))
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...), nil
}

func readUint32(data []byte) (uint32, []byte, error) {
	if len(data) < 4 {
		return 0, nil, ErrBadValue
	}
	return binary.LittleEndian.Uint32(data), data[4:], nil
}

func readBytes(data []byte) ([]byte, []byte, error) {
	n, rest, err := readUint32(data)
	if err != nil {
		return nil, nil, err
	}
	if uint32(len(rest)) < n {
		return nil, nil, ErrBadValue
	}
	out := make([]byte, n)
	copy(out, rest[:n])
	return out, rest[n:], nil
}
