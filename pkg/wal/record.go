package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
)

// Op identifies the mutation a record carries.
type Op uint8

const (
	OpSet Op = iota + 1
	OpDelete
	OpExpire
	OpFlush
	OpLPush
	OpRPush
	OpHSet
	OpHDel
)

var (
	ErrIncompleteFrame = errors.New("kvlite: incomplete wal frame")
	ErrChecksum        = errors.New("kvlite: wal frame checksum mismatch")
	ErrFrameTooLarge   = errors.New("kvlite: wal frame exceeds size limit")
)

// maxFrameSize bounds a single record so a corrupted length prefix can
// never trigger a huge allocation.
const maxFrameSize = 64 << 20

// Record is one mutation in the durability log. Value carries the
// kind-tagged kv encoding of the payload (the stored value for OpSet,
// pushed elements for list ops, fields for hash ops); TTLMillis is the
// relative expiry at append time, 0 when none.
type Record struct {
	Seq       uint64
	Op        Op
	Key       []byte
	Value     []byte
	TTLMillis int64
}

// MarshalFrame serializes the record as
// [4-byte BE length][payload][4-byte BE CRC32(payload)].
// Payload layout: seq u64 | op u8 | ttl i64 | key len u32 | key |
// value len u32 | value, all little-endian like the rest of the codecs.
func (r Record) MarshalFrame() ([]byte, error) {
	if len(r.Key) > math.MaxUint32 {
		return nil, fmt.Errorf("kvlite: key too large: %d", len(r.Key))
	}
	if len(r.Value) > math.MaxUint32 {
		return nil, fmt.Errorf("kvlite: value too large: %d", len(r.Value))
	}

	payloadLen := 8 + 1 + 8 + 4 + len(r.Key) + 4 + len(r.Value)
	if payloadLen > maxFrameSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, 0, 4+payloadLen+4)
	buf = binary.BigEndian.AppendUint32(buf, uint32(payloadLen))

	buf = binary.LittleEndian.AppendUint64(buf, r.Seq)
	buf = append(buf, byte(r.Op))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.TTLMillis))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.Key)))
	buf = append(buf, r.Key...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.Value)))
	buf = append(buf, r.Value...)

	crc := crc32.ChecksumIEEE(buf[4:])
	buf = binary.BigEndian.AppendUint32(buf, crc)
	return buf, nil
}

// DecodeFrame parses one framed record from the front of data. It
// returns the bytes consumed so replication streams can decode records
// out of an accumulating buffer. ErrIncompleteFrame means more bytes are
// needed; ErrChecksum and ErrFrameTooLarge mean the frame is invalid.
func DecodeFrame(data []byte) (Record, int, error) {
	if len(data) < 4 {
		return Record{}, 0, ErrIncompleteFrame
	}
	payloadLen := int(binary.BigEndian.Uint32(data))
	if payloadLen > maxFrameSize {
		return Record{}, 0, ErrFrameTooLarge
	}
	total := 4 + payloadLen + 4
	if len(data) < total {
		return Record{}, 0, ErrIncompleteFrame
	}

	payload := data[4 : 4+payloadLen]
	want := binary.BigEndian.Uint32(data[4+payloadLen:])
	if crc32.ChecksumIEEE(payload) != want {
		return Record{}, 0, ErrChecksum
	}

	rec, err := decodePayload(payload)
	if err != nil {
		return Record{}, 0, err
	}
	return rec, total, nil
}

func decodePayload(p []byte) (Record, error) {
	if len(p) < 8+1+8+4 {
		return Record{}, ErrChecksum
	}
	var rec Record
	rec.Seq = binary.LittleEndian.Uint64(p)
	rec.Op = Op(p[8])
	rec.TTLMillis = int64(binary.LittleEndian.Uint64(p[9:]))
	p = p[17:]

	keyLen := binary.LittleEndian.Uint32(p)
	p = p[4:]
	if uint32(len(p)) < keyLen+4 {
		return Record{}, ErrChecksum
	}
	rec.Key = append([]byte(nil), p[:keyLen]...)
	p = p[keyLen:]

	valLen := binary.LittleEndian.Uint32(p)
	p = p[4:]
	if uint32(len(p)) != valLen {
		return Record{}, ErrChecksum
	}
	if valLen > 0 {
		rec.Value = append([]byte(nil), p...)
	}
	return rec, nil
}
