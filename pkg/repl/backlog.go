package repl

import (
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"
)

// backlog retains the most recent replicated frames keyed by their
// start byte offset. The master appends under its own lock; readers
// walk it lock-free while streaming a partial resync.
type backlog struct {
	frames *skipmap.Uint64Map[[]byte]

	first atomic.Uint64 // oldest retained start offset
	end   atomic.Uint64 // offset one past the newest frame
	size  atomic.Int64
	max   int64
}

func newBacklog(maxBytes int64) *backlog {
	return &backlog{
		frames: skipmap.NewUint64[[]byte](),
		max:    maxBytes,
	}
}

// reset seeds both ends of the retained range, for a master whose
// offset was restored before any frame exists.
func (b *backlog) reset(offset uint64) {
	b.first.Store(offset)
	b.end.Store(offset)
}

// add appends a frame starting at the given offset and trims the oldest
// frames once the byte budget is exceeded. Single appender only.
func (b *backlog) add(start uint64, frame []byte) {
	if b.size.Load() == 0 {
		b.first.Store(start)
	}
	b.frames.Store(start, frame)
	b.end.Store(start + uint64(len(frame)))
	b.size.Add(int64(len(frame)))

	for b.size.Load() > b.max {
		oldest := b.first.Load()
		f, ok := b.frames.Load(oldest)
		if !ok {
			break
		}
		b.frames.Delete(oldest)
		b.first.Store(oldest + uint64(len(f)))
		b.size.Add(-int64(len(f)))
	}
}

// covers reports whether a resync starting at offset can be served from
// retained frames alone.
func (b *backlog) covers(offset uint64) bool {
	return offset >= b.first.Load() && offset <= b.end.Load()
}

// replayFrom invokes fn for each retained frame whose start offset is
// in [offset, upto), in offset order.
func (b *backlog) replayFrom(offset, upto uint64, fn func(frame []byte) error) error {
	var err error
	b.frames.Range(func(start uint64, frame []byte) bool {
		if start < offset {
			return true
		}
		if start >= upto {
			return false
		}
		err = fn(frame)
		return err == nil
	})
	return err
}

func (b *backlog) bytes() int64 {
	return b.size.Load()
}

func (b *backlog) firstOffset() uint64 {
	return b.first.Load()
}
