package clock

import "time"

// Source provides monotonic timestamps in nanoseconds. All TTL and LRU
// bookkeeping goes through a Source so that tests can drive time manually
// and wall-clock adjustments never move expirations backwards.
type Source interface {
	Now() int64
}

// Monotonic reads the process monotonic clock. time.Since on a base
// instant uses the runtime monotonic reading, so the returned values are
// immune to wall-clock adjustments.
type Monotonic struct {
	base time.Time
}

func NewMonotonic() *Monotonic {
	return &Monotonic{base: time.Now()}
}

func (m *Monotonic) Now() int64 {
	return int64(time.Since(m.base))
}

// Manual is a hand-driven Source for tests.
type Manual struct {
	AtomicClock
}

func NewManual() *Manual {
	return &Manual{}
}

func (m *Manual) Now() int64 {
	return int64(m.Val())
}

// Advance moves the manual clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.Add(uint64(d))
}
