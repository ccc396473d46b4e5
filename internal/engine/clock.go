package engine

import (
	"sync/atomic"
	"time"
)

// Clock supplies wall time for cache freshness and timestamps.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// sequence stamps pipeline runs with a strictly increasing number so log
// lines from concurrent pipelines can be ordered by start.
type sequence struct {
	n atomic.Int64
}

// Next returns the next sequence number.
func (s *sequence) Next() int64 {
	return s.n.Add(1)
}
