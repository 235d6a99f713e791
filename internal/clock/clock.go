// Package clock provides the monotonic time, wall time, and unique ID source
// the rest of the broker depends on (spec component C1).
package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall and monotonic time so tests can inject a fake one.
type Clock interface {
	Now() time.Time
}

// Real is the production Clock backed by time.Now.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// IDSource mints opaque, globally unique, monotonically time-ordered IDs.
// The teacher stubbed this as `"uuid-" + time.Now().String()` with a literal
// TODO; this replaces it with a real sortable ID: a millisecond timestamp
// prefix (for monotonic ordering per I1/I6) followed by a random UUID suffix
// (for global uniqueness across replicas, since two IDs minted in the same
// millisecond must still never collide).
type IDSource struct {
	clock Clock

	mu   sync.Mutex
	last int64
	seq  int
}

// NewIDSource builds an IDSource using the given Clock (use Real{} in production).
func NewIDSource(c Clock) *IDSource {
	return &IDSource{clock: c}
}

// NewID returns a new opaque job/request ID. IDs minted from the same IDSource
// sort lexically in time order.
func (s *IDSource) NewID() string {
	s.mu.Lock()
	now := s.clock.Now().UnixMilli()
	if now <= s.last {
		now = s.last
		s.seq++
	} else {
		s.last = now
		s.seq = 0
	}
	seq := s.seq
	s.mu.Unlock()

	return fmt.Sprintf("%013d-%04d-%s", now, seq, uuid.New().String())
}
