package remote

import (
	"github.com/gammazero/deque"
	"go.uber.org/atomic"
)

// MaxSSRCs is how many media sources a REMB reports at most.
const MaxSSRCs = 8

// ssrcSet is a bounded set of SSRCs that evicts the least recently touched
// entry on overflow.
//
// Touch must be called from a single goroutine. Snapshot may be called from
// any goroutine: every membership change publishes a fresh immutable slice.
type ssrcSet struct {
	capacity int
	members  map[uint32]struct{}
	order    deque.Deque[uint32] // front is least recently touched

	snapshot atomic.Pointer[[]uint32]
}

func newSSRCSet(capacity int) *ssrcSet {
	s := &ssrcSet{
		capacity: capacity,
		members:  make(map[uint32]struct{}, capacity+1),
	}
	s.order.SetBaseCap(capacity + 1)
	empty := []uint32{}
	s.snapshot.Store(&empty)
	return s
}

// Touch marks ssrc as most recently used, adding it if needed. It returns
// the SSRC evicted to make room, if any.
func (s *ssrcSet) Touch(ssrc uint32) (evicted uint32, ok bool) {
	if _, member := s.members[ssrc]; member {
		if s.order.Back() != ssrc {
			i := s.order.Index(func(v uint32) bool { return v == ssrc })
			s.order.Remove(i)
			s.order.PushBack(ssrc)
		}
		return 0, false
	}

	s.members[ssrc] = struct{}{}
	s.order.PushBack(ssrc)
	if s.order.Len() > s.capacity {
		evicted, ok = s.order.PopFront(), true
		delete(s.members, evicted)
	}
	s.publish()
	return evicted, ok
}

func (s *ssrcSet) publish() {
	out := make([]uint32, 0, s.order.Len())
	for i := 0; i < s.order.Len(); i++ {
		out = append(out, s.order.At(i))
	}
	s.snapshot.Store(&out)
}

// Snapshot returns a copy of the current members in no particular order.
func (s *ssrcSet) Snapshot() []uint32 {
	cur := *s.snapshot.Load()
	out := make([]uint32, len(cur))
	copy(out, cur)
	return out
}

// Len returns the number of members as of the last published snapshot.
func (s *ssrcSet) Len() int {
	return len(*s.snapshot.Load())
}
