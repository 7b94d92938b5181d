package bus

import "sync"

// inflightSet tracks event_ids currently inside the Publish pipeline, with
// a hard capacity. It gives two admission properties: a bounded number of
// concurrent appends, and at most one in-pipeline processor per event_id.
type inflightSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
	cap int
}

func newInflightSet(capacity int) *inflightSet {
	return &inflightSet{
		ids: make(map[string]struct{}, capacity),
		cap: capacity,
	}
}

type admitResult int

const (
	admitOK admitResult = iota
	admitFull
	admitDuplicate
)

// tryAdd inserts id if the set has room and id is absent.
func (s *inflightSet) tryAdd(id string) admitResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return admitDuplicate
	}
	if len(s.ids) >= s.cap {
		return admitFull
	}
	s.ids[id] = struct{}{}
	return admitOK
}

func (s *inflightSet) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}

func (s *inflightSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
