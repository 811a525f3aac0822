// ABOUTME: Bounded set of recently retired request ids.
// ABOUTME: Lets the router tell late events for finished requests apart from unknown ids.

package backchannel

import (
	"container/list"
	"sync"
)

// retiredSet remembers the most recent request ids removed from the registry.
// Oldest ids are evicted first once maxSize is reached.
type retiredSet struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List // oldest at front
	maxSize int
}

func newRetiredSet(maxSize int) *retiredSet {
	return &retiredSet{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
	}
}

// Add marks id as retired, refreshing its position if already present.
func (s *retiredSet) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.seen[id]; ok {
		s.order.MoveToBack(elem)
		return
	}
	if len(s.seen) >= s.maxSize {
		if front := s.order.Front(); front != nil {
			key, _ := front.Value.(string)
			s.order.Remove(front)
			delete(s.seen, key)
		}
	}
	s.seen[id] = s.order.PushBack(id)
}

// Contains reports whether id was retired recently.
func (s *retiredSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[id]
	return ok
}

// Len returns the number of remembered ids.
func (s *retiredSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
