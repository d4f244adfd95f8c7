// ABOUTME: TTL cache of recently used request ids.
// ABOUTME: Backs duplicate-request rejection after a request has completed.

package correlator

import (
	"container/list"
	"time"
)

const (
	seenTTL     = 5 * time.Minute
	seenMaxSize = 100_000
)

type seenEntry struct {
	timestamp time.Time
	element   *list.Element
}

// seenCache remembers request ids for seenTTL so a request id cannot be
// reused immediately after its sequence finishes. Insertion order is kept
// in a linked list for O(1) eviction; expired entries are swept lazily on
// insert, so no background goroutine is needed. Not safe for concurrent
// use: the Correlator serializes access under its own mutex.
type seenCache struct {
	entries map[string]*seenEntry
	order   *list.List // oldest at front
}

func newSeenCache() *seenCache {
	return &seenCache{
		entries: make(map[string]*seenEntry),
		order:   list.New(),
	}
}

// checkAndMark reports whether the id was seen within the TTL, marking it
// as seen either way.
func (s *seenCache) checkAndMark(id string) bool {
	now := time.Now()
	s.sweep(now)

	if e, ok := s.entries[id]; ok {
		if now.Sub(e.timestamp) < seenTTL {
			return true
		}
		e.timestamp = now
		s.order.MoveToBack(e.element)
		return false
	}

	if len(s.entries) >= seenMaxSize {
		s.evictOldest()
	}
	elem := s.order.PushBack(id)
	s.entries[id] = &seenEntry{timestamp: now, element: elem}
	return false
}

// forget removes an id so it may be reused immediately. Used when a
// request is rejected before executing.
func (s *seenCache) forget(id string) {
	e, ok := s.entries[id]
	if !ok {
		return
	}
	s.order.Remove(e.element)
	delete(s.entries, id)
}

// sweep removes expired entries from the front of the insertion order.
// Entries refreshed by checkAndMark were moved to the back, so the front
// is always the oldest.
func (s *seenCache) sweep(now time.Time) {
	for {
		front := s.order.Front()
		if front == nil {
			return
		}
		id, _ := front.Value.(string)
		e := s.entries[id]
		if e == nil || now.Sub(e.timestamp) < seenTTL {
			return
		}
		s.order.Remove(front)
		delete(s.entries, id)
	}
}

func (s *seenCache) evictOldest() {
	front := s.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	s.order.Remove(front)
	delete(s.entries, id)
}
