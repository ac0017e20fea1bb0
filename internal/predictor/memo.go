package predictor

import (
	"container/list"
	"sync"
)

// memo is a small LRU of built predictors keyed by type and version. A
// doubly linked list plus index map keeps get, add, and remove O(1).
//
// Evicted predictors are immutable; callers already holding one keep using
// it and the memory is reclaimed when they let go.
type memo struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

type memoEntry struct {
	key       string
	predictor Predictor
}

func newMemo(capacity int) *memo {
	if capacity < 1 {
		capacity = 1
	}

	return &memo{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element, capacity),
	}
}

// get returns the memoized predictor and marks it most recently used.
func (m *memo) get(key string) (Predictor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.entries[key]
	if !ok {
		return nil, false
	}

	m.order.MoveToFront(elem)

	return elem.Value.(*memoEntry).predictor, true
}

// add inserts or refreshes the entry, evicting the least recently used one
// when over capacity.
func (m *memo) add(key string, p Predictor) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.entries[key]; ok {
		elem.Value.(*memoEntry).predictor = p
		m.order.MoveToFront(elem)

		return
	}

	m.entries[key] = m.order.PushFront(&memoEntry{key: key, predictor: p})

	for m.order.Len() > m.capacity {
		oldest := m.order.Back()
		m.order.Remove(oldest)
		delete(m.entries, oldest.Value.(*memoEntry).key)
	}
}

func (m *memo) remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.entries[key]; ok {
		m.order.Remove(elem)
		delete(m.entries, key)
	}
}

func (m *memo) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.order.Len()
}
