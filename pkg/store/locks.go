package store

import (
	"slices"
	"sync"
)

// LockSet tracks record IDs believed to be edited by another client.
// It is advisory: the authority does not enforce it.
type LockSet struct {
	mu  sync.RWMutex
	ids map[int64]struct{}
}

func NewLockSet() *LockSet {
	return &LockSet{ids: make(map[int64]struct{})}
}

func (l *LockSet) MarkLocked(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ids[id] = struct{}{}
}

func (l *LockSet) MarkUnlocked(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.ids, id)
}

func (l *LockSet) IsLocked(id int64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, ok := l.ids[id]
	return ok
}

// IDs returns the locked IDs in ascending order.
func (l *LockSet) IDs() []int64 {
	l.mu.RLock()
	ids := make([]int64, 0, len(l.ids))
	for id := range l.ids {
		ids = append(ids, id)
	}
	l.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// Clear forgets every lock, e.g. when the stream that reported them is gone.
func (l *LockSet) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	clear(l.ids)
}
