package store

import (
	"cmp"
	"slices"
	"sync"

	"github.com/userlist/userlist/pkg/models"
)

// RecordStore is an ordered collection of records keyed by ID.
// The order is arrival order; use Sorted for presentation.
type RecordStore struct {
	mu      sync.RWMutex
	records []models.Record
}

func NewRecordStore() *RecordStore {
	return &RecordStore{}
}

// Seed replaces the contents with records. Later duplicates of an ID
// overwrite earlier ones in place so the uniqueness invariant holds even for
// a misbehaving authority.
func (s *RecordStore) Seed(records []models.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = s.records[:0]
	for _, r := range records {
		s.upsertLocked(r)
	}
}

// Upsert replaces the record with the same ID in place, or appends it.
func (s *RecordStore) Upsert(r models.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.upsertLocked(r)
}

func (s *RecordStore) upsertLocked(r models.Record) {
	if i := s.indexLocked(r.ID); i >= 0 {
		s.records[i] = r
		return
	}
	s.records = append(s.records, r)
}

// Remove drops the record with the given ID. It reports whether anything was
// removed; removing an unknown ID is not an error.
func (s *RecordStore) Remove(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return false
	}
	s.records = slices.Delete(s.records, i, i+1)
	return true
}

func (s *RecordStore) indexLocked(id int64) int {
	return slices.IndexFunc(s.records, func(r models.Record) bool {
		return r.ID == id
	})
}

func (s *RecordStore) Get(id int64) (models.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.indexLocked(id); i >= 0 {
		return s.records[i], true
	}
	return models.Record{}, false
}

func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.records)
}

// Records returns a copy in arrival order.
func (s *RecordStore) Records() []models.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.records)
}

// Sorted returns a copy ordered by ID.
func (s *RecordStore) Sorted() []models.Record {
	out := s.Records()
	slices.SortFunc(out, func(a, b models.Record) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
