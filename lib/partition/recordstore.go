package partition

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// RecordStore maps keys to records. Keys are compared by exact byte equality.
//
// Writes happen only on the partition lane. The map itself is concurrent so that
// monitoring code may read sizes from other goroutines.
type RecordStore struct {
	records *xsync.MapOf[string, *Record]
}

// NewRecordStore creates an empty record store
func NewRecordStore() *RecordStore {
	return &RecordStore{records: xsync.NewMapOf[string, *Record]()}
}

// Get returns the record for key or nil if absent
func (s *RecordStore) Get(key []byte) *Record {
	r, _ := s.records.Load(string(key))
	return r
}

// Put stores the record under key, replacing any previous one
func (s *RecordStore) Put(key []byte, r *Record) {
	s.records.Store(string(key), r)
}

// Delete drops the record for key
func (s *RecordStore) Delete(key []byte) {
	s.records.Delete(string(key))
}

// Len returns the number of records including tombstones
func (s *RecordStore) Len() int {
	return s.records.Size()
}

// Range calls fn for every record until fn returns false
func (s *RecordStore) Range(fn func(r *Record) bool) {
	s.records.Range(func(_ string, r *Record) bool {
		return fn(r)
	})
}
