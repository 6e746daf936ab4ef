package partition

import (
	"github.com/ValentinKolb/dMap/lib/cluster"
)

// Record is a single map entry held by a partition.
//
// A record is only mutated by tasks running on its partition's lane, so it carries no lock.
// A missing record (nil) means "absent"; a removed record is a tombstone that is kept
// until the next flush so that reconciliation can tell "deleted" from "never existed".
type Record struct {
	key         []byte
	value       []byte
	versionID   uint64
	partitionID int32
	owner       *cluster.Address

	active  bool
	dirty   bool
	removed bool
}

// NewRecord creates a record. Key and value are copied.
// The owner may be nil for records created on a backup replica.
func NewRecord(owner *cluster.Address, partitionID int32, key, value []byte, versionID uint64) *Record {
	return &Record{
		key:         cloneBytes(key),
		value:       cloneBytes(value),
		versionID:   versionID,
		partitionID: partitionID,
		owner:       owner,
	}
}

func (r *Record) Key() []byte {
	return r.key
}

func (r *Record) Value() []byte {
	return r.value
}

// SetValue overwrites the value. The value is copied.
func (r *Record) SetValue(value []byte) {
	r.value = cloneBytes(value)
}

func (r *Record) VersionID() uint64 {
	return r.versionID
}

func (r *Record) PartitionID() int32 {
	return r.partitionID
}

func (r *Record) Owner() *cluster.Address {
	return r.owner
}

func (r *Record) IsActive() bool {
	return r.active
}

// SetActive marks the record live again. This also clears a tombstone.
func (r *Record) SetActive() {
	r.active = true
	r.removed = false
}

func (r *Record) IsDirty() bool {
	return r.dirty
}

func (r *Record) SetDirty(dirty bool) {
	r.dirty = dirty
}

// MarkRemoved turns the record into a tombstone
func (r *Record) MarkRemoved() {
	r.active = false
	r.removed = true
	r.value = nil
}

func (r *Record) IsRemoved() bool {
	return r.removed
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
