package cluster

import (
	"fmt"
	"sync"
)

// PartitionTable answers which node owns which replica of a partition.
// Replica index 0 is the primary, 1..BackupCount() are the backups.
type PartitionTable interface {
	// PartitionCount returns the number of partitions of the key space
	PartitionCount() int32
	// BackupCount returns the number of backup replicas per partition
	BackupCount() int
	// Owner returns the node holding the given replica of a partition.
	// The boolean is false if no node holds that replica.
	Owner(partitionID int32, replicaIndex int) (Address, bool)
}

// --------------------------------------------------------------------------
// Static round-robin table
// --------------------------------------------------------------------------

// StaticTable assigns partitions to a fixed member list round-robin:
// replica r of partition p is owned by members[(p + r) % len(members)].
// The member list can be replaced to simulate migrations.
type StaticTable struct {
	mu             sync.RWMutex
	members        []Address
	partitionCount int32
	backupCount    int
}

// NewStaticTable creates a table for the given members
func NewStaticTable(members []Address, partitionCount int32, backupCount int) (*StaticTable, error) {
	if partitionCount <= 0 {
		return nil, fmt.Errorf("partition count must be positive, got %d", partitionCount)
	}
	if backupCount < 0 {
		return nil, fmt.Errorf("backup count must not be negative, got %d", backupCount)
	}
	t := &StaticTable{partitionCount: partitionCount, backupCount: backupCount}
	t.SetMembers(members)
	return t, nil
}

// SetMembers replaces the member list
func (t *StaticTable) SetMembers(members []Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.members = append([]Address(nil), members...)
}

// Members returns a copy of the member list
func (t *StaticTable) Members() []Address {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Address(nil), t.members...)
}

func (t *StaticTable) PartitionCount() int32 {
	return t.partitionCount
}

func (t *StaticTable) BackupCount() int {
	return t.backupCount
}

func (t *StaticTable) Owner(partitionID int32, replicaIndex int) (Address, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	// a replica is only assigned if enough distinct members exist
	if len(t.members) == 0 || replicaIndex < 0 || replicaIndex > t.backupCount || replicaIndex >= len(t.members) {
		return Address{}, false
	}
	if partitionID < 0 || partitionID >= t.partitionCount {
		return Address{}, false
	}
	idx := (int(partitionID) + replicaIndex) % len(t.members)
	return t.members[idx], true
}

// --------------------------------------------------------------------------
// Key to partition mapping
// --------------------------------------------------------------------------

// PartitionIDFor returns the partition of a key
func PartitionIDFor(key []byte, partitionCount int32) int32 {
	return int32(HashBytes(key, 0) % uint64(partitionCount))
}
