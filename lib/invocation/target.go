package invocation

import (
	"github.com/ValentinKolb/dMap/lib/cluster"
)

// TargetResolver picks the node an attempt is sent to.
// Attempts are numbered from 1. A RetryableError counts as a failed attempt,
// any other error fails the invocation.
type TargetResolver interface {
	ResolveTarget(attempt int) (cluster.Address, error)
}

// FixedTarget sends every attempt to the same node. It never redirects,
// even if the node no longer owns the partition.
type FixedTarget cluster.Address

func (t FixedTarget) ResolveTarget(int) (cluster.Address, error) {
	return cluster.Address(t), nil
}

// PartitionOwnerTarget looks up the current owner of a partition replica before
// every attempt, so retries follow a migrated partition.
type PartitionOwnerTarget struct {
	Table        cluster.PartitionTable
	PartitionID  int32
	ReplicaIndex int
}

func (t PartitionOwnerTarget) ResolveTarget(int) (cluster.Address, error) {
	owner, ok := t.Table.Owner(t.PartitionID, t.ReplicaIndex)
	if !ok {
		return cluster.Address{}, Retryable("partition %d replica %d has no owner", t.PartitionID, t.ReplicaIndex)
	}
	return owner, nil
}
