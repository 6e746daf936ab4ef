// Package partition implements the per-partition state of a node and the
// single-threaded execution model that guards it.
//
// The package focuses on:
//   - Record stores holding the map entries of a partition (value + version id,
//     activity, dirty and tombstone flags)
//   - Lock tables holding the key locks of a partition (owner address, thread id, ttl)
//   - Execution lanes that serialize every task of a partition
//
// Key Components:
//
//   - Service: owns all partition containers of a node, the node-wide version
//     sequence (NextID) and the execution lanes. Submit queues a task, Run queues a
//     task and waits for it.
//
//   - Container: all map contexts of a single partition id. Containers are created
//     on first use and never destroyed by this package.
//
//   - Context: record store and lock table of one map in one partition.
//
//   - lane: a lock-free multi-producer single-consumer queue drained by a single
//     goroutine. Partition id p is always executed on lane p mod lanes.
//
// Thread Safety:
//
//	Records and lock entries are not synchronized. They must only be read or
//	written by tasks running on the lane of their partition. The maps that hold
//	them are concurrent so that sizes can be read for monitoring.
//
// Persistence:
//
//	Context.FlushDirty writes dirty records to a Flusher (write-behind) and drops
//	flushed tombstones. Service.FlushAll flushes every partition on its own lane.
package partition
