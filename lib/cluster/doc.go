// Package cluster defines node identity and partition ownership.
//
// Key Components:
//
//   - Address: host/port identity of a node with a fixed binary encoding used
//     inside backup operations (first caller) and lock ownership.
//
//   - PartitionTable: the ownership oracle. Replica index 0 is the primary owner
//     of a partition, the following indexes are the backups. StaticTable assigns
//     partitions round-robin over a member list; replacing the member list models
//     an ownership change between two invocation attempts.
//
//   - PartitionIDFor: maps a key to its partition using FNV-1a, so every node
//     routes the same key to the same partition.
package cluster
