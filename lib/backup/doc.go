// Package backup replicates mutations of a primary partition to its backup replicas.
//
// A backup Operation (PUT, REMOVE, LOCK or UNLOCK of one key in one map) is built
// on the primary with a Builder, encoded with MarshalBinary and shipped to every
// backup node. The backup decodes it with Unmarshal and applies it on the lane of
// the partition with Executor.Apply.
//
// Every apply, including the ones that turn out to be no-ops, is acknowledged with
// a Response addressed to the first caller recorded in the operation: the node and
// call id that issued the mutation. The response never goes back to the node that
// shipped the backup. The first caller counts the responses with an AckTracker.
package backup
