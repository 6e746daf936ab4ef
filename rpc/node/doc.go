/*
Package node wires a cluster member together: a messaging gate, the partition
service, the invocation registry, the backup executor and the partition table.

Message flow of a map mutation (put, remove, lock, unlock):

  - the caller invokes the operation on the primary of the key's partition
    (invocation.PartitionOwnerTarget, so retries follow an owner change)
  - the primary checks ownership (a wrong target answers retryable), runs the
    operation on the partition lane and ships a backup operation to every backup
    replica with the caller as first caller
  - the primary answers with the number of backups it sent
  - every replica applies the backup and acknowledges it directly to the caller
  - the caller returns once the response and all backup acks arrived

Lock contention on the primary is answered retryable, so a lock call keeps trying
until the attempts are used up.

Usage:

	hub := local.NewHub(nil)
	n, err := node.New(config, hub.Connector(self), nil)
	if err != nil {
		panic(err)
	}
	defer n.Close()

	users := n.Map("users")
	_, err = users.Put(ctx, []byte("alice"), []byte("admin"))

With a map store configured the node flushes dirty records every flush interval
and reads through the store when a primary misses a key.
*/
package node
