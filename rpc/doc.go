// Package rpc provides the messaging layer of the distributed map. It carries
// operation invocations and backup replication between the nodes of a cluster.
//
// The package is organized into several subpackages:
//
//   - common: Message envelope, node configuration and logging.
//
//   - serializer: Message serialization with multiple format options (Binary,
//     MessagePack, JSON, GOB) for converting between Message objects and byte arrays.
//
//   - gate: The messaging gate, a fire-and-forget send primitive with two
//     implementations: an in-process hub for tests and a framed TCP gate.
//
//   - node: A cluster member wiring the gate, the partition service, the
//     invocation registry and backup replication together. Also provides the
//     map proxy used by clients.
//
//   - admin: HTTP endpoints for health, metrics and partition statistics.
package rpc
