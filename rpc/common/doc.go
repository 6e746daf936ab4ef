// Package common provides core data structures and utilities shared across
// the messaging layer of the distributed map. It defines the message envelope,
// the node configuration and the logging setup used by the other packages.
//
// The package focuses on:
//   - Message protocol definition for node-to-node communication
//   - Configuration of a node (cluster, partitioning, invocations, persistence)
//   - Custom logging implementation integrated with Dragonboat's logger package
//
// Key Components:
//
//   - Message: Envelope of all communication between nodes. Operation requests and
//     their responses are correlated by call id and attempt; backup operations and
//     their acknowledgements carry an encoded payload of the backup package.
//
//   - MessageType / ErrCode: Enumerations of the message kinds and of the error
//     classes a response can carry (retryable or permanent).
//
//   - NodeConfig: Configuration of a node with defaults, validation and a
//     sectioned String() rendering for startup logs.
//
//   - Logger: Custom logging implementation that plugs into Dragonboat's
//     logging system while providing consistent formatting across the application.
package common
