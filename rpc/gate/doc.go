// Package gate defines the messaging gate, the only way nodes talk to each other.
//
// A gate sends a message to a node address and delivers incoming messages to the
// Handler of the local node. There are no replies on the transport level: a
// response is an ordinary message sent back to the caller's address.
//
// Implementations:
//
//   - local: An in-process hub connecting any number of nodes in one process.
//     Delivery is asynchronous. Interceptors can drop, delay or inspect messages,
//     which makes the hub the tool of choice for testing failure scenarios.
//
//   - tcp: Framed TCP. Every node listens on its address and keeps one lazily
//     dialed outbound connection per target.
package gate
