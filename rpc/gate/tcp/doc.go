// Package tcp implements the messaging gate over TCP.
//
// Every node listens on its own address. Sending to a target lazily dials one
// outbound connection and keeps it for later sends; a write error drops the
// connection and the next send dials again. Messages only flow in one direction
// on a connection, a response is sent over the responder's own outbound
// connection to the caller's listen address.
//
// Frame format (big endian):
//
//	8 bytes  partition id
//	8 bytes  call id
//	4 bytes  payload length
//	N bytes  message serialized with the configured serializer
//
// Inbound frames are handed to the handler on worker goroutines; a counting
// semaphore bounds the number of concurrent handler calls per connection.
package tcp
