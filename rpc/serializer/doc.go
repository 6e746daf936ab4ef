// Package serializer turns common.Message envelopes into bytes for the messaging
// gates and back. All members of a cluster must use the same serializer.
//
// Implementations (selected by name with ByName, see Names):
//
//   - binary: custom format built on the wire package. A flag byte marks the
//     optional header fields, absent fields are not written at all. Fastest
//     and smallest, the default.
//
//   - msgpack: MessagePack via vmihailenco/msgpack. Schema-less, tolerates
//     added fields between versions.
//
//   - json: human readable, useful when tracing traffic.
//
//   - gob: Go's built-in encoding. Noticeably slower and larger than the
//     others, kept for completeness.
//
// Serializers are stateless and safe for concurrent use:
//
//	s, err := serializer.ByName("binary")
//	data, err := s.Serialize(msg)
//	var out common.Message
//	err = s.Deserialize(data, &out)
package serializer
