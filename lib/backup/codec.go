package backup

import (
	"fmt"

	"github.com/ValentinKolb/dMap/lib/cluster"
	"github.com/ValentinKolb/dMap/lib/wire"
)

// MarshalBinary encodes the operation. Layout (big endian):
//
//	map name    uint32 length + bytes
//	key         uint32 length + bytes
//	thread id   int64
//	value       presence byte, then uint32 length + bytes
//	ttl         int64 (milliseconds)
//	kind        int32 ordinal
//	caller id   int64
//	caller addr presence byte, then the address encoding
func (op *Operation) MarshalBinary() ([]byte, error) {
	w := wire.NewWriter(48 + len(op.mapName) + len(op.key) + len(op.value) + len(op.firstCallerAddress.Host))

	// addressing envelope
	w.String(op.mapName)
	w.Blob(op.key)
	w.Int64(op.threadID)

	w.NullableBlob(op.value)
	w.Int64(op.ttl)
	w.Int32(int32(op.kind))
	w.Int64(op.firstCallerID)
	w.Bool(op.hasAddress)
	if op.hasAddress {
		op.firstCallerAddress.Encode(w)
	}
	return w.Bytes(), nil
}

// Unmarshal decodes an operation written by MarshalBinary.
// Truncated data, trailing bytes and unknown kinds are rejected.
func Unmarshal(data []byte) (*Operation, error) {
	r := wire.NewReader(data)
	op := &Operation{}

	op.mapName = r.String("map name")
	op.key = r.Blob("key")
	op.threadID = r.Int64("thread id")
	op.value = r.NullableBlob("value")
	op.ttl = r.Int64("ttl")
	ordinal := r.Int32("kind")
	op.firstCallerID = r.Int64("first caller id")
	op.hasAddress = r.Bool("first caller address")
	if op.hasAddress {
		op.firstCallerAddress = cluster.ReadAddress(r)
	}
	if r.Err != nil {
		return nil, fmt.Errorf("failed to decode backup operation: %w", r.Err)
	}
	if r.Remaining() != 0 {
		return nil, fmt.Errorf("failed to decode backup operation: %d trailing bytes", r.Remaining())
	}

	kind, err := KindFromOrdinal(ordinal)
	if err != nil {
		return nil, fmt.Errorf("failed to decode backup operation: %w", err)
	}
	op.kind = kind
	return op, nil
}
