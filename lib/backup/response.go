package backup

import (
	"fmt"

	"github.com/ValentinKolb/dMap/lib/wire"
)

// Response acknowledges a backup operation to its first caller.
// It only reports completion, never the outcome of the apply.
type Response struct {
	Service      string
	CallID       int64
	PartitionID  int32
	ReplicaIndex int32
}

// MarshalBinary encodes the response: service (uint32 length + bytes), call id
// int64, partition id int32, replica index int32.
func (r Response) MarshalBinary() ([]byte, error) {
	w := wire.NewWriter(20 + len(r.Service))
	w.String(r.Service)
	w.Int64(r.CallID)
	w.Int32(r.PartitionID)
	w.Int32(r.ReplicaIndex)
	return w.Bytes(), nil
}

// UnmarshalResponse decodes a response written by Response.MarshalBinary
func UnmarshalResponse(data []byte) (Response, error) {
	r := wire.NewReader(data)
	resp := Response{
		Service:      r.String("service"),
		CallID:       r.Int64("call id"),
		PartitionID:  r.Int32("partition id"),
		ReplicaIndex: r.Int32("replica index"),
	}
	if r.Err != nil {
		return Response{}, fmt.Errorf("failed to decode backup response: %w", r.Err)
	}
	if r.Remaining() != 0 {
		return Response{}, fmt.Errorf("failed to decode backup response: %d trailing bytes", r.Remaining())
	}
	return resp, nil
}
