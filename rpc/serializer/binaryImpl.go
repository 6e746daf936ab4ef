package serializer

import (
	"fmt"

	"github.com/ValentinKolb/dMap/lib/cluster"
	"github.com/ValentinKolb/dMap/lib/wire"
	"github.com/ValentinKolb/dMap/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasService      byte = 1 << 0
	hasReplicaIndex byte = 1 << 1
	hasAttempt      byte = 1 << 2
	hasCaller       byte = 1 << 3
	hasBackupCount  byte = 1 << 4
	hasPayload      byte = 1 << 5
	hasErr          byte = 1 << 6
)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

// Serialize writes the header (type, flags, partition id, call id) followed
// by the optional fields in flag order.
func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	var flags byte
	if msg.Service != "" {
		flags |= hasService
	}
	if msg.ReplicaIndex != 0 {
		flags |= hasReplicaIndex
	}
	if msg.Attempt != 0 {
		flags |= hasAttempt
	}
	if !msg.Caller.IsZero() {
		flags |= hasCaller
	}
	if msg.BackupCount != 0 {
		flags |= hasBackupCount
	}
	if msg.Payload != nil {
		flags |= hasPayload
	}
	if msg.ErrCode != common.ErrCodeNone || msg.Err != "" {
		flags |= hasErr
	}

	w := wire.NewWriter(b.sizeBytes(msg))
	w.Byte(byte(msg.MsgType))
	w.Byte(flags)
	w.Int32(msg.PartitionID)
	w.Uint64(msg.CallID)

	if flags&hasService != 0 {
		w.String(msg.Service)
	}
	if flags&hasReplicaIndex != 0 {
		w.Int32(msg.ReplicaIndex)
	}
	if flags&hasAttempt != 0 {
		w.Int32(int32(msg.Attempt))
	}
	if flags&hasCaller != 0 {
		msg.Caller.Encode(w)
	}
	if flags&hasBackupCount != 0 {
		w.Int32(msg.BackupCount)
	}
	if flags&hasPayload != 0 {
		w.Blob(msg.Payload)
	}
	if flags&hasErr != 0 {
		w.Byte(byte(msg.ErrCode))
		w.String(msg.Err)
	}

	return w.Bytes(), nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	r := wire.NewReader(data)

	msgType := common.MessageType(r.Byte("message type"))
	flags := r.Byte("flags")
	*msg = common.Message{
		MsgType:     msgType,
		PartitionID: r.Int32("partition id"),
		CallID:      r.Uint64("call id"),
	}

	if flags&hasService != 0 {
		msg.Service = r.String("service")
	}
	if flags&hasReplicaIndex != 0 {
		msg.ReplicaIndex = r.Int32("replica index")
	}
	if flags&hasAttempt != 0 {
		msg.Attempt = uint32(r.Int32("attempt"))
	}
	if flags&hasCaller != 0 {
		msg.Caller = cluster.ReadAddress(r)
	}
	if flags&hasBackupCount != 0 {
		msg.BackupCount = r.Int32("backup count")
	}
	if flags&hasPayload != 0 {
		// empty (not nil) if the payload length is 0
		msg.Payload = r.Blob("payload")
	}
	if flags&hasErr != 0 {
		msg.ErrCode = common.ErrCode(r.Byte("error code"))
		msg.Err = r.String("error")
	}

	if r.Err != nil {
		return r.Err
	}
	if r.Remaining() != 0 {
		return fmt.Errorf("%d unexpected trailing bytes", r.Remaining())
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	// type + flags + partition id + call id
	size := 1 + 1 + 4 + 8

	if msg.Service != "" {
		size += 4 + len(msg.Service)
	}
	if msg.ReplicaIndex != 0 {
		size += 4
	}
	if msg.Attempt != 0 {
		size += 4
	}
	if !msg.Caller.IsZero() {
		size += 4 + len(msg.Caller.Host) + 4
	}
	if msg.BackupCount != 0 {
		size += 4
	}
	if msg.Payload != nil {
		size += 4 + len(msg.Payload)
	}
	if msg.ErrCode != common.ErrCodeNone || msg.Err != "" {
		size += 1 + 4 + len(msg.Err)
	}

	return size
}
