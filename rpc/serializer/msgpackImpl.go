package serializer

import (
	"github.com/ValentinKolb/dMap/rpc/common"
	"github.com/vmihailenco/msgpack/v5"
)

// NewMsgpackSerializer creates a new serializer using MessagePack encoding
func NewMsgpackSerializer() IRPCSerializer {
	return &msgpackSerializerImpl{}
}

// msgpackSerializerImpl implements the IRPCSerializer interface using MessagePack
type msgpackSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (m msgpackSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	return msgpack.Marshal(&msg)
}

func (m msgpackSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	return msgpack.Unmarshal(b, msg)
}
