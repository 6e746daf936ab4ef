package serializer

import (
	"bytes"
	"encoding/gob"
	"encoding/json"

	"github.com/ValentinKolb/dMap/rpc/common"
)

// NewJSONSerializer creates a new serializer using json encoding
func NewJSONSerializer() IRPCSerializer {
	return &jsonSerializerImpl{}
}

// NewGOBSerializer creates a new serializer using Go's binary gob format
func NewGOBSerializer() IRPCSerializer {
	return &gobSerializerImpl{}
}

// --------------------------------------------------------------------------
// JSON (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

type jsonSerializerImpl struct {
}

func (j jsonSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Deserialize resets msg first, json keeps fields that are absent in the input
func (j jsonSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	*msg = common.Message{}
	return json.Unmarshal(b, msg)
}

// --------------------------------------------------------------------------
// GOB (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

type gobSerializerImpl struct {
}

func (g gobSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Deserialize resets msg first, gob does not transmit zero values
func (g gobSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	*msg = common.Message{}
	return gob.NewDecoder(bytes.NewReader(b)).Decode(msg)
}
