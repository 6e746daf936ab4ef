package serializer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ValentinKolb/dMap/rpc/common"
)

// IRPCSerializer is the interface for all Message Serializers
type IRPCSerializer interface {
	// Serialize serializes a Message into a byte array
	// It returns the serialized byte array and an error if any
	Serialize(msg common.Message) ([]byte, error)
	// Deserialize deserializes a byte array into a Message
	// It takes a byte array and a pointer to a Message as parameters
	// It returns an error if any
	Deserialize(b []byte, msg *common.Message) error
}

var factories = map[string]func() IRPCSerializer{
	"binary":  NewBinarySerializer,
	"msgpack": NewMsgpackSerializer,
	"json":    NewJSONSerializer,
	"gob":     NewGOBSerializer,
}

// ByName returns the serializer registered under name (binary, msgpack, json, gob)
func ByName(name string) (IRPCSerializer, error) {
	factory, ok := factories[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown serializer %q, must be one of %s", name, strings.Join(Names(), ", "))
	}
	return factory(), nil
}

// Names returns the names of all serializers
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
