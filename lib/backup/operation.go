package backup

import (
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/dMap/lib/cluster"
)

// Caller identifies the request a backup has to be acknowledged to:
// the node that issued the mutation and the call id it waits on.
type Caller struct {
	Address cluster.Address
	CallID  int64
}

func (c Caller) String() string {
	return fmt.Sprintf("%s#%d", c.Address, c.CallID)
}

// --------------------------------------------------------------------------
// Operation
// --------------------------------------------------------------------------

// Operation is an immutable command replicating one mutation of a primary
// partition to a backup replica. Operations are created with a Builder or
// decoded with Unmarshal.
type Operation struct {
	mapName  string
	key      []byte
	threadID int64
	value    []byte
	ttl      int64 // milliseconds
	kind     Kind

	firstCallerID int64
	// hasAddress is false for operations decoded from a sender that did not know the caller
	hasAddress         bool
	firstCallerAddress cluster.Address
}

func (op *Operation) MapName() string {
	return op.mapName
}

func (op *Operation) Key() []byte {
	return op.key
}

// ThreadID is the logical thread of the caller, used as part of the lock owner
func (op *Operation) ThreadID() int64 {
	return op.threadID
}

// Value returns the value payload. It may be nil.
func (op *Operation) Value() []byte {
	return op.value
}

// TTL returns the lock ttl. Zero or negative means no expiry.
func (op *Operation) TTL() time.Duration {
	return time.Duration(op.ttl) * time.Millisecond
}

func (op *Operation) Kind() Kind {
	return op.kind
}

// FirstCaller returns the caller to acknowledge.
// The boolean is false if the operation carries no caller address.
func (op *Operation) FirstCaller() (Caller, bool) {
	return Caller{Address: op.firstCallerAddress, CallID: op.firstCallerID}, op.hasAddress
}

func (op *Operation) String() string {
	return fmt.Sprintf("%s %s/%q (first caller %d@%s)", op.kind, op.mapName, op.key, op.firstCallerID, op.firstCallerAddress)
}

// --------------------------------------------------------------------------
// Builder
// --------------------------------------------------------------------------

// Builder collects the fields of an operation. The first caller is passed to Build
// so that an operation can never exist without it.
type Builder struct {
	op Operation
}

// NewBuilder starts an operation of the given kind on mapName/key
func NewBuilder(kind Kind, mapName string, key []byte) *Builder {
	return &Builder{op: Operation{
		kind:    kind,
		mapName: mapName,
		key:     cloneBytes(key),
	}}
}

// Value sets the value payload (copied)
func (b *Builder) Value(v []byte) *Builder {
	b.op.value = cloneBytes(v)
	return b
}

// TTL sets the lock ttl, truncated to milliseconds
func (b *Builder) TTL(ttl time.Duration) *Builder {
	b.op.ttl = ttl.Milliseconds()
	return b
}

// ThreadID sets the logical thread id of the lock owner
func (b *Builder) ThreadID(id int64) *Builder {
	b.op.threadID = id
	return b
}

// Build validates the fields and returns the operation
func (b *Builder) Build(first Caller) (*Operation, error) {
	if !b.op.kind.Valid() {
		return nil, fmt.Errorf("invalid backup operation: %v", b.op.kind)
	}
	if b.op.mapName == "" {
		return nil, errors.New("invalid backup operation: map name is empty")
	}
	if b.op.key == nil {
		return nil, errors.New("invalid backup operation: key is nil")
	}
	if first.Address.IsZero() {
		return nil, errors.New("invalid backup operation: first caller address is empty")
	}

	op := b.op
	op.firstCallerID = first.CallID
	op.firstCallerAddress = first.Address
	op.hasAddress = true
	return &op, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
