package backup

import "fmt"

// Kind is the mutation a backup operation replicates.
// The ordinals are part of the wire format and must never be reordered.
type Kind int32

const (
	KindPut    Kind = 0
	KindRemove Kind = 1
	KindLock   Kind = 2
	KindUnlock Kind = 3
)

var kindNames = [...]string{
	KindPut:    "PUT",
	KindRemove: "REMOVE",
	KindLock:   "LOCK",
	KindUnlock: "UNLOCK",
}

// KindFromOrdinal converts a wire ordinal into a Kind.
// Unknown ordinals are rejected.
func KindFromOrdinal(ordinal int32) (Kind, error) {
	k := Kind(ordinal)
	if !k.Valid() {
		return 0, fmt.Errorf("unknown backup operation kind %d", ordinal)
	}
	return k, nil
}

// Valid returns whether k is one of the known kinds
func (k Kind) Valid() bool {
	return k >= KindPut && k <= KindUnlock
}

func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("Kind(%d)", int32(k))
	}
	return kindNames[k]
}
