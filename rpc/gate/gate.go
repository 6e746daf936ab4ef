package gate

import (
	"errors"

	"github.com/ValentinKolb/dMap/lib/cluster"
	"github.com/ValentinKolb/dMap/rpc/common"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("gate")

var (
	// ErrClosed is returned when sending through a closed gate
	ErrClosed = errors.New("gate is closed")
	// ErrUnreachable is returned when the target cannot be reached
	ErrUnreachable = errors.New("target unreachable")
)

// Handler is called for every message delivered to a node.
// Messages from one sender are handled one after another in the order they were
// sent. Handlers of different senders may run concurrently. A handler blocks the
// delivery of everything behind it, so it must hand work off instead of doing it.
type Handler func(msg *common.Message)

// IGate is the send primitive between nodes.
//
// Send is fire-and-forget: a nil error only means the message was handed to the
// network, not that it arrived. Lost messages are not surfaced to the caller.
// The gate never modifies msg and does not keep a reference after Send returns.
type IGate interface {
	// Send delivers msg for the given partition to the target node
	Send(msg *common.Message, partitionID int32, target cluster.Address) error
	// Address returns the address of the local node
	Address() cluster.Address
	// Close stops the gate, no messages are delivered afterward
	Close() error
}
