package node

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dMap/lib/backup"
	"github.com/ValentinKolb/dMap/lib/cluster"
	"github.com/ValentinKolb/dMap/lib/invocation"
	"github.com/ValentinKolb/dMap/lib/mapstore"
	"github.com/ValentinKolb/dMap/lib/partition"
	"github.com/ValentinKolb/dMap/rpc/common"
	"github.com/ValentinKolb/dMap/rpc/gate"
	"github.com/jonboulle/clockwork"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("node")

// MapService is the service name of the distributed map
const MapService = "dmap.map"

// Connector attaches a node to the network. It is called once with the
// handler of the node and returns the gate the node sends through.
type Connector func(handler gate.Handler) (gate.IGate, error)

// Node is one member of the cluster. It executes map operations for the partitions
// it owns, applies backups for the replicas it holds and invokes operations on
// other members.
type Node struct {
	config common.NodeConfig
	clock  clockwork.Clock
	gate   gate.IGate
	self   cluster.Address
	ready  chan struct{}

	table      *cluster.StaticTable
	partitions *partition.Service
	registry   *invocation.Registry
	executor   *backup.Executor
	acks       *backup.AckTracker
	store      *mapstore.Store // nil = no write-behind

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a node and connects it. A nil clock selects the real clock.
//
// Usage:
//
//	n, err := node.New(config, tcp.Connector(self, serializer.NewBinarySerializer(), tcp.Options{}), nil)
//	if err != nil {
//		panic(err)
//	}
//	defer n.Close()
//	old, err := n.Map("users").Put(ctx, []byte("a"), []byte("1"))
func New(config common.NodeConfig, connect Connector, clock clockwork.Clock) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid node config: %w", err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	members, err := config.MemberAddresses()
	if err != nil {
		return nil, err
	}
	table, err := cluster.NewStaticTable(members, config.PartitionCount, config.BackupCount)
	if err != nil {
		return nil, err
	}

	n := &Node{
		config: config,
		clock:  clock,
		ready:  make(chan struct{}),
		table:  table,
		acks:   backup.NewAckTracker(),
	}
	n.partitions = partition.NewService(partition.Options{Lanes: config.EffectiveLanes(), Clock: clock})
	n.executor = backup.NewExecutor(MapService, n.partitions, n)
	n.registry = invocation.NewRegistry(n, clock, invocation.Options{
		MaxAttempts: config.MaxAttempts,
		Pause:       config.RetryPause,
	})

	if config.MapStorePath != "" {
		if n.store, err = mapstore.Open(config.MapStorePath, mapstore.Options{}); err != nil {
			n.partitions.Close()
			return nil, err
		}
	}

	// messages arriving before the gate is stored wait for ready
	g, err := connect(func(msg *common.Message) {
		<-n.ready
		n.handle(msg)
	})
	if err != nil {
		n.partitions.Close()
		if n.store != nil {
			_ = n.store.Close()
		}
		return nil, fmt.Errorf("failed to connect node: %w", err)
	}
	n.gate = g
	n.self = g.Address()

	// the gate may have resolved a port 0 endpoint
	if configured, err := config.Self(); err == nil && configured != n.self {
		for i, m := range members {
			if m == configured {
				members[i] = n.self
			}
		}
		n.table.SetMembers(members)
	}
	close(n.ready)

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	if n.store != nil && config.FlushInterval > 0 {
		n.wg.Add(1)
		go n.flushLoop(ctx)
	}

	Logger.Infof("node %s started (lite=%t, %d members)", n.self, config.Lite, len(members))
	return n, nil
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// Address returns the address other members reach this node at
func (n *Node) Address() cluster.Address {
	return n.self
}

// Table returns the partition table of the node
func (n *Node) Table() *cluster.StaticTable {
	return n.table
}

// Partitions returns the partition service holding the local replicas
func (n *Node) Partitions() *partition.Service {
	return n.partitions
}

// Map returns a proxy for the map with the given name
func (n *Node) Map(name string) *MapProxy {
	return &MapProxy{node: n, name: name}
}

// Status is a snapshot of the node for monitoring
type Status struct {
	Address            string                `json:"address"`
	Lite               bool                  `json:"lite"`
	Members            []string              `json:"members"`
	PartitionCount     int32                 `json:"partition_count"`
	BackupCount        int                   `json:"backup_count"`
	PrimaryPartitions  int                   `json:"primary_partitions"`
	BackupPartitions   int                   `json:"backup_partitions"`
	PendingInvocations int                   `json:"pending_invocations"`
	PendingAcks        int                   `json:"pending_acks"`
	Lanes              []partition.LaneStats `json:"lanes"`
}

// Status returns a snapshot of the node
func (n *Node) Status() Status {
	s := Status{
		Address:            n.self.String(),
		Lite:               n.config.Lite,
		PartitionCount:     n.table.PartitionCount(),
		BackupCount:        n.table.BackupCount(),
		PendingInvocations: n.registry.Pending(),
		PendingAcks:        n.acks.Pending(),
		Lanes:              n.partitions.LaneStats(),
	}
	for _, m := range n.table.Members() {
		s.Members = append(s.Members, m.String())
	}
	for pid := int32(0); pid < s.PartitionCount; pid++ {
		for r := 0; r <= s.BackupCount; r++ {
			if owner, ok := n.table.Owner(pid, r); ok && owner == n.self {
				if r == 0 {
					s.PrimaryPartitions++
				} else {
					s.BackupPartitions++
				}
			}
		}
	}
	return s
}

// --------------------------------------------------------------------------
// Persistence
// --------------------------------------------------------------------------

// Flush writes all dirty records to the map store. Without a map store it does nothing.
func (n *Node) Flush(ctx context.Context) (int, error) {
	if n.store == nil {
		return 0, nil
	}
	return n.partitions.FlushAll(ctx, n.store)
}

func (n *Node) flushLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := n.clock.NewTicker(n.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			flushed, err := n.Flush(ctx)
			if err != nil {
				Logger.Errorf("write-behind flush failed: %v", err)
				continue
			}
			if flushed > 0 {
				Logger.Debugf("flushed %d records", flushed)
			}
		}
	}
}

// Close disconnects the node. Pending invocations fail, dirty records are flushed.
func (n *Node) Close() error {
	if n.closed.Swap(true) {
		return nil
	}
	n.cancel()
	n.wg.Wait()

	err := n.gate.Close()
	n.registry.Close()

	if n.store != nil {
		timeout := n.config.CallTimeout
		if timeout <= 0 {
			timeout = common.DefaultCallTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if _, ferr := n.Flush(ctx); ferr != nil {
			Logger.Errorf("final flush failed: %v", ferr)
		}
		cancel()
	}
	n.partitions.Close()
	if n.store != nil {
		if cerr := n.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	Logger.Infof("node %s stopped", n.self)
	return err
}

// --------------------------------------------------------------------------
// Message Dispatch
// --------------------------------------------------------------------------

func (n *Node) handle(msg *common.Message) {
	switch msg.MsgType {
	case common.MsgTOperation:
		n.handleOperation(msg)
	case common.MsgTResponse:
		n.registry.HandleReply(replyFrom(msg))
	case common.MsgTBackup:
		n.handleBackup(msg)
	case common.MsgTBackupResponse:
		n.handleBackupResponse(msg)
	default:
		Logger.Warningf("dropping message of unsupported type %s from %s", msg.MsgType, msg.Caller)
	}
}

// replyFrom converts a response message for the invocation registry
func replyFrom(msg *common.Message) invocation.Reply {
	r := invocation.Reply{
		CallID:      msg.CallID,
		Attempt:     msg.Attempt,
		From:        msg.Caller,
		Value:       msg.Payload,
		BackupCount: int(msg.BackupCount),
	}
	switch msg.ErrCode {
	case common.ErrCodeNone:
	case common.ErrCodeRetryable:
		r.Err = &invocation.RetryableError{Reason: msg.Err}
	default:
		r.Err = &invocation.RemoteError{From: msg.Caller, Message: msg.Err}
	}
	return r
}

func (n *Node) handleBackup(msg *common.Message) {
	op, err := backup.Unmarshal(msg.Payload)
	if err != nil {
		Logger.Errorf("dropping undecodable backup for partition %d from %s: %v", msg.PartitionID, msg.Caller, err)
		return
	}
	ok := n.partitions.Submit(msg.PartitionID, func(c *partition.Container) {
		if err := n.executor.Apply(op, c.Context(op.MapName())); err != nil {
			Logger.Warningf("backup %v on replica %d: %v", op, msg.ReplicaIndex, err)
		}
	})
	if !ok {
		Logger.Warningf("dropping backup %v, partition service is closed", op)
	}
}

func (n *Node) handleBackupResponse(msg *common.Message) {
	resp, err := backup.UnmarshalResponse(msg.Payload)
	if err != nil {
		Logger.Errorf("dropping undecodable backup response from %s: %v", msg.Caller, err)
		return
	}
	if !n.acks.Ack(resp.CallID) {
		Logger.Debugf("dropping backup response for call %d from %s, nobody waits for it", resp.CallID, msg.Caller)
	}
}

// --------------------------------------------------------------------------
// Outbound (invocation.Sender and backup.Responder)
// --------------------------------------------------------------------------

func (n *Node) SendRequest(req invocation.Request) error {
	msg := common.NewOperationRequest(req.Op.Service, req.Op.PartitionID, req.CallID, req.Attempt, n.self, req.Op.Payload)
	return n.gate.Send(msg, req.Op.PartitionID, req.Target)
}

func (n *Node) SendBackupResponse(resp backup.Response, target cluster.Address) error {
	payload, err := resp.MarshalBinary()
	if err != nil {
		return err
	}
	msg := common.NewBackupResponse(resp.Service, resp.PartitionID, uint64(resp.CallID), n.self, payload)
	return n.gate.Send(msg, resp.PartitionID, target)
}

func (n *Node) reply(msg *common.Message, target cluster.Address) {
	if err := n.gate.Send(msg, msg.PartitionID, target); err != nil {
		Logger.Warningf("failed to send %s for call %d to %s: %v", msg.MsgType, msg.CallID, target, err)
	}
}
