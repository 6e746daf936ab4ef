package node

import (
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/dMap/lib/backup"
	"github.com/ValentinKolb/dMap/lib/cluster"
	"github.com/ValentinKolb/dMap/lib/partition"
	"github.com/ValentinKolb/dMap/rpc/common"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrNotLockOwner is returned by an unlock of a key the caller does not hold
	ErrNotLockOwner = errors.New("lock is not held by the caller")

	errWrongTarget  = errors.New("node is not the owner of the partition")
	errLocked       = errors.New("key is locked by another owner")
	errShuttingDown = errors.New("node is shutting down")
)

// --------------------------------------------------------------------------
// Payloads
// --------------------------------------------------------------------------

type mapOp uint8

const (
	opPut mapOp = iota + 1
	opGet
	opRemove
	opLock
	opUnlock
	opSize
)

func (o mapOp) String() string {
	switch o {
	case opPut:
		return "put"
	case opGet:
		return "get"
	case opRemove:
		return "remove"
	case opLock:
		return "lock"
	case opUnlock:
		return "unlock"
	case opSize:
		return "size"
	default:
		return fmt.Sprintf("mapOp(%d)", uint8(o))
	}
}

// mapRequest is the payload of an operation sent to MapService
type mapRequest struct {
	Op       mapOp  `msgpack:"op"`
	Map      string `msgpack:"map"`
	Key      []byte `msgpack:"key,omitempty"`
	Value    []byte `msgpack:"value,omitempty"`
	TTL      int64  `msgpack:"ttl,omitempty"` // lock ttl in ms
	ThreadID int64  `msgpack:"thread,omitempty"`
}

// mapResponse is the payload of a successful response
type mapResponse struct {
	Value []byte `msgpack:"value,omitempty"`
	Found bool   `msgpack:"found,omitempty"`
	Size  int    `msgpack:"size,omitempty"`
}

// --------------------------------------------------------------------------
// Primary execution
// --------------------------------------------------------------------------

// handleOperation runs an operation addressed to this node as partition primary
func (n *Node) handleOperation(msg *common.Message) {
	if msg.Service != MapService {
		n.replyError(msg, common.ErrCodePermanent, fmt.Errorf("unknown service %q", msg.Service))
		return
	}

	var req mapRequest
	if err := msgpack.Unmarshal(msg.Payload, &req); err != nil {
		n.replyError(msg, common.ErrCodePermanent, fmt.Errorf("invalid map request: %w", err))
		return
	}
	if req.Key == nil {
		req.Key = []byte{}
	}

	if owner, ok := n.table.Owner(msg.PartitionID, 0); !ok || owner != n.self {
		n.replyError(msg, common.ErrCodeRetryable, fmt.Errorf("%w %d", errWrongTarget, msg.PartitionID))
		return
	}
	if req.Op != opSize && cluster.PartitionIDFor(req.Key, n.table.PartitionCount()) != msg.PartitionID {
		n.replyError(msg, common.ErrCodePermanent, fmt.Errorf("key does not belong to partition %d", msg.PartitionID))
		return
	}

	ok := n.partitions.Submit(msg.PartitionID, func(c *partition.Container) {
		n.executeMapOperation(msg, &req, c.Context(req.Map))
	})
	if !ok {
		n.replyError(msg, common.ErrCodeRetryable, errShuttingDown)
	}
}

// executeMapOperation runs on the partition lane
func (n *Node) executeMapOperation(msg *common.Message, req *mapRequest, pc *partition.Context) {
	resp, kind, replicate, err := n.applyPrimary(msg.Caller, req, pc)
	if err != nil {
		code := common.ErrCodePermanent
		if errors.Is(err, errLocked) {
			code = common.ErrCodeRetryable
		}
		n.replyError(msg, code, err)
		return
	}

	backups := 0
	if replicate {
		backups = n.sendBackups(msg, req, kind)
	}

	payload, err := msgpack.Marshal(&resp)
	if err != nil {
		n.replyError(msg, common.ErrCodePermanent, fmt.Errorf("failed to encode map response: %w", err))
		return
	}
	n.reply(common.NewResponse(msg, n.self, payload, int32(backups)), msg.Caller)
}

// applyPrimary mutates pc and reports which backup (if any) must follow
func (n *Node) applyPrimary(caller cluster.Address, req *mapRequest, pc *partition.Context) (resp mapResponse, kind backup.Kind, replicate bool, err error) {
	switch req.Op {
	case opPut:
		r, err := n.lookup(pc, req.Key)
		if err != nil {
			return resp, 0, false, err
		}
		if live(r) {
			resp.Value, resp.Found = r.Value(), true
		}
		if r == nil {
			r = partition.NewRecord(&n.self, pc.PartitionID, req.Key, req.Value, n.partitions.NextID())
			pc.Records.Put(req.Key, r)
		} else {
			r.SetValue(req.Value)
		}
		r.SetActive()
		r.SetDirty(true)
		return resp, backup.KindPut, true, nil

	case opGet:
		r, err := n.lookup(pc, req.Key)
		if err != nil {
			return resp, 0, false, err
		}
		if live(r) {
			resp.Value, resp.Found = r.Value(), true
		}
		return resp, 0, false, nil

	case opRemove:
		// a key that only exists in the map store must become a tombstone too
		r, err := n.lookup(pc, req.Key)
		if err != nil {
			return resp, 0, false, err
		}
		if !live(r) {
			return resp, 0, false, nil
		}
		resp.Value, resp.Found = r.Value(), true
		r.MarkRemoved()
		r.SetDirty(true)
		return resp, backup.KindRemove, true, nil

	case opLock:
		l := pc.Locks.GetOrCreateLock(req.Key)
		if l.IsLocked() && !l.IsLockedBy(caller, req.ThreadID) {
			return resp, 0, false, errLocked
		}
		l.Lock(caller, req.ThreadID, time.Duration(req.TTL)*time.Millisecond)
		return resp, backup.KindLock, true, nil

	case opUnlock:
		l := pc.Locks.GetLock(req.Key)
		if l == nil || !l.Unlock(caller, req.ThreadID) {
			return resp, 0, false, ErrNotLockOwner
		}
		pc.Locks.ReleaseIfFree(req.Key)
		return resp, backup.KindUnlock, true, nil

	case opSize:
		pc.Records.Range(func(r *partition.Record) bool {
			if live(r) {
				resp.Size++
			}
			return true
		})
		return resp, 0, false, nil

	default:
		return resp, 0, false, fmt.Errorf("unsupported map operation %v", req.Op)
	}
}

// lookup returns the record of key and reads through the map store on a miss
func (n *Node) lookup(pc *partition.Context, key []byte) (*partition.Record, error) {
	r := pc.Records.Get(key)
	if r != nil || n.store == nil {
		return r, nil
	}

	value, found, err := n.store.Load(pc.MapName, key)
	if err != nil {
		return nil, fmt.Errorf("read-through of map %s failed: %w", pc.MapName, err)
	}
	if !found {
		return nil, nil
	}
	r = partition.NewRecord(&n.self, pc.PartitionID, key, value, n.partitions.NextID())
	r.SetActive()
	pc.Records.Put(key, r)
	return r, nil
}

func live(r *partition.Record) bool {
	return r != nil && r.IsActive() && !r.IsRemoved()
}

// sendBackups ships the mutation to replicas 1..backupCount. The requester is the
// first caller, so every replica acknowledges directly to it. It returns the number
// of backups that were handed to the gate.
func (n *Node) sendBackups(msg *common.Message, req *mapRequest, kind backup.Kind) int {
	if n.table.BackupCount() == 0 {
		return 0
	}

	b := backup.NewBuilder(kind, req.Map, req.Key).ThreadID(req.ThreadID)
	switch kind {
	case backup.KindPut:
		b.Value(req.Value)
	case backup.KindLock:
		b.TTL(time.Duration(req.TTL) * time.Millisecond)
	}
	op, err := b.Build(backup.Caller{Address: msg.Caller, CallID: int64(msg.CallID)})
	if err != nil {
		Logger.Errorf("cannot build backup for call %d: %v", msg.CallID, err)
		return 0
	}
	data, err := op.MarshalBinary()
	if err != nil {
		Logger.Errorf("cannot encode backup %v: %v", op, err)
		return 0
	}

	sent := 0
	for replica := 1; replica <= n.table.BackupCount(); replica++ {
		owner, ok := n.table.Owner(msg.PartitionID, replica)
		if !ok {
			continue
		}
		bmsg := common.NewBackupRequest(MapService, msg.PartitionID, int32(replica), n.self, data)
		if err := n.gate.Send(bmsg, msg.PartitionID, owner); err != nil {
			Logger.Warningf("backup %v to replica %d on %s not sent: %v", op, replica, owner, err)
			continue
		}
		sent++
	}
	return sent
}

func (n *Node) replyError(msg *common.Message, code common.ErrCode, err error) {
	n.reply(common.NewErrorResponse(msg, n.self, code, err), msg.Caller)
}
