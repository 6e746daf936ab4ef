package backup

import (
	"fmt"

	"github.com/ValentinKolb/dMap/lib/cluster"
	"github.com/ValentinKolb/dMap/lib/partition"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("backup")

// Responder delivers backup responses. Delivery is fire-and-forget; a lost
// response is not resent.
type Responder interface {
	SendBackupResponse(resp Response, target cluster.Address) error
}

// IDSource hands out node-wide monotonically increasing version ids
type IDSource interface {
	NextID() uint64
}

var (
	appliedCounters = [...]*metrics.Counter{
		KindPut:    metrics.GetOrCreateCounter(`dmap_backup_applied_total{kind="put"}`),
		KindRemove: metrics.GetOrCreateCounter(`dmap_backup_applied_total{kind="remove"}`),
		KindLock:   metrics.GetOrCreateCounter(`dmap_backup_applied_total{kind="lock"}`),
		KindUnlock: metrics.GetOrCreateCounter(`dmap_backup_applied_total{kind="unlock"}`),
	}
	noopCounter         = metrics.GetOrCreateCounter(`dmap_backup_noop_total`)
	responseErrCounter  = metrics.GetOrCreateCounter(`dmap_backup_response_errors_total`)
	responseSentCounter = metrics.GetOrCreateCounter(`dmap_backup_responses_total`)
)

// Executor applies backup operations to partition contexts and acknowledges
// them to the first caller.
type Executor struct {
	service   string
	ids       IDSource
	responder Responder
}

// NewExecutor creates an executor. Service is stamped into every response.
func NewExecutor(service string, ids IDSource, responder Responder) *Executor {
	return &Executor{service: service, ids: ids, responder: responder}
}

// Apply executes op against pc and sends the backup response to the first caller.
// It must run on the lane of pc's partition.
//
// Missing records (REMOVE) and missing or foreign locks (UNLOCK) are no-ops; the
// response is sent in every case. The returned error only reports a failed
// response send.
func (e *Executor) Apply(op *Operation, pc *partition.Context) error {
	first, hasAddress := op.FirstCaller()
	owner := first.Address

	switch op.Kind() {
	case KindPut:
		r := pc.Records.Get(op.Key())
		if r == nil {
			r = partition.NewRecord(nil, pc.PartitionID, op.Key(), op.Value(), e.ids.NextID())
			pc.Records.Put(op.Key(), r)
		} else {
			r.SetValue(op.Value())
		}
		r.SetActive()
		r.SetDirty(true)

	case KindRemove:
		r := pc.Records.Get(op.Key())
		if r == nil {
			noopCounter.Inc()
			Logger.Debugf("remove of absent key %q in %s/%d ignored", op.Key(), pc.MapName, pc.PartitionID)
			break
		}
		r.MarkRemoved()
		r.SetDirty(true)

	case KindLock:
		pc.Locks.GetOrCreateLock(op.Key()).Lock(owner, op.ThreadID(), op.TTL())

	case KindUnlock:
		l := pc.Locks.GetLock(op.Key())
		if l == nil || !l.Unlock(owner, op.ThreadID()) {
			noopCounter.Inc()
			Logger.Debugf("unlock of %q in %s/%d by %s/%d ignored", op.Key(), pc.MapName, pc.PartitionID, owner, op.ThreadID())
			break
		}
		pc.Locks.ReleaseIfFree(op.Key())

	default:
		// decoding and the builder reject unknown kinds
		return fmt.Errorf("cannot apply backup operation of kind %v", op.Kind())
	}
	appliedCounters[op.Kind()].Inc()

	if !hasAddress {
		Logger.Warningf("backup %v carries no first caller address, no response sent", op)
		return nil
	}

	resp := Response{
		Service:      e.service,
		CallID:       first.CallID,
		PartitionID:  pc.PartitionID,
		ReplicaIndex: 0,
	}
	if err := e.responder.SendBackupResponse(resp, first.Address); err != nil {
		responseErrCounter.Inc()
		return fmt.Errorf("failed to send backup response for call %d to %s: %w", first.CallID, first.Address, err)
	}
	responseSentCounter.Inc()
	return nil
}
