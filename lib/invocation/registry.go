package invocation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ValentinKolb/dMap/lib/cluster"
	"github.com/VictoriaMetrics/metrics"
	"github.com/jonboulle/clockwork"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("invocation")

var (
	startedCounter    = metrics.GetOrCreateCounter(`dmap_invocations_total`)
	sentCounter       = metrics.GetOrCreateCounter(`dmap_invocation_sends_total`)
	retryCounter      = metrics.GetOrCreateCounter(`dmap_invocation_retries_total`)
	staleCounter      = metrics.GetOrCreateCounter(`dmap_invocation_stale_replies_total`)
	succeededCounter  = metrics.GetOrCreateCounter(`dmap_invocations_succeeded_total`)
	failedCounter     = metrics.GetOrCreateCounter(`dmap_invocations_failed_total`)
	durationHistogram = metrics.GetOrCreateHistogram(`dmap_invocation_duration_seconds`)
)

// Registry creates invocations and routes replies to them by call id
type Registry struct {
	sender   Sender
	clock    clockwork.Clock
	defaults Options

	calls    *xsync.MapOf[uint64, *invocation]
	sequence atomic.Uint64
	closed   atomic.Bool
}

// NewRegistry creates a registry. The defaults apply to every invocation that
// leaves an option unset. A nil clock selects the real clock.
func NewRegistry(sender Sender, clock clockwork.Clock, defaults Options) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		sender:   sender,
		clock:    clock,
		defaults: defaults,
		calls:    xsync.NewMapOf[uint64, *invocation](),
	}
}

// Invoke sends op to the node chosen by target and retries retryable failures.
// The first attempt is sent before Invoke returns.
func (r *Registry) Invoke(op Operation, target TargetResolver, opts Options) *Future {
	callID := r.sequence.Add(1)
	future := newFuture(callID)
	if r.closed.Load() {
		future.complete(Result{}, ErrClosed)
		return future
	}

	opts = opts.merge(r.defaults)
	inv := &invocation{
		registry: r,
		callID:   callID,
		op:       op,
		target:   target,
		max:      opts.MaxAttempts,
		policy:   opts.policy(),
		started:  r.clock.Now(),
		future:   future,
	}
	r.calls.Store(callID, inv)
	startedCounter.Inc()

	if !opts.Deadline.IsZero() {
		inv.mu.Lock()
		inv.deadlineTimer = r.clock.AfterFunc(opts.Deadline.Sub(inv.started), inv.expire)
		inv.mu.Unlock()
	}

	if opts.OnStart != nil {
		opts.OnStart(callID)
	}
	inv.send()
	return future
}

// HandleReply passes a reply to its invocation. Replies for unknown call ids are dropped.
func (r *Registry) HandleReply(reply Reply) {
	inv, ok := r.calls.Load(reply.CallID)
	if !ok {
		staleCounter.Inc()
		Logger.Debugf("dropping reply for unknown call %d from %s", reply.CallID, reply.From)
		return
	}
	inv.onReply(reply)
}

// Pending returns the number of unfinished invocations
func (r *Registry) Pending() int {
	return r.calls.Size()
}

// Close fails every pending invocation with ErrClosed. Later invocations fail immediately.
func (r *Registry) Close() {
	if r.closed.Swap(true) {
		return
	}
	r.calls.Range(func(_ uint64, inv *invocation) bool {
		inv.abort(ErrClosed)
		return true
	})
}

// --------------------------------------------------------------------------
// Partition Fan-Out
// --------------------------------------------------------------------------

// InvokeOnAllPartitions invokes the same payload on the primary of every partition
// of table. The futures are ordered by partition id.
func (r *Registry) InvokeOnAllPartitions(table cluster.PartitionTable, service string, payload []byte, opts Options) []*Future {
	futures := make([]*Future, table.PartitionCount())
	for pid := range futures {
		futures[pid] = r.Invoke(
			Operation{Service: service, PartitionID: int32(pid), Payload: payload},
			PartitionOwnerTarget{Table: table, PartitionID: int32(pid)},
			opts,
		)
	}
	return futures
}

// WaitAll waits for every future. The results keep the order of futures; the error
// joins the errors of all failed invocations.
func WaitAll(ctx context.Context, futures []*Future) ([]Result, error) {
	results := make([]Result, len(futures))
	var errs []error
	for i, f := range futures {
		res, err := f.Get(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			errs = append(errs, fmt.Errorf("call %d: %w", f.CallID(), err))
			continue
		}
		results[i] = res
	}
	return results, errors.Join(errs...)
}
