package invocation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dMap/lib/cluster"
	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// Operation is the unit of work sent to a partition replica
type Operation struct {
	Service     string // Handling service on the target node
	PartitionID int32
	Payload     []byte // Encoded by the service
}

// Request is one attempt of an invocation as handed to the Sender
type Request struct {
	CallID  uint64 // Constant across attempts
	Attempt uint32 // Starts at 1
	Target  cluster.Address
	Op      Operation
}

// Sender transmits requests. A returned error counts as a retryable failure
// of the attempt.
type Sender interface {
	SendRequest(req Request) error
}

// Reply is the answer of a target node to one attempt
type Reply struct {
	CallID      uint64
	Attempt     uint32 // Must echo the attempt of the request
	From        cluster.Address
	Value       []byte
	BackupCount int   // Number of backups the primary sent
	Err         error // RetryableError, RemoteError or nil
}

// Result is the outcome of a successful invocation
type Result struct {
	Value       []byte
	BackupCount int
	From        cluster.Address
	Attempts    int
}

// Options controls the retry behaviour of an invocation.
// Zero fields fall back to the defaults of the registry.
type Options struct {
	MaxAttempts int                    // Total number of sends
	Pause       time.Duration          // Pause before a retry
	BackOff     func() backoff.BackOff // Replaces the constant pause policy
	Deadline    time.Time              // Absolute deadline (zero = none)
	OnStart     func(callID uint64)    // Called with the call id before the first send
}

func (o Options) merge(defaults Options) Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaults.MaxAttempts
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.Pause <= 0 {
		o.Pause = defaults.Pause
	}
	if o.BackOff == nil {
		o.BackOff = defaults.BackOff
	}
	if o.Deadline.IsZero() {
		o.Deadline = defaults.Deadline
	}
	if o.OnStart == nil {
		o.OnStart = defaults.OnStart
	}
	return o
}

// policy returns the retry policy of one invocation
func (o Options) policy() backoff.BackOff {
	var b backoff.BackOff
	if o.BackOff != nil {
		b = o.BackOff()
	} else {
		b = backoff.NewConstantBackOff(o.Pause)
	}
	b = backoff.WithMaxRetries(b, uint64(o.MaxAttempts-1))
	b.Reset()
	return b
}

// --------------------------------------------------------------------------
// Future
// --------------------------------------------------------------------------

// Future is completed exactly once with the outcome of an invocation
type Future struct {
	callID uint64
	done   chan struct{}
	result Result
	err    error
}

func newFuture(callID uint64) *Future {
	return &Future{callID: callID, done: make(chan struct{})}
}

// CallID returns the call id of the invocation
func (f *Future) CallID() uint64 {
	return f.callID
}

// Done is closed once the invocation completed
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Get waits for the outcome. A canceled ctx does not cancel the invocation.
func (f *Future) Get(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// complete must be called at most once
func (f *Future) complete(result Result, err error) {
	f.result = result
	f.err = err
	close(f.done)
}

// --------------------------------------------------------------------------
// Invocation State Machine
// --------------------------------------------------------------------------

// invocation tracks one call from the first send until it succeeded or failed
type invocation struct {
	registry *Registry
	callID   uint64
	op       Operation
	target   TargetResolver
	max      int
	policy   backoff.BackOff
	started  time.Time
	future   *Future

	mu            sync.Mutex
	attempt       uint32
	waiting       bool // A retry is scheduled, replies are dropped until it was sent
	done          bool
	lastErr       error
	retryTimer    clockwork.Timer
	deadlineTimer clockwork.Timer
}

// send starts the next attempt
func (inv *invocation) send() {
	inv.mu.Lock()
	if inv.done {
		inv.mu.Unlock()
		return
	}
	inv.attempt++
	inv.waiting = false
	attempt := inv.attempt
	inv.mu.Unlock()

	target, err := inv.target.ResolveTarget(int(attempt))
	if err == nil {
		sentCounter.Inc()
		err = inv.registry.sender.SendRequest(Request{
			CallID:  inv.callID,
			Attempt: attempt,
			Target:  target,
			Op:      inv.op,
		})
		if err != nil {
			err = &RetryableError{Reason: fmt.Sprintf("failed to send to %s", target), Cause: err}
		}
	}
	if err != nil {
		inv.fail(attempt, err)
	}
}

// fail ends an attempt without a reply
func (inv *invocation) fail(attempt uint32, err error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.done || inv.waiting || attempt != inv.attempt {
		return
	}
	if IsRetryable(err) {
		inv.scheduleRetryLocked(err)
		return
	}
	inv.resolveLocked(Result{}, err)
}

func (inv *invocation) onReply(r Reply) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.done || inv.waiting || r.Attempt != inv.attempt {
		staleCounter.Inc()
		Logger.Debugf("dropping reply for call %d attempt %d from %s (current attempt %d)", r.CallID, r.Attempt, r.From, inv.attempt)
		return
	}

	if r.Err != nil {
		if IsRetryable(r.Err) {
			inv.scheduleRetryLocked(r.Err)
			return
		}
		inv.resolveLocked(Result{}, r.Err)
		return
	}

	inv.resolveLocked(Result{
		Value:       r.Value,
		BackupCount: r.BackupCount,
		From:        r.From,
		Attempts:    int(inv.attempt),
	}, nil)
}

func (inv *invocation) scheduleRetryLocked(err error) {
	inv.lastErr = err
	if int(inv.attempt) >= inv.max {
		inv.resolveLocked(Result{}, &ExhaustedError{Attempts: int(inv.attempt), Last: err})
		return
	}
	next := inv.policy.NextBackOff()
	if next == backoff.Stop {
		inv.resolveLocked(Result{}, &ExhaustedError{Attempts: int(inv.attempt), Last: err})
		return
	}

	retryCounter.Inc()
	Logger.Debugf("call %d attempt %d failed, retrying in %v: %v", inv.callID, inv.attempt, next, err)
	inv.waiting = true
	inv.retryTimer = inv.registry.clock.AfterFunc(next, inv.send)
}

func (inv *invocation) expire() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.done {
		return
	}
	err := ErrDeadlineExceeded
	if inv.lastErr != nil {
		err = fmt.Errorf("%w after %d attempts: %v", ErrDeadlineExceeded, inv.attempt, inv.lastErr)
	}
	inv.resolveLocked(Result{}, err)
}

func (inv *invocation) abort(err error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if !inv.done {
		inv.resolveLocked(Result{}, err)
	}
}

// resolveLocked completes the invocation; every later event is ignored
func (inv *invocation) resolveLocked(result Result, err error) {
	inv.done = true
	if inv.retryTimer != nil {
		inv.retryTimer.Stop()
	}
	if inv.deadlineTimer != nil {
		inv.deadlineTimer.Stop()
	}
	inv.registry.calls.Delete(inv.callID)

	durationHistogram.Update(inv.registry.clock.Since(inv.started).Seconds())
	if err != nil {
		failedCounter.Inc()
		Logger.Debugf("call %d to service %q failed after %d attempts: %v", inv.callID, inv.op.Service, inv.attempt, err)
	} else {
		succeededCounter.Inc()
	}
	inv.future.complete(result, err)
}
