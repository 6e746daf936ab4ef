package invocation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dMap/lib/cluster"
	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	nodeA = cluster.MustParseAddress("10.0.0.1:5701")
	nodeB = cluster.MustParseAddress("10.0.0.2:5701")
)

// --------------------------------------------------------------------------
// Test Helpers
// --------------------------------------------------------------------------

// fakeSender records requests. If reply is set, its result is passed to the
// registry synchronously, a nil reply means the target stays silent.
type fakeSender struct {
	mu       sync.Mutex
	registry *Registry
	requests []Request
	reply    func(req Request) (*Reply, error)
}

func (s *fakeSender) SendRequest(req Request) error {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	reply := s.reply
	s.mu.Unlock()

	if reply == nil {
		return nil
	}
	r, err := reply(req)
	if err != nil {
		return err
	}
	if r != nil {
		s.registry.HandleReply(*r)
	}
	return nil
}

func (s *fakeSender) sent() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func newTestRegistry(t *testing.T, reply func(req Request) (*Reply, error)) (*Registry, *fakeSender, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	sender := &fakeSender{reply: reply}
	reg := NewRegistry(sender, clock, Options{MaxAttempts: 3, Pause: time.Second})
	sender.registry = reg
	t.Cleanup(reg.Close)
	return reg, sender, clock
}

func success(value string) func(req Request) (*Reply, error) {
	return func(req Request) (*Reply, error) {
		return &Reply{CallID: req.CallID, Attempt: req.Attempt, From: req.Target, Value: []byte(value)}, nil
	}
}

func retryable(req Request) (*Reply, error) {
	return &Reply{CallID: req.CallID, Attempt: req.Attempt, From: req.Target, Err: Retryable("partition is migrating")}, nil
}

// advanceRetries fires n scheduled retries, one at a time
func advanceRetries(t *testing.T, clock *clockwork.FakeClock, n int, pause time.Duration) {
	t.Helper()
	for i := 0; i < n; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		require.NoError(t, clock.BlockUntilContext(ctx, 1), "retry %d was never scheduled", i+1)
		cancel()
		clock.Advance(pause)
	}
}

func get(t *testing.T, f *Future) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := f.Get(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "future never completed")
	return res, err
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestInvokeSucceedsFirstAttempt(t *testing.T) {
	reg, sender, _ := newTestRegistry(t, success("v"))

	f := reg.Invoke(Operation{Service: "map", PartitionID: 3, Payload: []byte("p")}, FixedTarget(nodeA), Options{})
	res, err := get(t, f)
	require.NoError(t, err)

	assert.Equal(t, []byte("v"), res.Value)
	assert.Equal(t, nodeA, res.From)
	assert.Equal(t, 1, res.Attempts)

	reqs := sender.sent()
	require.Len(t, reqs, 1)
	assert.Equal(t, f.CallID(), reqs[0].CallID)
	assert.Equal(t, uint32(1), reqs[0].Attempt)
	assert.Equal(t, int32(3), reqs[0].Op.PartitionID)
	assert.Equal(t, 0, reg.Pending())
}

func TestOnStartRunsBeforeFirstSend(t *testing.T) {
	reg, sender, _ := newTestRegistry(t, success("v"))

	var (
		started   uint64
		sentFirst int
	)
	f := reg.Invoke(Operation{Service: "map"}, FixedTarget(nodeA), Options{OnStart: func(callID uint64) {
		started = callID
		sentFirst = len(sender.sent())
	}})
	_, err := get(t, f)
	require.NoError(t, err)

	assert.Equal(t, f.CallID(), started)
	assert.Zero(t, sentFirst, "nothing may be sent before the call id is announced")
}

func TestRetryBoundIsExact(t *testing.T) {
	reg, sender, clock := newTestRegistry(t, retryable)

	f := reg.Invoke(Operation{Service: "map"}, FixedTarget(nodeA), Options{})
	advanceRetries(t, clock, 2, time.Second)

	_, err := get(t, f)
	require.Error(t, err)
	assert.True(t, IsExhausted(err))
	assert.False(t, IsRetryable(err))

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	var last *RetryableError
	assert.ErrorAs(t, exhausted.Last, &last)

	reqs := sender.sent()
	require.Len(t, reqs, 3)
	for i, req := range reqs {
		assert.Equal(t, f.CallID(), req.CallID, "call id must not change between attempts")
		assert.Equal(t, uint32(i+1), req.Attempt)
	}
	assert.Equal(t, 0, reg.Pending())
}

func TestRetryThenSuccess(t *testing.T) {
	reg, sender, clock := newTestRegistry(t, nil)
	sender.reply = func(req Request) (*Reply, error) {
		if req.Attempt == 1 {
			return retryable(req)
		}
		return success("late")(req)
	}

	f := reg.Invoke(Operation{}, FixedTarget(nodeA), Options{})
	advanceRetries(t, clock, 1, time.Second)

	res, err := get(t, f)
	require.NoError(t, err)
	assert.Equal(t, []byte("late"), res.Value)
	assert.Equal(t, 2, res.Attempts)
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	reg, sender, clock := newTestRegistry(t, func(req Request) (*Reply, error) {
		return &Reply{CallID: req.CallID, Attempt: req.Attempt, From: req.Target, Err: &RemoteError{From: req.Target, Message: "bad payload"}}, nil
	})

	f := reg.Invoke(Operation{}, FixedTarget(nodeA), Options{MaxAttempts: 10})
	_, err := get(t, f)
	require.Error(t, err)
	assert.True(t, IsRemote(err))
	assert.False(t, IsExhausted(err))

	clock.Advance(time.Minute)
	assert.Len(t, sender.sent(), 1)
}

func TestSendErrorIsRetryable(t *testing.T) {
	reg, sender, clock := newTestRegistry(t, nil)
	sender.reply = func(req Request) (*Reply, error) {
		if req.Attempt == 1 {
			return nil, errors.New("connection refused")
		}
		return success("ok")(req)
	}

	f := reg.Invoke(Operation{}, FixedTarget(nodeA), Options{})
	advanceRetries(t, clock, 1, time.Second)

	res, err := get(t, f)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
}

func TestSendErrorsExhaust(t *testing.T) {
	reg, _, clock := newTestRegistry(t, func(req Request) (*Reply, error) {
		return nil, errors.New("connection refused")
	})

	f := reg.Invoke(Operation{}, FixedTarget(nodeA), Options{MaxAttempts: 2})
	advanceRetries(t, clock, 1, time.Second)

	_, err := get(t, f)
	assert.True(t, IsExhausted(err))
	assert.ErrorContains(t, err, "connection refused")
}

func TestStaleAndLateRepliesAreIgnored(t *testing.T) {
	reg, sender, _ := newTestRegistry(t, nil)

	f := reg.Invoke(Operation{}, FixedTarget(nodeA), Options{})
	require.Len(t, sender.sent(), 1)

	// wrong attempt
	reg.HandleReply(Reply{CallID: f.CallID(), Attempt: 2, From: nodeA, Value: []byte("stale")})
	// unknown call
	reg.HandleReply(Reply{CallID: f.CallID() + 100, Attempt: 1, From: nodeA})
	select {
	case <-f.Done():
		t.Fatal("future completed by a stale reply")
	default:
	}
	assert.Equal(t, 1, reg.Pending())

	reg.HandleReply(Reply{CallID: f.CallID(), Attempt: 1, From: nodeA, Value: []byte("first")})
	// late duplicate
	reg.HandleReply(Reply{CallID: f.CallID(), Attempt: 1, From: nodeB, Value: []byte("second")})

	res, err := get(t, f)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), res.Value)
	assert.Equal(t, nodeA, res.From)
	assert.Equal(t, 0, reg.Pending())
}

func TestReplyDuringRetryPauseIsDropped(t *testing.T) {
	reg, sender, clock := newTestRegistry(t, nil)

	f := reg.Invoke(Operation{}, FixedTarget(nodeA), Options{})
	reg.HandleReply(Reply{CallID: f.CallID(), Attempt: 1, From: nodeA, Err: Retryable("busy")})

	// the retry of attempt 1 is scheduled, a second answer to attempt 1 must not win
	reg.HandleReply(Reply{CallID: f.CallID(), Attempt: 1, From: nodeA, Value: []byte("too late")})
	select {
	case <-f.Done():
		t.Fatal("future completed during the retry pause")
	default:
	}

	advanceRetries(t, clock, 1, time.Second)
	require.Eventually(t, func() bool { return len(sender.sent()) == 2 }, time.Second, 5*time.Millisecond)

	reg.HandleReply(Reply{CallID: f.CallID(), Attempt: 2, From: nodeA, Value: []byte("v2")})
	res, err := get(t, f)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), res.Value)
}

func TestOwnerTargetFollowsMigration(t *testing.T) {
	table, err := cluster.NewStaticTable([]cluster.Address{nodeA, nodeB}, 4, 1)
	require.NoError(t, err)

	reg, sender, clock := newTestRegistry(t, nil)
	sender.reply = func(req Request) (*Reply, error) {
		if req.Target == nodeA {
			return &Reply{CallID: req.CallID, Attempt: req.Attempt, From: nodeA, Err: Retryable("not the owner")}, nil
		}
		return success("from b")(req)
	}

	f := reg.Invoke(Operation{PartitionID: 0}, PartitionOwnerTarget{Table: table, PartitionID: 0}, Options{})
	table.SetMembers([]cluster.Address{nodeB, nodeA})
	advanceRetries(t, clock, 1, time.Second)

	res, err := get(t, f)
	require.NoError(t, err)
	assert.Equal(t, nodeB, res.From)

	reqs := sender.sent()
	require.Len(t, reqs, 2)
	assert.Equal(t, nodeA, reqs[0].Target)
	assert.Equal(t, nodeB, reqs[1].Target)
}

func TestFixedTargetNeverRedirects(t *testing.T) {
	reg, sender, clock := newTestRegistry(t, retryable)
	f := reg.Invoke(Operation{PartitionID: 1}, FixedTarget(nodeA), Options{})
	advanceRetries(t, clock, 2, time.Second)

	_, err := get(t, f)
	assert.True(t, IsExhausted(err))
	for _, req := range sender.sent() {
		assert.Equal(t, nodeA, req.Target)
	}
}

func TestOwnerMissingIsRetryable(t *testing.T) {
	table, err := cluster.NewStaticTable([]cluster.Address{nodeA}, 4, 0)
	require.NoError(t, err)

	reg, sender, clock := newTestRegistry(t, success("ok"))
	// replica 1 does not exist with a single member
	f := reg.Invoke(Operation{}, PartitionOwnerTarget{Table: table, PartitionID: 2, ReplicaIndex: 1}, Options{MaxAttempts: 2})
	advanceRetries(t, clock, 1, time.Second)

	_, err = get(t, f)
	assert.True(t, IsExhausted(err))
	assert.Empty(t, sender.sent())
}

func TestDeadline(t *testing.T) {
	reg, sender, clock := newTestRegistry(t, retryable)

	f := reg.Invoke(Operation{}, FixedTarget(nodeA), Options{MaxAttempts: 10, Deadline: clock.Now().Add(1500 * time.Millisecond)})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// deadline timer + retry timer
	require.NoError(t, clock.BlockUntilContext(ctx, 2))
	clock.Advance(time.Second)
	require.NoError(t, clock.BlockUntilContext(ctx, 2))
	clock.Advance(500 * time.Millisecond)

	_, err := get(t, f)
	assert.ErrorIs(t, err, ErrDeadlineExceeded)
	assert.ErrorContains(t, err, "partition is migrating")
	assert.Len(t, sender.sent(), 2)
}

func TestCustomBackOff(t *testing.T) {
	reg, sender, clock := newTestRegistry(t, retryable)

	f := reg.Invoke(Operation{}, FixedTarget(nodeA), Options{
		MaxAttempts: 5,
		BackOff: func() backoff.BackOff {
			// allows a single retry
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(3*time.Second), 1)
		},
	})
	advanceRetries(t, clock, 1, 3*time.Second)

	_, err := get(t, f)
	assert.True(t, IsExhausted(err))
	assert.Len(t, sender.sent(), 2)
}

func TestClose(t *testing.T) {
	reg, _, _ := newTestRegistry(t, nil)

	f := reg.Invoke(Operation{}, FixedTarget(nodeA), Options{})
	reg.Close()

	_, err := get(t, f)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = get(t, reg.Invoke(Operation{}, FixedTarget(nodeA), Options{}))
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, reg.Pending())
}

func TestInvokeOnAllPartitions(t *testing.T) {
	table, err := cluster.NewStaticTable([]cluster.Address{nodeA, nodeB}, 5, 1)
	require.NoError(t, err)

	reg, _, _ := newTestRegistry(t, func(req Request) (*Reply, error) {
		return &Reply{CallID: req.CallID, Attempt: req.Attempt, From: req.Target, Value: []byte{byte(req.Op.PartitionID)}}, nil
	})

	futures := reg.InvokeOnAllPartitions(table, "map", []byte("size"), Options{})
	require.Len(t, futures, 5)

	results, err := WaitAll(context.Background(), futures)
	require.NoError(t, err)
	for pid, res := range results {
		assert.Equal(t, []byte{byte(pid)}, res.Value)
		owner, _ := table.Owner(int32(pid), 0)
		assert.Equal(t, owner, res.From)
	}
}

func TestWaitAllJoinsErrors(t *testing.T) {
	table, err := cluster.NewStaticTable([]cluster.Address{nodeA}, 3, 0)
	require.NoError(t, err)

	reg, _, _ := newTestRegistry(t, func(req Request) (*Reply, error) {
		if req.Op.PartitionID == 1 {
			return &Reply{CallID: req.CallID, Attempt: req.Attempt, From: req.Target, Err: &RemoteError{From: req.Target, Message: "boom"}}, nil
		}
		return success("ok")(req)
	})

	_, err = WaitAll(context.Background(), reg.InvokeOnAllPartitions(table, "map", nil, Options{}))
	require.Error(t, err)
	assert.True(t, IsRemote(err))
}

func TestErrorClassification(t *testing.T) {
	cause := errors.New("eof")
	r := &RetryableError{Reason: "send failed", Cause: cause}
	assert.True(t, IsRetryable(r))
	assert.ErrorIs(t, r, cause)
	assert.False(t, IsRetryable(&RemoteError{Message: "x"}))
	assert.False(t, IsRetryable(&ExhaustedError{Attempts: 3, Last: r}))
	assert.False(t, IsRetryable(nil))
	assert.Contains(t, (&ExhaustedError{Attempts: 3, Last: r}).Error(), "3 attempts")
}
