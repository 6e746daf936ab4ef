package backup

import (
	"context"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
)

var unexpectedAckCounter = metrics.GetOrCreateCounter(`dmap_backup_unexpected_acks_total`)

// AckTracker counts backup responses per call id so that the caller of a mutation
// can wait until every backup replica acknowledged it.
//
// A call id must be registered with Expect before its request is sent, because
// acks may arrive before the caller starts waiting (the primary's reply and the
// backup responses race). Acks for ids that are not registered (never expected,
// or already forgotten) are dropped, so late acks never create entries.
type AckTracker struct {
	calls *xsync.MapOf[int64, *ackState]
}

type ackState struct {
	mu     sync.Mutex
	count  int
	notify chan struct{} // closed and replaced on every ack
}

// NewAckTracker creates an empty tracker
func NewAckTracker() *AckTracker {
	return &AckTracker{calls: xsync.NewMapOf[int64, *ackState]()}
}

// Expect registers callID. Every Expect must be followed by a successful Wait or a Forget.
func (t *AckTracker) Expect(callID int64) {
	t.calls.LoadOrCompute(callID, func() *ackState {
		return &ackState{notify: make(chan struct{})}
	})
}

// Ack records one backup response for callID. It reports false if callID is not registered.
//
// Thread-safety: This method is thread-safe.
func (t *AckTracker) Ack(callID int64) bool {
	s, ok := t.calls.Load(callID)
	if !ok {
		unexpectedAckCounter.Inc()
		return false
	}
	s.mu.Lock()
	s.count++
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()
	return true
}

// Count returns the number of acks recorded for callID
func (t *AckTracker) Count(callID int64) int {
	s, ok := t.calls.Load(callID)
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Wait blocks until expected acks were recorded for callID or ctx is done.
// An unregistered callID is registered first. The entry is dropped once the
// wait succeeded. On error the caller should call Forget.
func (t *AckTracker) Wait(ctx context.Context, callID int64, expected int) error {
	if expected <= 0 {
		t.Forget(callID)
		return nil
	}

	s, _ := t.calls.LoadOrCompute(callID, func() *ackState {
		return &ackState{notify: make(chan struct{})}
	})
	for {
		s.mu.Lock()
		if s.count >= expected {
			s.mu.Unlock()
			t.Forget(callID)
			return nil
		}
		ch := s.notify
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Forget drops the entry of callID, later acks for it are ignored
func (t *AckTracker) Forget(callID int64) {
	t.calls.Delete(callID)
}

// Pending returns the number of tracked call ids
func (t *AckTracker) Pending() int {
	return t.calls.Size()
}
