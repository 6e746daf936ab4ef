package partition

import (
	"time"

	"github.com/ValentinKolb/dMap/lib/cluster"
	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Lock entry
// --------------------------------------------------------------------------

// LockInfo is the lock state of a single key.
// The owner is identified by the node address plus a logical thread id.
type LockInfo struct {
	clock clockwork.Clock

	held      bool
	owner     cluster.Address
	threadID  int64
	ttl       time.Duration
	expiresAt time.Time // zero = never
}

// Lock acquires the lock for the owner unconditionally, replacing any previous holder.
// A ttl <= 0 means the lock never expires.
func (l *LockInfo) Lock(owner cluster.Address, threadID int64, ttl time.Duration) {
	l.held = true
	l.owner = owner
	l.threadID = threadID
	l.ttl = ttl
	if ttl > 0 {
		l.expiresAt = l.clock.Now().Add(ttl)
	} else {
		l.expiresAt = time.Time{}
	}
}

// Unlock releases the lock if it is held by the owner.
// It returns false (and changes nothing) if the caller is not the holder.
func (l *LockInfo) Unlock(owner cluster.Address, threadID int64) bool {
	if !l.IsLockedBy(owner, threadID) {
		return false
	}
	l.held = false
	l.owner = cluster.Address{}
	l.threadID = 0
	l.expiresAt = time.Time{}
	return true
}

// IsLocked returns whether the lock is held and not expired
func (l *LockInfo) IsLocked() bool {
	if !l.held {
		return false
	}
	return l.expiresAt.IsZero() || l.clock.Now().Before(l.expiresAt)
}

// IsLockedBy returns whether the lock is currently held by the given owner
func (l *LockInfo) IsLockedBy(owner cluster.Address, threadID int64) bool {
	return l.IsLocked() && l.owner == owner && l.threadID == threadID
}

// Holder returns the current holder. The boolean is false if the lock is free.
func (l *LockInfo) Holder() (cluster.Address, int64, bool) {
	if !l.IsLocked() {
		return cluster.Address{}, 0, false
	}
	return l.owner, l.threadID, true
}

// TTL returns the ttl the lock was acquired with
func (l *LockInfo) TTL() time.Duration {
	return l.ttl
}

// --------------------------------------------------------------------------
// Lock table
// --------------------------------------------------------------------------

// LockTable maps keys to lock entries
type LockTable struct {
	clock clockwork.Clock
	locks *xsync.MapOf[string, *LockInfo]
}

// NewLockTable creates an empty lock table using clock for ttl bookkeeping
func NewLockTable(clock clockwork.Clock) *LockTable {
	return &LockTable{
		clock: clock,
		locks: xsync.NewMapOf[string, *LockInfo](),
	}
}

// GetOrCreateLock returns the entry for key, creating a free one if needed
func (t *LockTable) GetOrCreateLock(key []byte) *LockInfo {
	l, _ := t.locks.LoadOrCompute(string(key), func() *LockInfo {
		return &LockInfo{clock: t.clock}
	})
	return l
}

// GetLock returns the entry for key or nil if there is none. It never creates.
func (t *LockTable) GetLock(key []byte) *LockInfo {
	l, _ := t.locks.Load(string(key))
	return l
}

// ReleaseIfFree drops the entry for key if it is no longer held
func (t *LockTable) ReleaseIfFree(key []byte) {
	t.locks.Compute(string(key), func(l *LockInfo, loaded bool) (*LockInfo, bool) {
		return l, !loaded || !l.IsLocked()
	})
}

// EvictExpired drops all entries that are free or whose ttl has passed.
// It returns the number of dropped entries.
func (t *LockTable) EvictExpired() int {
	var evicted int
	t.locks.Range(func(key string, l *LockInfo) bool {
		if !l.IsLocked() {
			t.locks.Delete(key)
			evicted++
		}
		return true
	})
	return evicted
}

// Len returns the number of lock entries
func (t *LockTable) Len() int {
	return t.locks.Size()
}
