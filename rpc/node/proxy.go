package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/dMap/lib/cluster"
	"github.com/ValentinKolb/dMap/lib/invocation"
	"github.com/vmihailenco/msgpack/v5"
)

// MapProxy invokes operations of one distributed map on the partition owners.
// Every call waits for the response of the primary and the acks of all backups
// the primary sent.
type MapProxy struct {
	node *Node
	name string
}

// Name returns the map name
func (m *MapProxy) Name() string {
	return m.name
}

// --------------------------------------------------------------------------
// Map Operations
// --------------------------------------------------------------------------

// Put stores value under key and returns the previous value (nil if there was none)
func (m *MapProxy) Put(ctx context.Context, key, value []byte) ([]byte, error) {
	resp, err := m.node.invokeOnKey(ctx, &mapRequest{Op: opPut, Map: m.name, Key: key, Value: value})
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// Get returns the value of key and whether it exists
func (m *MapProxy) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	resp, err := m.node.invokeOnKey(ctx, &mapRequest{Op: opGet, Map: m.name, Key: key})
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Found, nil
}

// Remove deletes key and returns the removed value and whether it existed
func (m *MapProxy) Remove(ctx context.Context, key []byte) ([]byte, bool, error) {
	resp, err := m.node.invokeOnKey(ctx, &mapRequest{Op: opRemove, Map: m.name, Key: key})
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Found, nil
}

// Lock acquires the lock of key for (this node, threadID). A ttl <= 0 never expires.
// While another owner holds the lock the call is retried until the attempts are used up.
func (m *MapProxy) Lock(ctx context.Context, key []byte, threadID int64, ttl time.Duration) error {
	_, err := m.node.invokeOnKey(ctx, &mapRequest{Op: opLock, Map: m.name, Key: key, ThreadID: threadID, TTL: ttl.Milliseconds()})
	return err
}

// Unlock releases the lock of key. It returns ErrNotLockOwner if (this node, threadID)
// does not hold it.
func (m *MapProxy) Unlock(ctx context.Context, key []byte, threadID int64) error {
	_, err := m.node.invokeOnKey(ctx, &mapRequest{Op: opUnlock, Map: m.name, Key: key, ThreadID: threadID})
	var remote *invocation.RemoteError
	if errors.As(err, &remote) && remote.Message == ErrNotLockOwner.Error() {
		return ErrNotLockOwner
	}
	return err
}

// Size returns the number of entries over all partitions
func (m *MapProxy) Size(ctx context.Context) (int, error) {
	payload, err := msgpack.Marshal(&mapRequest{Op: opSize, Map: m.name})
	if err != nil {
		return 0, err
	}
	futures := m.node.registry.InvokeOnAllPartitions(m.node.table, MapService, payload, m.node.callOptions())
	results, err := invocation.WaitAll(ctx, futures)
	if err != nil {
		return 0, err
	}

	size := 0
	for _, res := range results {
		var resp mapResponse
		if err := msgpack.Unmarshal(res.Value, &resp); err != nil {
			return 0, fmt.Errorf("invalid size response from %s: %w", res.From, err)
		}
		size += resp.Size
	}
	return size, nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (n *Node) callOptions() invocation.Options {
	var opts invocation.Options
	if n.config.CallTimeout > 0 {
		opts.Deadline = n.clock.Now().Add(n.config.CallTimeout)
	}
	return opts
}

// invokeOnKey sends req to the primary of the key's partition and waits for the
// response and the backup acks
func (n *Node) invokeOnKey(ctx context.Context, req *mapRequest) (mapResponse, error) {
	if req.Key == nil {
		req.Key = []byte{}
	}
	payload, err := msgpack.Marshal(req)
	if err != nil {
		return mapResponse{}, fmt.Errorf("failed to encode map request: %w", err)
	}

	pid := cluster.PartitionIDFor(req.Key, n.table.PartitionCount())
	opts := n.callOptions()
	// backups may acknowledge before the primary's reply arrives
	opts.OnStart = func(callID uint64) { n.acks.Expect(int64(callID)) }

	f := n.registry.Invoke(
		invocation.Operation{Service: MapService, PartitionID: pid, Payload: payload},
		invocation.PartitionOwnerTarget{Table: n.table, PartitionID: pid},
		opts,
	)
	res, err := f.Get(ctx)
	if err != nil {
		// the primary may have shipped backups anyway, their acks are dropped from now on
		n.acks.Forget(int64(f.CallID()))
		return mapResponse{}, fmt.Errorf("%s on map %s failed: %w", req.Op, req.Map, err)
	}

	if err := n.awaitBackups(ctx, f.CallID(), res.BackupCount); err != nil {
		return mapResponse{}, err
	}

	var resp mapResponse
	if err := msgpack.Unmarshal(res.Value, &resp); err != nil {
		return mapResponse{}, fmt.Errorf("invalid map response from %s: %w", res.From, err)
	}
	return resp, nil
}

func (n *Node) awaitBackups(ctx context.Context, callID uint64, expected int) error {
	if n.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.config.CallTimeout)
		defer cancel()
	}
	if err := n.acks.Wait(ctx, int64(callID), expected); err != nil {
		n.acks.Forget(int64(callID))
		return fmt.Errorf("%d backups of call %d not acknowledged: %w", expected, callID, err)
	}
	return nil
}
