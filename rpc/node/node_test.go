package node

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dMap/lib/backup"
	"github.com/ValentinKolb/dMap/lib/cluster"
	"github.com/ValentinKolb/dMap/lib/invocation"
	"github.com/ValentinKolb/dMap/lib/partition"
	"github.com/ValentinKolb/dMap/rpc/common"
	"github.com/ValentinKolb/dMap/rpc/gate/local"
	"github.com/ValentinKolb/dMap/rpc/serializer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Test Helpers
// --------------------------------------------------------------------------

func testConfig(self string, members []string, backups int) common.NodeConfig {
	cfg := common.DefaultNodeConfig()
	cfg.Endpoint = self
	cfg.Members = members
	cfg.PartitionCount = 7
	cfg.BackupCount = backups
	cfg.Lanes = 2
	cfg.MaxAttempts = 3
	cfg.RetryPause = 10 * time.Millisecond
	cfg.CallTimeout = 5 * time.Second
	return cfg
}

func startNode(t *testing.T, hub *local.Hub, cfg common.NodeConfig) *Node {
	n, err := New(cfg, hub.Connector(cluster.MustParseAddress(cfg.Endpoint)), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func startCluster(t *testing.T, hub *local.Hub, size, backups int) []*Node {
	members := make([]string, size)
	for i := range members {
		members[i] = fmt.Sprintf("10.0.0.%d:5701", i+1)
	}
	nodes := make([]*Node, size)
	for i, m := range members {
		nodes[i] = startNode(t, hub, testConfig(m, members, backups))
	}
	return nodes
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// recordState is a copy of a record taken on its lane
type recordState struct {
	exists  bool
	value   []byte
	active  bool
	dirty   bool
	removed bool
}

func inspect(t *testing.T, n *Node, mapName, key string) recordState {
	t.Helper()
	pid := cluster.PartitionIDFor([]byte(key), n.Table().PartitionCount())
	var st recordState
	err := n.Partitions().Run(ctxT(t), pid, func(c *partition.Container) {
		r := c.Context(mapName).Records.Get([]byte(key))
		if r == nil {
			return
		}
		st = recordState{exists: true, value: r.Value(), active: r.IsActive(), dirty: r.IsDirty(), removed: r.IsRemoved()}
	})
	require.NoError(t, err)
	return st
}

func lockHolder(t *testing.T, n *Node, mapName, key string) (cluster.Address, int64, bool) {
	t.Helper()
	pid := cluster.PartitionIDFor([]byte(key), n.Table().PartitionCount())
	var (
		holder cluster.Address
		thread int64
		held   bool
	)
	err := n.Partitions().Run(ctxT(t), pid, func(c *partition.Container) {
		if l := c.Context(mapName).Locks.GetLock([]byte(key)); l != nil {
			holder, thread, held = l.Holder()
		}
	})
	require.NoError(t, err)
	return holder, thread, held
}

// replicas returns the primary and the backup nodes of key
func replicas(t *testing.T, nodes []*Node, key string) (*Node, []*Node) {
	t.Helper()
	table := nodes[0].Table()
	pid := cluster.PartitionIDFor([]byte(key), table.PartitionCount())
	byAddr := map[cluster.Address]*Node{}
	for _, n := range nodes {
		byAddr[n.Address()] = n
	}

	owner, ok := table.Owner(pid, 0)
	require.True(t, ok)
	var backups []*Node
	for r := 1; r <= table.BackupCount(); r++ {
		if addr, ok := table.Owner(pid, r); ok {
			backups = append(backups, byAddr[addr])
		}
	}
	return byAddr[owner], backups
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestPutGetRemove(t *testing.T) {
	hub := local.NewHub(serializer.NewBinarySerializer())
	nodes := startCluster(t, hub, 3, 1)
	ctx := ctxT(t)

	users := nodes[0].Map("users")
	old, err := users.Put(ctx, []byte("alice"), []byte("admin"))
	require.NoError(t, err)
	assert.Nil(t, old)

	// every member reads the same value through the primary
	for _, n := range nodes {
		v, found, err := n.Map("users").Get(ctx, []byte("alice"))
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte("admin"), v)
	}

	old, err = nodes[1].Map("users").Put(ctx, []byte("alice"), []byte("guest"))
	require.NoError(t, err)
	assert.Equal(t, []byte("admin"), old)

	primary, backups := replicas(t, nodes, "alice")
	require.Len(t, backups, 1)
	assert.Equal(t, recordState{exists: true, value: []byte("guest"), active: true, dirty: true}, inspect(t, primary, "users", "alice"))
	// the put returned after the backup ack, so the replica is up to date
	assert.Equal(t, recordState{exists: true, value: []byte("guest"), active: true, dirty: true}, inspect(t, backups[0], "users", "alice"))

	removed, found, err := users.Remove(ctx, []byte("alice"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("guest"), removed)

	_, found, err = users.Get(ctx, []byte("alice"))
	require.NoError(t, err)
	assert.False(t, found)
	assert.True(t, inspect(t, backups[0], "users", "alice").removed, "backup keeps a tombstone")

	_, found, err = users.Remove(ctx, []byte("alice"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBackupResponseGoesToFirstCaller(t *testing.T) {
	hub := local.NewHub(serializer.NewBinarySerializer())
	nodeB := startNode(t, hub, testConfig("10.0.0.2:5701", []string{"10.0.0.2:5701", "10.0.0.3:5701"}, 1))
	nodeC := startNode(t, hub, testConfig("10.0.0.3:5701", []string{"10.0.0.2:5701", "10.0.0.3:5701"}, 1))

	// the primary is a bare endpoint that only counts what it receives
	var primaryInbox atomic.Int32
	primary, err := hub.Join(cluster.MustParseAddress("10.0.0.1:5701"), func(*common.Message) { primaryInbox.Add(1) })
	require.NoError(t, err)

	op, err := backup.NewBuilder(backup.KindPut, "m", []byte("a")).
		Value([]byte("1")).
		Build(backup.Caller{Address: nodeB.Address(), CallID: 7})
	require.NoError(t, err)
	data, err := op.MarshalBinary()
	require.NoError(t, err)

	nodeB.acks.Expect(7)
	pid := cluster.PartitionIDFor([]byte("a"), nodeC.Table().PartitionCount())
	require.NoError(t, primary.Send(common.NewBackupRequest(MapService, pid, 1, primary.Address(), data), pid, nodeC.Address()))

	require.Eventually(t, func() bool { return nodeB.acks.Count(7) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, recordState{exists: true, value: []byte("1"), active: true, dirty: true}, inspect(t, nodeC, "m", "a"))
	assert.Equal(t, int32(0), primaryInbox.Load(), "the sender of the backup must not be answered")
}

func TestBackupsApplyInSendOrder(t *testing.T) {
	hub := local.NewHub(serializer.NewBinarySerializer())
	nodeC := startNode(t, hub, testConfig("10.0.0.3:5701", []string{"10.0.0.3:5701"}, 0))

	var acked atomic.Int32
	first, err := hub.Join(cluster.MustParseAddress("10.0.0.2:5701"), func(msg *common.Message) {
		if msg.MsgType == common.MsgTBackupResponse {
			acked.Add(1)
		}
	})
	require.NoError(t, err)

	send := func(b *backup.Builder, key string, callID int64) {
		op, err := b.Build(backup.Caller{Address: first.Address(), CallID: callID})
		require.NoError(t, err)
		data, err := op.MarshalBinary()
		require.NoError(t, err)
		pid := cluster.PartitionIDFor([]byte(key), nodeC.Table().PartitionCount())
		require.NoError(t, first.Send(common.NewBackupRequest(MapService, pid, 1, first.Address(), data), pid, nodeC.Address()))
	}

	// a put immediately followed by a remove of the same key, without waiting in between
	const keys = 100
	for i := 0; i < keys; i++ {
		key := fmt.Sprintf("k%d", i)
		send(backup.NewBuilder(backup.KindPut, "m", []byte(key)).Value([]byte("v")), key, int64(2*i))
		send(backup.NewBuilder(backup.KindRemove, "m", []byte(key)), key, int64(2*i+1))
	}

	require.Eventually(t, func() bool { return acked.Load() == 2*keys }, 5*time.Second, 5*time.Millisecond)
	for i := 0; i < keys; i++ {
		st := inspect(t, nodeC, "m", fmt.Sprintf("k%d", i))
		assert.True(t, st.exists)
		assert.True(t, st.removed, "key k%d: the remove was applied before the put", i)
		assert.False(t, st.active)
	}
}

func TestBackupResponseFields(t *testing.T) {
	hub := local.NewHub(serializer.NewBinarySerializer())
	nodeC := startNode(t, hub, testConfig("10.0.0.3:5701", []string{"10.0.0.3:5701"}, 0))

	responses := make(chan *common.Message, 1)
	first, err := hub.Join(cluster.MustParseAddress("10.0.0.2:5701"), func(msg *common.Message) { responses <- msg })
	require.NoError(t, err)

	// a remove of an absent key is a no-op but is still acknowledged
	op, err := backup.NewBuilder(backup.KindRemove, "m", []byte("never")).Build(backup.Caller{Address: first.Address(), CallID: 42})
	require.NoError(t, err)
	data, err := op.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, first.Send(common.NewBackupRequest(MapService, 5, 1, first.Address(), data), 5, nodeC.Address()))

	select {
	case msg := <-responses:
		assert.Equal(t, common.MsgTBackupResponse, msg.MsgType)
		resp, err := backup.UnmarshalResponse(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, backup.Response{Service: MapService, CallID: 42, PartitionID: 5, ReplicaIndex: 0}, resp)
	case <-time.After(2 * time.Second):
		t.Fatal("no backup response")
	}
	assert.False(t, inspect(t, nodeC, "m", "never").exists)
}

func TestLockAndUnlock(t *testing.T) {
	hub := local.NewHub(nil)
	nodes := startCluster(t, hub, 3, 2)
	ctx := ctxT(t)
	key := []byte("order-17")

	require.NoError(t, nodes[0].Map("orders").Lock(ctx, key, 1, time.Minute))
	// re-entrant for the same owner
	require.NoError(t, nodes[0].Map("orders").Lock(ctx, key, 1, time.Minute))

	// held by another owner: retried until exhausted
	err := nodes[1].Map("orders").Lock(ctx, key, 1, time.Minute)
	require.Error(t, err)
	assert.True(t, invocation.IsExhausted(err))
	assert.ErrorContains(t, err, "locked")

	_, backups := replicas(t, nodes, string(key))
	require.Len(t, backups, 2)
	for _, b := range backups {
		holder, thread, held := lockHolder(t, b, "orders", string(key))
		assert.True(t, held)
		assert.Equal(t, nodes[0].Address(), holder)
		assert.Equal(t, int64(1), thread)
	}

	assert.ErrorIs(t, nodes[0].Map("orders").Unlock(ctx, key, 2), ErrNotLockOwner)
	require.NoError(t, nodes[0].Map("orders").Unlock(ctx, key, 1))
	assert.ErrorIs(t, nodes[0].Map("orders").Unlock(ctx, key, 1), ErrNotLockOwner)

	for _, b := range backups {
		_, _, held := lockHolder(t, b, "orders", string(key))
		assert.False(t, held)
	}
	require.NoError(t, nodes[1].Map("orders").Lock(ctx, key, 1, 0))
}

func TestSize(t *testing.T) {
	hub := local.NewHub(nil)
	nodes := startCluster(t, hub, 2, 1)
	ctx := ctxT(t)

	m := nodes[0].Map("sized")
	for i := 0; i < 20; i++ {
		_, err := m.Put(ctx, []byte(fmt.Sprintf("key-%d", i)), []byte("v"))
		require.NoError(t, err)
	}
	_, _, err := m.Remove(ctx, []byte("key-3"))
	require.NoError(t, err)

	size, err := nodes[1].Map("sized").Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 19, size)

	// other maps are separate
	size, err = nodes[1].Map("other").Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestWrongTargetIsRetried(t *testing.T) {
	hub := local.NewHub(nil)
	nodes := startCluster(t, hub, 2, 0)
	a, b := nodes[0], nodes[1]
	key := []byte("moving")

	// b believes it owns nothing, so it answers every operation with wrong target
	primary, _ := replicas(t, nodes, string(key))
	if primary != b {
		a, b = b, a
	}
	b.Table().SetMembers([]cluster.Address{a.Address()})

	var attempts atomic.Int32
	hub.SetInterceptor(func(msg *common.Message, _ int32, from, to cluster.Address) bool {
		if msg.MsgType == common.MsgTOperation && to == b.Address() && attempts.Add(1) == 2 {
			// the partition table is repaired while the invocation retries
			b.Table().SetMembers(a.Table().Members())
		}
		return true
	})

	cfg := testConfig("10.0.0.9:5701", nil, 0)
	cfg.Lite = true
	cfg.Members = []string{nodes[0].Address().String(), nodes[1].Address().String()}
	cfg.MaxAttempts = 10
	caller := startNode(t, hub, cfg)

	_, err := caller.Map("m").Put(ctxT(t), key, []byte("v"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, attempts.Load(), int32(2))
}

func TestUnreachableOwnerExhausts(t *testing.T) {
	hub := local.NewHub(nil)
	cfg := testConfig("10.0.0.1:5701", []string{"10.0.0.1:5701", "10.0.0.2:5701"}, 0)
	n := startNode(t, hub, cfg)

	// find a key owned by the member that never joined
	var key []byte
	for i := 0; key == nil; i++ {
		k := []byte(fmt.Sprintf("k%d", i))
		owner, _ := n.Table().Owner(cluster.PartitionIDFor(k, cfg.PartitionCount), 0)
		if owner != n.Address() {
			key = k
		}
	}

	_, err := n.Map("m").Put(ctxT(t), key, []byte("v"))
	require.Error(t, err)
	assert.True(t, invocation.IsExhausted(err))
	assert.ErrorContains(t, err, "unreachable")
}

func TestFailedCallLeavesNoAckEntries(t *testing.T) {
	hub := local.NewHub(nil)
	nodes := startCluster(t, hub, 2, 1)

	cfg := testConfig("10.0.0.9:5701", nil, 1)
	cfg.Lite = true
	cfg.Members = []string{nodes[0].Address().String(), nodes[1].Address().String()}
	caller := startNode(t, hub, cfg)

	// the primary applies and replicates, but its reply never arrives
	var backupAcks atomic.Int32
	hub.SetInterceptor(func(msg *common.Message, _ int32, _, to cluster.Address) bool {
		if to != caller.Address() {
			return true
		}
		if msg.MsgType == common.MsgTBackupResponse {
			backupAcks.Add(1)
		}
		return msg.MsgType != common.MsgTResponse
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := caller.Map("m").Put(ctx, []byte("a"), []byte("1"))
	require.Error(t, err)

	require.Eventually(t, func() bool { return backupAcks.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, caller.acks.Pending())
	assert.Zero(t, caller.Status().PendingAcks)
}

func TestWriteBehindAndReadThrough(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maps.db")
	cfg := testConfig("10.0.0.1:5701", nil, 0)
	cfg.MapStorePath = path
	cfg.FlushInterval = 0

	n, err := New(cfg, local.NewHub(nil).Connector(cluster.MustParseAddress(cfg.Endpoint)), nil)
	require.NoError(t, err)
	ctx := ctxT(t)

	_, err = n.Map("m").Put(ctx, []byte("a"), []byte("1"))
	require.NoError(t, err)
	_, err = n.Map("m").Put(ctx, []byte("b"), []byte("2"))
	require.NoError(t, err)
	_, _, err = n.Map("m").Remove(ctx, []byte("b"))
	require.NoError(t, err)

	flushed, err := n.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, flushed)
	assert.False(t, inspect(t, n, "m", "a").dirty)
	require.NoError(t, n.Close())

	// a fresh node starts empty and reads through the store
	restarted := startNode(t, local.NewHub(nil), cfg)
	v, found, err := restarted.Map("m").Get(ctx, []byte("a"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("1"), v)

	_, found, err = restarted.Map("m").Get(ctx, []byte("b"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMutationsReadThroughAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maps.db")
	cfg := testConfig("10.0.0.1:5701", nil, 0)
	cfg.MapStorePath = path
	cfg.FlushInterval = 0

	n, err := New(cfg, local.NewHub(nil).Connector(cluster.MustParseAddress(cfg.Endpoint)), nil)
	require.NoError(t, err)
	ctx := ctxT(t)

	_, err = n.Map("m").Put(ctx, []byte("a"), []byte("1"))
	require.NoError(t, err)
	_, err = n.Map("m").Put(ctx, []byte("b"), []byte("2"))
	require.NoError(t, err)
	require.NoError(t, n.Close())

	restarted := startNode(t, local.NewHub(nil), cfg)

	// the key only exists in the store, remove must still see it
	old, found, err := restarted.Map("m").Remove(ctx, []byte("a"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("1"), old)
	st := inspect(t, restarted, "m", "a")
	assert.True(t, st.removed)
	assert.True(t, st.dirty)

	old, err = restarted.Map("m").Put(ctx, []byte("b"), []byte("3"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), old)

	_, err = restarted.Flush(ctx)
	require.NoError(t, err)
	assert.False(t, inspect(t, restarted, "m", "a").exists)

	_, found, err = restarted.Map("m").Get(ctx, []byte("a"))
	require.NoError(t, err)
	assert.False(t, found)

	v, found, err := restarted.Map("m").Get(ctx, []byte("b"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("3"), v)
}

func TestStatus(t *testing.T) {
	hub := local.NewHub(nil)
	nodes := startCluster(t, hub, 2, 1)

	s := nodes[0].Status()
	assert.Equal(t, nodes[0].Address().String(), s.Address)
	assert.Len(t, s.Members, 2)
	assert.Equal(t, int32(7), s.PartitionCount)
	assert.Equal(t, 4, s.PrimaryPartitions) // partitions 0, 2, 4, 6
	assert.Equal(t, 3, s.BackupPartitions)
	assert.Len(t, s.Lanes, 2)
}

func TestInvalidConfig(t *testing.T) {
	cfg := testConfig("not an address", nil, 0)
	_, err := New(cfg, local.NewHub(nil).Connector(cluster.Address{Host: "x", Port: 1}), nil)
	assert.Error(t, err)
}
