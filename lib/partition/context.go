package partition

import (
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v3"
)

// Flusher is the persistence target for dirty records (see the mapstore package)
type Flusher interface {
	Store(mapName string, key, value []byte) error
	Delete(mapName string, key []byte) error
}

// --------------------------------------------------------------------------
// Partition context (one map inside one partition)
// --------------------------------------------------------------------------

// Context owns the record store and lock table of one map within one partition.
// It must only be touched from the partition's lane.
type Context struct {
	MapName     string
	PartitionID int32
	Records     *RecordStore
	Locks       *LockTable
}

func newContext(partitionID int32, mapName string, clock clockwork.Clock) *Context {
	return &Context{
		MapName:     mapName,
		PartitionID: partitionID,
		Records:     NewRecordStore(),
		Locks:       NewLockTable(clock),
	}
}

// FlushDirty writes every dirty record to the flusher and clears the dirty flag.
// Tombstones are deleted from the flusher and then dropped from the record store.
// It returns the number of flushed records.
func (c *Context) FlushDirty(f Flusher) (int, error) {
	var (
		flushed int
		err     error
	)
	c.Records.Range(func(r *Record) bool {
		if !r.IsDirty() {
			return true
		}
		if r.IsRemoved() {
			err = f.Delete(c.MapName, r.Key())
		} else {
			err = f.Store(c.MapName, r.Key(), r.Value())
		}
		if err != nil {
			err = fmt.Errorf("flush of map %s partition %d failed: %w", c.MapName, c.PartitionID, err)
			return false
		}
		r.SetDirty(false)
		if r.IsRemoved() {
			c.Records.Delete(r.Key())
		}
		flushed++
		return true
	})
	return flushed, err
}

// --------------------------------------------------------------------------
// Container (all maps of one partition)
// --------------------------------------------------------------------------

// Container groups the map contexts of one partition id.
// Containers live as long as the node holds the partition.
type Container struct {
	id    int32
	clock clockwork.Clock
	maps  *xsync.MapOf[string, *Context]
}

func newContainer(id int32, clock clockwork.Clock) *Container {
	return &Container{
		id:    id,
		clock: clock,
		maps:  xsync.NewMapOf[string, *Context](),
	}
}

// ID returns the partition id
func (c *Container) ID() int32 {
	return c.id
}

// Context returns the context of the named map, creating it on first use
func (c *Container) Context(mapName string) *Context {
	ctx, _ := c.maps.LoadOrCompute(mapName, func() *Context {
		return newContext(c.id, mapName, c.clock)
	})
	return ctx
}

// Range calls fn for every map context of the partition
func (c *Container) Range(fn func(ctx *Context) bool) {
	c.maps.Range(func(_ string, ctx *Context) bool {
		return fn(ctx)
	})
}
