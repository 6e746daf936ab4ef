package partition

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	gometrics "github.com/rcrowley/go-metrics"
)

var Logger = logger.GetLogger("partition")

// ErrClosed is returned when a task is submitted to a closed service
var ErrClosed = errors.New("partition service is closed")

// Options configures the partition service
type Options struct {
	Lanes int             // Number of execution lanes (0 = NumCPU)
	Clock clockwork.Clock // Clock used for lock ttl bookkeeping (nil = real clock)
}

// Service holds all partition containers of a node and executes partition tasks.
//
// Every task for a partition id runs on lane (partitionID mod lanes). A lane runs one
// task at a time, so tasks of one partition are serialized while different lanes run
// in parallel.
type Service struct {
	containers *xsync.MapOf[int32, *Container]
	lanes      []*lane
	sequence   atomic.Uint64
	clock      clockwork.Clock
	registry   gometrics.Registry
}

// NewService creates the service and starts the lanes
func NewService(opts Options) *Service {
	if opts.Lanes <= 0 {
		opts.Lanes = runtime.NumCPU()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	s := &Service{
		containers: xsync.NewMapOf[int32, *Container](),
		lanes:      make([]*lane, opts.Lanes),
		clock:      opts.Clock,
		registry:   gometrics.NewRegistry(),
	}

	for i := range s.lanes {
		timer := gometrics.NewTimer()
		pending := gometrics.NewCounter()
		_ = s.registry.Register(fmt.Sprintf("lane.%d.tasks", i), timer)
		_ = s.registry.Register(fmt.Sprintf("lane.%d.pending", i), pending)
		s.lanes[i] = newLane(i, timer, pending)
	}

	Logger.Infof("partition service started with %d lanes", len(s.lanes))
	return s
}

// NextID returns the next value of the node-wide version sequence
//
// Thread-safety: This method is thread-safe since it uses atomic operations.
func (s *Service) NextID() uint64 {
	return s.sequence.Add(1)
}

// Clock returns the clock of the service
func (s *Service) Clock() clockwork.Clock {
	return s.clock
}

// Container returns the container of a partition, creating it on first use
func (s *Service) Container(partitionID int32) *Container {
	c, _ := s.containers.LoadOrCompute(partitionID, func() *Container {
		return newContainer(partitionID, s.clock)
	})
	return c
}

// Context is a shortcut for Container(partitionID).Context(mapName)
func (s *Service) Context(partitionID int32, mapName string) *Context {
	return s.Container(partitionID).Context(mapName)
}

// PartitionIDs returns the ids of all containers in ascending order
func (s *Service) PartitionIDs() []int32 {
	ids := make([]int32, 0, s.containers.Size())
	s.containers.Range(func(id int32, _ *Container) bool {
		ids = append(ids, id)
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// --------------------------------------------------------------------------
// Task execution
// --------------------------------------------------------------------------

func (s *Service) laneFor(partitionID int32) *lane {
	idx := int(partitionID) % len(s.lanes)
	if idx < 0 {
		idx += len(s.lanes)
	}
	return s.lanes[idx]
}

// Submit queues a task on the partition's lane without waiting for it.
// It returns false if the service is closed.
func (s *Service) Submit(partitionID int32, task Task) bool {
	return s.laneFor(partitionID).push(&laneItem{
		container: s.Container(partitionID),
		task:      task,
	})
}

// Run queues a task on the partition's lane and waits until it ran or ctx is done.
// The task still runs if ctx is cancelled after it was queued.
func (s *Service) Run(ctx context.Context, partitionID int32, task Task) error {
	done := make(chan struct{})
	ok := s.Submit(partitionID, func(c *Container) {
		defer close(done)
		task(c)
	})
	if !ok {
		return ErrClosed
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FlushAll flushes the dirty records of every partition to f. Each partition is
// flushed on its own lane. It returns the number of flushed records.
func (s *Service) FlushAll(ctx context.Context, f Flusher) (int, error) {
	var total int
	for _, id := range s.PartitionIDs() {
		var (
			flushed int
			ferr    error
		)
		err := s.Run(ctx, id, func(c *Container) {
			c.Range(func(pc *Context) bool {
				n, err := pc.FlushDirty(f)
				flushed += n
				if err != nil {
					ferr = err
					return false
				}
				pc.Locks.EvictExpired()
				return true
			})
		})
		total += flushed
		if err != nil {
			return total, err
		}
		if ferr != nil {
			return total, ferr
		}
	}
	return total, nil
}

// Close stops all lanes after the queued tasks ran
func (s *Service) Close() {
	for _, l := range s.lanes {
		l.close()
	}
	Logger.Infof("partition service stopped")
}

// --------------------------------------------------------------------------
// Monitoring
// --------------------------------------------------------------------------

// LaneStats is a snapshot of one lane
type LaneStats struct {
	Lane    int     `json:"lane"`
	Tasks   int64   `json:"tasks"`
	Pending int64   `json:"pending"`
	MeanMs  float64 `json:"mean_ms"`
	P99Ms   float64 `json:"p99_ms"`
}

// LaneStats returns a snapshot of all lanes
func (s *Service) LaneStats() []LaneStats {
	stats := make([]LaneStats, len(s.lanes))
	for i, l := range s.lanes {
		snap := l.timer.Snapshot()
		stats[i] = LaneStats{
			Lane:    i,
			Tasks:   snap.Count(),
			Pending: l.pending.Snapshot().Count(),
			MeanMs:  snap.Mean() / 1e6,
			P99Ms:   snap.Percentile(0.99) / 1e6,
		}
	}
	return stats
}

// Registry returns the go-metrics registry holding the lane metrics
func (s *Service) Registry() gometrics.Registry {
	return s.registry
}
