package partition

import (
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	gometrics "github.com/rcrowley/go-metrics"
)

// Task is a unit of work executed on a partition lane
type Task func(c *Container)

// laneItem is a queued task together with the container it targets
type laneItem struct {
	container *Container
	task      Task
}

// laneNode is a single element of the lane queue
type laneNode struct {
	item *laneItem
	next atomic.Pointer[laneNode]
}

// lane is a single-threaded execution lane.
// Producers push lock-free (multi-producer), one goroutine drains and runs the tasks
// in order (single consumer). Tasks of one partition always land on the same lane,
// so they never run concurrently.
type lane struct {
	id       int
	head     atomic.Pointer[laneNode]
	tail     atomic.Pointer[laneNode]
	closed   atomic.Bool
	pushing  atomic.Int64 // producers between the closed check and the append
	consumer sync.WaitGroup

	mu   sync.Mutex
	cond *sync.Cond

	timer   gometrics.Timer
	pending gometrics.Counter
}

func newLane(id int, timer gometrics.Timer, pending gometrics.Counter) *lane {
	// sentinel node
	sentinel := &laneNode{}

	l := &lane{id: id, timer: timer, pending: pending}
	l.cond = sync.NewCond(&l.mu)
	l.head.Store(sentinel)
	l.tail.Store(sentinel)

	l.consumer.Add(1)
	go l.run()

	return l
}

// push appends an item. Returns false if the lane is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (l *lane) push(item *laneItem) bool {
	// announce the push before checking closed, the consumer only exits once no push is in flight
	l.pushing.Add(1)
	defer l.pushing.Add(-1)
	if l.closed.Load() {
		return false
	}

	n := &laneNode{item: item}
	var backoff uint8

	for {
		tailNode := l.tail.Load()
		next := tailNode.next.Load()
		if next == nil {
			if tailNode.next.CompareAndSwap(nil, n) {
				// CAS may fail if another producer already moved the tail, that's fine
				l.tail.CompareAndSwap(tailNode, n)
				l.pending.Inc(1)

				l.mu.Lock()
				l.cond.Signal()
				l.mu.Unlock()
				return true
			}
		} else {
			// help a producer that appended but has not moved the tail yet
			l.tail.CompareAndSwap(tailNode, next)
		}

		// spin at low contention, yield at high contention
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// run drains the queue and executes the tasks until the lane is closed and empty
func (l *lane) run() {
	defer l.consumer.Done()

	for {
		processed := false

		for {
			head := l.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			processed = true

			item := next.item
			l.head.Store(next)
			next.item = nil

			l.pending.Dec(1)
			l.timer.Time(func() { l.execute(item) })
		}

		if !processed && l.closed.Load() {
			if l.pushing.Load() > 0 {
				runtime.Gosched()
				continue
			}
			// a push that finished after the drain above is still in the queue
			if l.head.Load().next.Load() == nil {
				return
			}
			continue
		}

		if !processed {
			l.mu.Lock()
			if l.head.Load().next.Load() == nil && !l.closed.Load() {
				l.cond.Wait()
			}
			l.mu.Unlock()
		}
	}
}

// execute runs a task and keeps the lane alive if the task panics
func (l *lane) execute(item *laneItem) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("task on lane %d for partition %d panicked: %v\n%s", l.id, item.container.ID(), r, debug.Stack())
		}
	}()
	item.task(item.container)
}

// close stops accepting tasks and waits until all queued tasks ran
func (l *lane) close() {
	l.closed.Store(true)
	l.mu.Lock()
	l.cond.Signal()
	l.mu.Unlock()
	l.consumer.Wait()
}
