package local

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dMap/lib/cluster"
	"github.com/ValentinKolb/dMap/rpc/common"
	"github.com/ValentinKolb/dMap/rpc/gate"
	"github.com/ValentinKolb/dMap/rpc/serializer"
	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	sentCounter    = metrics.GetOrCreateCounter(`dmap_gate_sent_total{gate="local"}`)
	droppedCounter = metrics.GetOrCreateCounter(`dmap_gate_dropped_total{gate="local"}`)
)

// Interceptor is called for every message before it is delivered.
// Returning false drops the message silently.
type Interceptor func(msg *common.Message, partitionID int32, from, to cluster.Address) bool

// Hub connects nodes within one process
type Hub struct {
	nodes       *xsync.MapOf[cluster.Address, *Endpoint]
	serializer  serializer.IRPCSerializer
	interceptor atomic.Pointer[Interceptor]
}

// NewHub creates a hub. If s is not nil every message is serialized and
// deserialized on its way, otherwise it is copied.
func NewHub(s serializer.IRPCSerializer) *Hub {
	return &Hub{
		nodes:      xsync.NewMapOf[cluster.Address, *Endpoint](),
		serializer: s,
	}
}

// Join attaches a node with the given address and handler
func (h *Hub) Join(addr cluster.Address, handler gate.Handler) (*Endpoint, error) {
	e := &Endpoint{
		hub:     h,
		addr:    addr,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if _, loaded := h.nodes.LoadOrStore(addr, e); loaded {
		return nil, fmt.Errorf("address %s already joined", addr)
	}
	go e.drain()
	return e, nil
}

// Connector returns a function joining a node with the given address,
// for use with node.New
func (h *Hub) Connector(addr cluster.Address) func(gate.Handler) (gate.IGate, error) {
	return func(handler gate.Handler) (gate.IGate, error) {
		e, err := h.Join(addr, handler)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
}

// SetInterceptor installs f for all following sends. nil removes it.
func (h *Hub) SetInterceptor(f Interceptor) {
	if f == nil {
		h.interceptor.Store(nil)
		return
	}
	h.interceptor.Store(&f)
}

// Members returns the addresses of all joined nodes
func (h *Hub) Members() []cluster.Address {
	members := make([]cluster.Address, 0, h.nodes.Size())
	h.nodes.Range(func(addr cluster.Address, _ *Endpoint) bool {
		members = append(members, addr)
		return true
	})
	return members
}

func (h *Hub) transfer(msg *common.Message) (*common.Message, error) {
	if h.serializer == nil {
		cp := *msg
		if msg.Payload != nil {
			cp.Payload = append([]byte{}, msg.Payload...)
		}
		return &cp, nil
	}

	data, err := h.serializer.Serialize(*msg)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s message: %w", msg.MsgType, err)
	}
	out := &common.Message{}
	if err := h.serializer.Deserialize(data, out); err != nil {
		return nil, fmt.Errorf("failed to deserialize %s message: %w", msg.MsgType, err)
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Endpoint
// --------------------------------------------------------------------------

// Endpoint is the gate of one node attached to a hub.
// Delivered messages are queued in an inbox and handed to the handler one at a
// time in arrival order, like the reader of a TCP connection does.
type Endpoint struct {
	hub     *Hub
	addr    cluster.Address
	handler gate.Handler
	closed  atomic.Bool

	mu    sync.Mutex // Protects inbox
	inbox []*common.Message
	wake  chan struct{}
	done  chan struct{}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see gate.IGate)
// --------------------------------------------------------------------------

func (e *Endpoint) Send(msg *common.Message, partitionID int32, target cluster.Address) error {
	if e.closed.Load() {
		return gate.ErrClosed
	}
	dst, ok := e.hub.nodes.Load(target)
	if !ok || dst.closed.Load() {
		return fmt.Errorf("%w: %s", gate.ErrUnreachable, target)
	}

	if f := e.hub.interceptor.Load(); f != nil && !(*f)(msg, partitionID, e.addr, target) {
		droppedCounter.Inc()
		gate.Logger.Debugf("dropped %s message for call %d from %s to %s", msg.MsgType, msg.CallID, e.addr, target)
		return nil
	}

	out, err := e.hub.transfer(msg)
	if err != nil {
		return err
	}
	sentCounter.Inc()
	dst.enqueue(out)
	return nil
}

func (e *Endpoint) Address() cluster.Address {
	return e.addr
}

// Close detaches the endpoint from the hub
func (e *Endpoint) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.hub.nodes.Delete(e.addr)
	close(e.done)
	return nil
}

func (e *Endpoint) enqueue(msg *common.Message) {
	e.mu.Lock()
	e.inbox = append(e.inbox, msg)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// drain runs the handler for every queued message until the endpoint is closed
func (e *Endpoint) drain() {
	for {
		select {
		case <-e.wake:
		case <-e.done:
			return
		}

		for {
			e.mu.Lock()
			if len(e.inbox) == 0 {
				e.mu.Unlock()
				break
			}
			msg := e.inbox[0]
			e.inbox[0] = nil
			e.inbox = e.inbox[1:]
			e.mu.Unlock()

			if e.closed.Load() {
				return
			}
			e.handler(msg)
		}
	}
}
