package tcp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dMap/lib/cluster"
	"github.com/ValentinKolb/dMap/rpc/common"
	"github.com/ValentinKolb/dMap/rpc/gate"
	"github.com/ValentinKolb/dMap/rpc/serializer"
	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	sentCounter     = metrics.GetOrCreateCounter(`dmap_gate_sent_total{gate="tcp"}`)
	receivedCounter = metrics.GetOrCreateCounter(`dmap_gate_received_total{gate="tcp"}`)
	sendErrCounter  = metrics.GetOrCreateCounter(`dmap_gate_send_errors_total{gate="tcp"}`)
)

// Options configures the TCP gate
type Options struct {
	DialTimeout  time.Duration // 0 = 5s
	WriteTimeout time.Duration // 0 = no deadline
	NoDelay      bool          // disable Nagle's algorithm
}

// outbound is the cached connection to one target
type outbound struct {
	mu   sync.Mutex // Protects writes and reconnects
	conn net.Conn
}

// Gate implements gate.IGate over TCP
type Gate struct {
	self       cluster.Address
	opts       Options
	serializer serializer.IRPCSerializer
	handler    gate.Handler
	listener   net.Listener

	conns   *xsync.MapOf[cluster.Address, *outbound]
	inbound *xsync.MapOf[net.Conn, struct{}]
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// Listen starts a gate on self. Incoming messages are passed to handler.
func Listen(self cluster.Address, s serializer.IRPCSerializer, handler gate.Handler, opts Options) (*Gate, error) {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}

	listener, err := net.Listen("tcp", self.String())
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", self, err)
	}

	g := &Gate{
		self:       self,
		opts:       opts,
		serializer: s,
		handler:    handler,
		listener:   listener,
		conns:      xsync.NewMapOf[cluster.Address, *outbound](),
		inbound:    xsync.NewMapOf[net.Conn, struct{}](),
	}

	// the configured port may be 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok && self.Port == 0 {
		g.self.Port = int32(tcpAddr.Port)
	}

	gate.Logger.Infof("Starting tcp gate on %s", g.self)

	g.wg.Add(1)
	go g.acceptLoop()
	return g, nil
}

// Connector returns a function starting a gate on self, for use with node.New
func Connector(self cluster.Address, s serializer.IRPCSerializer, opts Options) func(gate.Handler) (gate.IGate, error) {
	return func(handler gate.Handler) (gate.IGate, error) {
		g, err := Listen(self, s, handler, opts)
		if err != nil {
			return nil, err
		}
		return g, nil
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see gate.IGate)
// --------------------------------------------------------------------------

func (g *Gate) Send(msg *common.Message, partitionID int32, target cluster.Address) error {
	if g.closed.Load() {
		return gate.ErrClosed
	}

	data, err := g.serializer.Serialize(*msg)
	if err != nil {
		return fmt.Errorf("failed to serialize %s message: %w", msg.MsgType, err)
	}

	out, _ := g.conns.LoadOrCompute(target, func() *outbound { return &outbound{} })
	out.mu.Lock()
	defer out.mu.Unlock()

	if out.conn == nil {
		conn, err := g.dial(target)
		if err != nil {
			sendErrCounter.Inc()
			return fmt.Errorf("%w: %s: %v", gate.ErrUnreachable, target, err)
		}
		out.conn = conn
	}

	if g.opts.WriteTimeout > 0 {
		_ = out.conn.SetWriteDeadline(time.Now().Add(g.opts.WriteTimeout))
	}
	if err := writeFrame(out.conn, partitionID, msg.CallID, data); err != nil {
		// drop the broken connection, the next send dials again
		_ = out.conn.Close()
		out.conn = nil
		sendErrCounter.Inc()
		return fmt.Errorf("failed to send to %s: %w", target, err)
	}
	sentCounter.Inc()
	return nil
}

func (g *Gate) Address() cluster.Address {
	return g.self
}

func (g *Gate) Close() error {
	if g.closed.Swap(true) {
		return nil
	}
	err := g.listener.Close()

	g.conns.Range(func(addr cluster.Address, out *outbound) bool {
		out.mu.Lock()
		if out.conn != nil {
			_ = out.conn.Close()
			out.conn = nil
		}
		out.mu.Unlock()
		return true
	})
	g.inbound.Range(func(conn net.Conn, _ struct{}) bool {
		_ = conn.Close()
		return true
	})

	g.wg.Wait()
	gate.Logger.Infof("tcp gate on %s stopped", g.self)
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (g *Gate) dial(target cluster.Address) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", target.String(), g.opts.DialTimeout)
	if err != nil {
		return nil, err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(g.opts.NoDelay)
	}
	return conn, nil
}

func (g *Gate) acceptLoop() {
	defer g.wg.Done()
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			if g.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			gate.Logger.Errorf("Accept error: %v", err)
			continue
		}
		g.inbound.Store(conn, struct{}{})
		if g.closed.Load() {
			// Close may have missed this connection
			_ = conn.Close()
		}
		g.wg.Add(1)
		go g.handleConnection(conn)
	}
}

// handleConnection reads frames of one inbound connection and hands them to the handler.
// The handler runs on the reader goroutine, so the messages of one sender are
// handled in the order they were sent.
func (g *Gate) handleConnection(conn net.Conn) {
	defer g.wg.Done()
	defer g.inbound.Delete(conn)
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for {
		partitionID, callID, data, err := readFrame(reader)
		if err != nil {
			if err != io.EOF && !g.closed.Load() {
				gate.Logger.Errorf("Error reading from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		receivedCounter.Inc()

		msg := &common.Message{}
		if err := g.serializer.Deserialize(data, msg); err != nil {
			gate.Logger.Errorf("Dropping undecodable frame for partition %d call %d from %s: %v", partitionID, callID, conn.RemoteAddr(), err)
			continue
		}

		g.handler(msg)
	}
}
