package conn

import (
	"context"
	"net"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trpcmesh/l4proxy/internal/accesslog"
	"github.com/trpcmesh/l4proxy/internal/cluster"
	"github.com/trpcmesh/l4proxy/internal/iobuf"
	"github.com/trpcmesh/l4proxy/internal/loop"
	"github.com/trpcmesh/l4proxy/internal/route"
	"github.com/trpcmesh/l4proxy/internal/stats"
	"github.com/trpcmesh/l4proxy/internal/trpc"
)

// Manager is the connection manager: owns the downstream socket, the
// downstream read buffer, the request checker driving the downstream
// codec, and the active-message list. Exactly one Manager exists per
// accepted downstream connection; different Managers may run on different
// goroutines, but each one is itself strictly single-threaded via its Loop.
type Manager struct {
	id   string
	conn net.Conn
	loop *loop.Loop

	reqBuf  *iobuf.Buffer
	codec   *trpc.Codec
	checker *requestChecker

	pendingMeta *trpc.Metadata

	active      map[uint64]*ActiveMessage
	nextID      uint64
	pendingDrop []*ActiveMessage

	clusters  cluster.Manager
	routes    route.Provider
	accessLog accesslog.Sink
	stats     *stats.Scope
	logger    *zap.Logger
	maxRetry  int
	randomFn  func() uint64
}

// New builds a Manager for an already-accepted downstream connection.
func New(
	downstream net.Conn,
	clusters cluster.Manager,
	routes route.Provider,
	accessLog accesslog.Sink,
	scope *stats.Scope,
	logger *zap.Logger,
	maxRetry int,
	randomFn func() uint64,
) *Manager {
	m := &Manager{
		id:        uuid.NewString(),
		conn:      downstream,
		loop:      loop.New(),
		reqBuf:    iobuf.New(),
		active:    make(map[uint64]*ActiveMessage),
		clusters:  clusters,
		routes:    routes,
		accessLog: accessLog,
		stats:     scope,
		maxRetry:  maxRetry,
		randomFn:  randomFn,
	}
	m.logger = logger.With(zap.String("connection_id", m.id))
	m.checker = newRequestChecker(m)
	m.codec = trpc.NewCodec(m.checker)
	return m
}

// RemoteAddr exposes the downstream connection's peer address.
func (m *Manager) RemoteAddr() net.Addr {
	return m.conn.RemoteAddr()
}

// Serve drives the connection until the downstream socket closes or ctx is
// canceled. It starts one reader goroutine feeding the Loop and then blocks
// running the Loop itself: one goroutine per connection, single-threaded
// within it.
func (m *Manager) Serve(ctx context.Context) error {
	stop := make(chan struct{})
	go m.readDownstream(ctx, stop)
	m.loop.Run(stop)
	return nil
}

func (m *Manager) readDownstream(ctx context.Context, stop chan struct{}) {
	defer close(stop)
	buf := iobuf.New()
	for {
		n, err := iobuf.ReadInto(ctx, m.conn, buf)
		if n > 0 {
			chunk := buf.Move(n)
			done := make(chan struct{})
			m.loop.Post(func() { m.onDownstreamData(chunk); close(done) })
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			m.loop.Post(func() { m.onDownstreamClosed() })
			return
		}
	}
}

func (m *Manager) onDownstreamData(chunk []byte) {
	m.reqBuf.Write(chunk)
	_, err := m.codec.OnData(m.reqBuf)
	if err != nil {
		m.stats.Inc(stats.RequestDecodingError)
		m.resetAll()
		_ = m.conn.Close()
	}
}

func (m *Manager) onDownstreamClosed() {
	m.resetAll()
	_ = m.conn.Close()
}

// sendToDownstream writes one already-framed message to the downstream
// socket. It is the only path, from anywhere in this package or
// internal/router, that ever writes to the downstream socket —
// the downstream buffer is owned exclusively by the connection manager.
func (m *Manager) sendToDownstream(frame []byte) error {
	_, err := m.conn.Write(frame)
	return err
}

// newActiveMessage registers a new active message: list membership is what
// "active" means, so insertion must happen before the caller does anything
// that could let the message finish synchronously.
func (m *Manager) newActiveMessage(meta *trpc.Metadata, frame []byte) *ActiveMessage {
	m.nextID++
	am := newActiveMessage(m.nextID, m, meta, frame)
	m.active[am.id] = am
	m.stats.GaugeAdd(stats.RequestActive, 1)
	return am
}

// deferredRemove implements the deferred-deletion invariant: the message
// is removed from the active list synchronously
// (so nothing can look it up again), but dropping the last reference to it
// is deferred to the next Loop tick via Post, never done inline inside the
// handler that triggered termination.
func (m *Manager) deferredRemove(am *ActiveMessage) {
	if _, ok := m.active[am.id]; !ok {
		return
	}
	delete(m.active, am.id)
	m.stats.GaugeAdd(stats.RequestActive, -1)
	m.pendingDrop = append(m.pendingDrop, am)
	m.loop.Post(func() { m.flushPendingDrop(am) })
}

func (m *Manager) flushPendingDrop(am *ActiveMessage) {
	for i, pending := range m.pendingDrop {
		if pending == am {
			m.pendingDrop = append(m.pendingDrop[:i], m.pendingDrop[i+1:]...)
			break
		}
	}
}

// resetAll cascades a connection-level failure (codec error, downstream
// close) into every still-active message.
func (m *Manager) resetAll() {
	for _, am := range m.active {
		am.OnReset()
	}
}
