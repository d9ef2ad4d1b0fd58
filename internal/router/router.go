// Package router implements the request router: matches a route, acquires
// an upstream connection, forwards the original request frame verbatim,
// and correlates the upstream response back to the waiting active message.
// One Router is created per active message and discarded once the message
// finishes.
package router

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/trpcmesh/l4proxy/internal/accesslog"
	"github.com/trpcmesh/l4proxy/internal/cluster"
	"github.com/trpcmesh/l4proxy/internal/header"
	"github.com/trpcmesh/l4proxy/internal/iobuf"
	"github.com/trpcmesh/l4proxy/internal/loop"
	"github.com/trpcmesh/l4proxy/internal/route"
	"github.com/trpcmesh/l4proxy/internal/stats"
	"github.com/trpcmesh/l4proxy/internal/trpc"
)

// ParentMessage is the slice of the active message (internal/conn) the
// router needs back-reference access to: writing the downstream socket is
// exclusively owned by the connection manager, so the router never touches
// it directly. Declared here rather than in internal/conn so
// internal/conn can import internal/router without a cycle; internal/conn's
// ActiveMessage satisfies this interface.
type ParentMessage interface {
	RemoteAddr() net.Addr
	WriteDownstream(frame []byte) error
	SendLocalReply(ret trpc.Ret, errMsg string)
	// Finish reports that the router has nothing further to do for this
	// message: reset=false is a normal completion (response forwarded, or
	// a oneway request's upstream write succeeded), reset=true is an
	// abnormal one (upstream failure the router already turned into a
	// local reply, or an upstream reset with nothing sent yet).
	Finish(reset bool)
}

// ConnEvent mirrors the upstream connection event set the pool/dialer layer
// can report.
type ConnEvent int

const (
	EventRemoteClose ConnEvent = iota
	EventLocalClose
)

// Router routes one active message's request to an upstream cluster.
type Router struct {
	parent   ParentMessage
	clusters cluster.Manager
	provider route.Provider
	stats    *stats.Scope
	accessLog func(accesslog.ResponseFlag)
	logger   *zap.Logger
	loop     *loop.Loop
	maxRetry int
	randomFn func() uint64

	metadata *trpc.Metadata
	reqFrame []byte
	oneWay   bool

	entry        *route.Entry
	pool         cluster.Pool
	poolCancel   cluster.Cancellable
	failedHosts  map[string]struct{}
	currentHost  cluster.Host
	upstreamConn net.Conn

	respBuf   *iobuf.Buffer
	respCodec *trpc.Codec
	pendingHdr *header.Response

	done bool
}

// New builds a Router for one decoded request. provider supplies the current
// route table (re-resolved per request so config changes take effect
// immediately). randomFn supplies a per-request random draw instead of a
// hard-coded value.
func New(
	parent ParentMessage,
	clusters cluster.Manager,
	provider route.Provider,
	l *loop.Loop,
	scope *stats.Scope,
	accessLogFlag func(accesslog.ResponseFlag),
	logger *zap.Logger,
	maxRetry int,
	randomFn func() uint64,
) *Router {
	return &Router{
		parent:      parent,
		clusters:    clusters,
		provider:    provider,
		stats:       scope,
		accessLog:   accessLogFlag,
		logger:      logger,
		loop:        l,
		maxRetry:    maxRetry,
		randomFn:    randomFn,
		failedHosts: make(map[string]struct{}),
	}
}

// OnMessageDecoded is called once by the owning active message with the
// parsed header and the complete, unmodified original request frame bytes.
func (r *Router) OnMessageDecoded(meta *trpc.Metadata, frame []byte) {
	r.metadata = meta
	r.reqFrame = frame
	r.oneWay = meta.Request.CallType == header.CallTypeOneway
	if r.oneWay {
		r.stats.Inc(stats.RequestOnewayCall)
	} else {
		r.stats.Inc(stats.RequestUnaryCall)
	}
	r.Dispatch()
}

// Dispatch resolves a route and a cluster, then asks the pool for a
// connection. It is the request-side half of the router's work.
func (r *Router) Dispatch() {
	matcher := r.provider.Config()
	if matcher == nil {
		r.failNoRoute()
		return
	}

	entry := matcher.Match(r.metadata.BuildHTTPHeaders(), r.randomFn())
	if entry == nil {
		r.failNoRoute()
		return
	}
	r.entry = entry

	cl, ok := r.clusters.Get(entry.ClusterName)
	if !ok {
		r.stats.Inc(stats.UnknownCluster)
		r.accessLog(accesslog.FlagUpstreamReset)
		r.parent.SendLocalReply(trpc.RetServerNoserviceErr, "unknown cluster: "+entry.ClusterName)
		r.parent.Finish(true)
		return
	}

	pool := r.clusters.TCPPool(cl, 0, r)
	if pool == nil {
		r.stats.Inc(stats.NoConnPool)
		r.accessLog(accesslog.FlagUpstreamReset)
		r.parent.SendLocalReply(trpc.RetServerSystemErr, "no connection pool for cluster: "+cl.Name)
		r.parent.Finish(true)
		return
	}
	r.pool = pool
	r.poolCancel = pool.NewConnection(context.Background(), r)
}

func (r *Router) failNoRoute() {
	r.stats.Inc(stats.DismatchRoute)
	r.accessLog(accesslog.FlagNoRouteFound)
	r.parent.SendLocalReply(trpc.RetServerNoserviceErr, "no matching route")
	r.parent.Finish(true)
}

// OnPoolReady implements cluster.ConnCallbacks. It runs on the dialer's own
// goroutine, so the first thing it does is marshal onto the router's Loop
// before touching any Router state — every connection is single-threaded
// within itself.
func (r *Router) OnPoolReady(conn net.Conn, host cluster.Host) {
	r.loop.Post(func() { r.onPoolReady(conn, host) })
}

func (r *Router) onPoolReady(conn net.Conn, host cluster.Host) {
	if r.done {
		_ = conn.Close()
		return
	}
	r.currentHost = host
	r.upstreamConn = conn

	if _, err := conn.Write(r.reqFrame); err != nil {
		r.stats.Inc(stats.ConnPoolLocalClose)
		r.accessLog(accesslog.FlagUpstreamReset)
		_ = conn.Close()
		r.parent.SendLocalReply(trpc.RetServerSystemErr, "upstream write failed")
		r.parent.Finish(true)
		return
	}

	if r.oneWay {
		r.pool.Release(host, conn)
		r.parent.Finish(false)
		return
	}

	r.respBuf = iobuf.New()
	r.respCodec = trpc.NewCodec(&responseCallbacks{r: r})
	go r.readUpstream(conn)
}

// OnPoolFailure implements cluster.ConnCallbacks: maps a pool failure
// reason to the corresponding tRPC ret code.
func (r *Router) OnPoolFailure(reason cluster.PoolFailureReason, host cluster.Host) {
	r.loop.Post(func() { r.onPoolFailure(reason, host) })
}

func (r *Router) onPoolFailure(reason cluster.PoolFailureReason, host cluster.Host) {
	if r.done {
		return
	}
	_, failedBefore := r.failedHosts[host.Address]
	r.failedHosts[host.Address] = struct{}{}
	r.stats.Inc(stats.ConnPoolFailure)
	r.accessLog(accesslog.FlagUpstreamReset)

	if !failedBefore && r.ShouldSelectAnotherHost(host) && r.pool != nil {
		r.poolCancel = r.pool.NewConnection(context.Background(), r)
		return
	}

	ret := trpc.RetServerNoserviceErr
	switch reason {
	case cluster.Overflow:
		ret = trpc.RetServerOverloadErr
	case cluster.LocalConnectionFailure:
		ret = trpc.RetServerSystemErr
	case cluster.Timeout:
		ret = trpc.RetServerTimeoutErr
	case cluster.RemoteConnectionFailure:
		ret = trpc.RetServerNoserviceErr
	}
	r.parent.SendLocalReply(ret, "upstream connection failed")
	r.parent.Finish(true)
}

// readUpstream runs on its own goroutine for the lifetime of the upstream
// connection, posting every chunk (or terminal event) back onto the
// router's Loop so decoding and state changes stay single-threaded.
func (r *Router) readUpstream(conn net.Conn) {
	buf := iobuf.New()
	for {
		n, err := iobuf.ReadInto(context.Background(), conn, buf)
		if n > 0 {
			chunk := buf.Move(n)
			r.loop.Post(func() { r.OnUpstreamData(chunk) })
		}
		if err != nil {
			r.loop.Post(func() { r.OnEvent(EventRemoteClose) })
			return
		}
	}
}

// OnUpstreamData feeds newly arrived upstream bytes through the response
// codec. Always called on the Loop.
func (r *Router) OnUpstreamData(data []byte) {
	if r.done {
		return
	}
	r.respBuf.Write(data)
	_, err := r.respCodec.OnData(r.respBuf)
	if err != nil {
		r.stats.Inc(stats.ResponseDecodingError)
		r.accessLog(accesslog.FlagUpstreamReset)
		r.closeUpstream(false)
		r.parent.SendLocalReply(trpc.RetServerDecodeErr, "upstream response decode failed")
		r.parent.Finish(true)
	}
}

// onResponseFrame is invoked by responseCallbacks.OnCompleted once a full
// response frame has decoded.
func (r *Router) onResponseFrame(frame []byte) {
	if r.done {
		return
	}
	if r.pendingHdr.RequestID != r.metadata.Request.RequestID {
		r.stats.Inc(stats.ResponseDiffRequestID)
		r.accessLog(accesslog.FlagUpstreamReset)
		r.closeUpstream(false)
		r.parent.SendLocalReply(trpc.RetServerDecodeErr, "upstream response/request id mismatch")
		r.parent.Finish(true)
		return
	}

	r.stats.Inc(stats.ResponseSuccess)
	r.pool.Release(r.currentHost, r.upstreamConn)
	if err := r.parent.WriteDownstream(frame); err != nil {
		r.parent.Finish(true)
		return
	}
	r.done = true
	r.parent.Finish(false)
}

// OnEvent handles an upstream connection event arriving outside of normal
// response decoding.
func (r *Router) OnEvent(ev ConnEvent) {
	if r.done {
		return
	}
	switch ev {
	case EventRemoteClose:
		r.stats.Inc(stats.ConnPoolRemoteClose)
	case EventLocalClose:
		r.stats.Inc(stats.ConnPoolLocalClose)
	}
	if r.respBuf != nil {
		// done is set once a response has been forwarded, so reaching here
		// means the upstream closed before a complete response decoded
		// (mid-frame or before any byte arrived): this is a failure.
		r.accessLog(accesslog.FlagUpstreamReset)
		r.parent.SendLocalReply(trpc.RetServerNoserviceErr, "upstream connection closed")
		r.parent.Finish(true)
	}
}

// OnReset cancels any in-flight pool acquisition or upstream read and tears
// down the upstream connection, for when the active message is reset from
// above (downstream closed, connection manager shutting down).
func (r *Router) OnReset() {
	if r.done {
		return
	}
	r.done = true
	if r.poolCancel != nil {
		r.poolCancel.Cancel()
	}
	r.closeUpstream(false)
}

func (r *Router) closeUpstream(release bool) {
	if r.upstreamConn == nil {
		return
	}
	if release && r.pool != nil {
		r.pool.Release(r.currentHost, r.upstreamConn)
	} else {
		_ = r.upstreamConn.Close()
	}
	r.upstreamConn = nil
}

// --- cluster.LoadBalancerContext ---

// ComputeHashKey never asks for a cookie: a nil key means the pool falls
// back to round-robin.
func (r *Router) ComputeHashKey() *uint64 { return nil }

// DownstreamHeaders exposes the HTTP-shaped header view a richer load
// balancer (e.g. header-based hashing) could consult.
func (r *Router) DownstreamHeaders() map[string]string { return r.metadata.BuildHTTPHeaders() }

// MetadataMatchCriteria is unused: no subset load balancing is implemented.
func (r *Router) MetadataMatchCriteria() interface{} { return nil }

// ShouldSelectAnotherHost reports whether host has already failed this
// request and a retry should pick a different one.
func (r *Router) ShouldSelectAnotherHost(host cluster.Host) bool {
	_, failed := r.failedHosts[host.Address]
	return failed && len(r.failedHosts) <= r.maxRetry
}

// HostSelectionRetryCount returns maxRetry, the number of retries a single
// request gets after its first failed pool acquisition.
func (r *Router) HostSelectionRetryCount() int { return r.maxRetry }

// responseCallbacks adapts the router's upstream response decode into
// trpc.Callbacks; a distinct type from the downstream request checker's
// callbacks, since the two sides need different capabilities.
type responseCallbacks struct {
	r *Router
}

func (c *responseCallbacks) OnFixedHeader(trpc.FixedHeader) {}

func (c *responseCallbacks) OnDecodeHeader(raw []byte) bool {
	hdr, err := header.DecodeResponse(raw)
	if err != nil {
		return false
	}
	c.r.pendingHdr = hdr
	return true
}

func (c *responseCallbacks) OnCompleted(frame []byte) {
	c.r.onResponseFrame(frame)
}
