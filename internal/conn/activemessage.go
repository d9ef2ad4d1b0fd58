// Package conn implements the request checker, active message and
// connection manager: the per-downstream-connection state that drives
// decode, routing and response delivery.
package conn

import (
	"net"
	"time"

	"github.com/trpcmesh/l4proxy/internal/accesslog"
	"github.com/trpcmesh/l4proxy/internal/header"
	"github.com/trpcmesh/l4proxy/internal/router"
	"github.com/trpcmesh/l4proxy/internal/stats"
	"github.com/trpcmesh/l4proxy/internal/trpc"
)

// messageState mirrors the active-message lifecycle.
type messageState int

const (
	stateCreated messageState = iota
	stateInFlight
	stateCompleted
	stateReset
)

// ActiveMessage is one in-flight request on a connection. It owns a Router
// for the request's lifetime and is the router's ParentMessage
// (internal/router).
type ActiveMessage struct {
	id        uint64
	manager   *Manager
	metadata  *trpc.Metadata
	reqFrame  []byte
	router    *router.Router
	state     messageState
	replied   bool
	flag      accesslog.ResponseFlag
	startedAt time.Time
}

func newActiveMessage(id uint64, m *Manager, meta *trpc.Metadata, frame []byte) *ActiveMessage {
	return &ActiveMessage{
		id:        id,
		manager:   m,
		metadata:  meta,
		reqFrame:  frame,
		state:     stateCreated,
		startedAt: time.Now(),
	}
}

// OnStreamDecoded is invoked once by the request checker after a complete
// request frame has decoded. It builds this message's Router and hands it
// the decoded metadata plus the untouched original frame.
func (am *ActiveMessage) OnStreamDecoded() {
	am.state = stateInFlight
	am.router = router.New(
		am,
		am.manager.clusters,
		am.manager.routes,
		am.manager.loop,
		am.manager.stats,
		am.setFlag,
		am.manager.logger,
		am.manager.maxRetry,
		am.manager.randomFn,
	)
	am.router.OnMessageDecoded(am.metadata, am.reqFrame)
}

func (am *ActiveMessage) setFlag(f accesslog.ResponseFlag) {
	if am.flag == accesslog.FlagNone {
		am.flag = f
	}
}

// RemoteAddr implements router.ParentMessage.
func (am *ActiveMessage) RemoteAddr() net.Addr {
	return am.manager.RemoteAddr()
}

// WriteDownstream implements router.ParentMessage: forwards an already-
// encoded upstream response frame to the downstream socket verbatim.
func (am *ActiveMessage) WriteDownstream(frame []byte) error {
	if am.replied {
		return nil
	}
	am.replied = true
	return am.manager.sendToDownstream(frame)
}

// SendLocalReply implements router.ParentMessage: synthesizes a framework-
// level error response, guarded so at most one reply — local or forwarded
// — is ever written per message.
func (am *ActiveMessage) SendLocalReply(ret trpc.Ret, errMsg string) {
	if am.replied {
		return
	}
	am.replied = true

	resp := &header.Response{
		RequestID: am.metadata.Request.RequestID,
		CallType:  am.metadata.Request.CallType,
		Version:   am.metadata.Request.Version,
		Ret:       int32(ret),
		ErrorMsg:  errMsg,
	}
	frame := trpc.EncodeFrame(0, trpc.DataFrameTypeUnary, 0, resp.Encode(), nil)
	_ = am.manager.sendToDownstream(frame)
}

// Finish implements router.ParentMessage: the router has nothing further to
// do. This is the normal (possibly oneway, no-reply) completion path.
func (am *ActiveMessage) Finish(reset bool) {
	am.terminate(reset)
}

// OnReset tears the message down from above (connection closing, codec
// fatal error): cascades into the router if one was ever created.
func (am *ActiveMessage) OnReset() {
	if am.router != nil {
		am.router.OnReset()
	}
	am.terminate(true)
}

// terminate runs the message's exactly-once terminal transition: log once
// (invariant 3), then ask the manager to remove it from the active list.
func (am *ActiveMessage) terminate(reset bool) {
	if am.state == stateCompleted || am.state == stateReset {
		return
	}
	am.state = stateCompleted
	if reset {
		am.state = stateReset
	}

	am.manager.accessLog.Log(accesslog.Record{
		RequestHeaders: am.metadata.BuildHTTPHeaders(),
		StreamInfo: accesslog.StreamInfo{
			ConnectionID: am.manager.id,
			RequestID:    am.metadata.Request.RequestID,
			Callee:       am.metadata.Request.Callee,
			Func:         am.metadata.Request.Func,
			ResponseFlag: am.flag,
			OneWay:       am.metadata.Request.CallType == header.CallTypeOneway,
			LocalReply:   am.flag != accesslog.FlagNone,
			StartTime:    am.startedAt,
			Duration:     time.Since(am.startedAt),
		},
	})
	am.manager.stats.RecordMs(stats.RequestTimeMs, time.Since(am.startedAt).Milliseconds())
	am.manager.deferredRemove(am)
}
