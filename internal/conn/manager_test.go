package conn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trpcmesh/l4proxy/internal/accesslog"
	"github.com/trpcmesh/l4proxy/internal/cluster"
	"github.com/trpcmesh/l4proxy/internal/header"
	"github.com/trpcmesh/l4proxy/internal/iobuf"
	"github.com/trpcmesh/l4proxy/internal/route"
	"github.com/trpcmesh/l4proxy/internal/stats"
	"github.com/trpcmesh/l4proxy/internal/trpc"
)

type recordingSink struct {
	records chan accesslog.Record
}

func (s *recordingSink) Log(r accesslog.Record) { s.records <- r }

func noRandom() uint64 { return 0 }

// startEchoUpstream runs a one-shot TCP server that reads exactly one
// request frame and writes back a canned success response with the same
// request id, simulating a real upstream service.
func startEchoUpstream(t *testing.T) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		buf := iobuf.New()
		var reqHeader *header.Request
		done := make(chan struct{})
		codec := trpc.NewCodec(&testCallbacks{
			onHeader: func(raw []byte) bool {
				h, err := header.DecodeRequest(raw)
				if err != nil {
					return false
				}
				reqHeader = h
				return true
			},
			onCompleted: func([]byte) { close(done) },
		})
		for {
			n, err := iobuf.ReadInto(context.Background(), c, buf)
			if n > 0 {
				if _, cerr := codec.OnData(buf); cerr != nil {
					return
				}
			}
			if err != nil {
				return
			}
			select {
			case <-done:
				goto respond
			default:
			}
		}
	respond:
		resp := &header.Response{RequestID: reqHeader.RequestID, CallType: reqHeader.CallType, Ret: 0, FuncRet: 0}
		frame := trpc.EncodeFrame(0, trpc.DataFrameTypeUnary, 0, resp.Encode(), []byte("payload"))
		_, _ = c.Write(frame)
	}()

	return ln.Addr()
}

type testCallbacks struct {
	onHeader    func([]byte) bool
	onCompleted func([]byte)
}

func (c *testCallbacks) OnFixedHeader(trpc.FixedHeader) {}
func (c *testCallbacks) OnDecodeHeader(raw []byte) bool { return c.onHeader(raw) }
func (c *testCallbacks) OnCompleted(frame []byte)       { c.onCompleted(frame) }

// startDownstreamManager accepts one connection on a fresh loopback listener
// and serves it with a Manager built from the given collaborators, returning
// the client-side net.Conn the test drives.
func startDownstreamManager(t *testing.T, clusterMgr cluster.Manager, routes route.Provider, sink accesslog.Sink) net.Conn {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	scope := stats.New("test")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		downstream, err := ln.Accept()
		if err != nil {
			return
		}
		mgr := New(downstream, clusterMgr, routes, sink, scope, zap.NewNop(), 2, noRandom)
		_ = mgr.Serve(ctx)
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestManager_HappyPathUnaryForward(t *testing.T) {
	upstreamAddr := startEchoUpstream(t)

	clusterMgr := cluster.NewStaticManager(zap.NewNop(), []*cluster.Cluster{{
		Name:           "echo",
		Hosts:          []cluster.Host{{Address: upstreamAddr.String()}},
		ConnectTimeout: 2 * time.Second,
		IdlePoolSize:   4,
	}})
	routes := route.NewStaticProvider("v1", []route.Rule{
		{Match: route.Match{Callee: "", FuncPrefix: ""}, Entry: route.Entry{ClusterName: "echo"}},
	})
	sink := &recordingSink{records: make(chan accesslog.Record, 1)}

	client := startDownstreamManager(t, clusterMgr, routes, sink)

	req := &header.Request{RequestID: 42, CallType: header.CallTypeUnary, Caller: "t", Callee: "svc", Func: "/svc/Do"}
	frame := trpc.EncodeFrame(0, trpc.DataFrameTypeUnary, 0, req.Encode(), []byte("hello"))
	_, err := client.Write(frame)
	require.NoError(t, err)

	var gotResp *header.Response
	done := make(chan struct{})
	codec := trpc.NewCodec(&testCallbacks{
		onHeader: func(raw []byte) bool {
			r, err := header.DecodeResponse(raw)
			if err != nil {
				return false
			}
			gotResp = r
			return true
		},
		onCompleted: func([]byte) { close(done) },
	})
	buf := iobuf.New()
	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		n, err := iobuf.ReadInto(context.Background(), client, buf)
		if n > 0 {
			_, _ = codec.OnData(buf)
		}
		if err != nil {
			t.Fatalf("reading response: %v", err)
		}
		select {
		case <-done:
			goto checked
		default:
		}
	}
checked:
	require.NotNil(t, gotResp)
	require.True(t, gotResp.Success())
	require.Equal(t, uint32(42), gotResp.RequestID)

	select {
	case rec := <-sink.records:
		require.Equal(t, uint32(42), rec.StreamInfo.RequestID)
		require.Equal(t, accesslog.FlagNone, rec.StreamInfo.ResponseFlag)
	case <-time.After(time.Second):
		t.Fatal("expected an access log record")
	}
}

func TestManager_NoRouteSendsLocalReply(t *testing.T) {
	clusterMgr := cluster.NewStaticManager(zap.NewNop(), nil)
	routes := route.NewStaticProvider("v1", nil)
	sink := &recordingSink{records: make(chan accesslog.Record, 1)}

	client := startDownstreamManager(t, clusterMgr, routes, sink)

	req := &header.Request{RequestID: 7, CallType: header.CallTypeUnary, Callee: "svc", Func: "/svc/Do"}
	frame := trpc.EncodeFrame(0, trpc.DataFrameTypeUnary, 0, req.Encode(), nil)
	_, err := client.Write(frame)
	require.NoError(t, err)

	var gotResp *header.Response
	done := make(chan struct{})
	codec := trpc.NewCodec(&testCallbacks{
		onHeader: func(raw []byte) bool {
			r, err := header.DecodeResponse(raw)
			if err != nil {
				return false
			}
			gotResp = r
			return true
		},
		onCompleted: func([]byte) { close(done) },
	})
	buf := iobuf.New()
	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		n, err := iobuf.ReadInto(context.Background(), client, buf)
		if n > 0 {
			_, _ = codec.OnData(buf)
		}
		if err != nil {
			t.Fatalf("reading local reply: %v", err)
		}
		select {
		case <-done:
			goto checked
		default:
		}
	}
checked:
	require.NotNil(t, gotResp)
	require.Equal(t, int32(trpc.RetServerNoserviceErr), gotResp.Ret)

	select {
	case rec := <-sink.records:
		require.Equal(t, accesslog.FlagNoRouteFound, rec.StreamInfo.ResponseFlag)
	case <-time.After(time.Second):
		t.Fatal("expected an access log record")
	}
}
