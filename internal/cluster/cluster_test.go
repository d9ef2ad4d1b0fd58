package cluster

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeLBCtx struct{}

func (fakeLBCtx) ShouldSelectAnotherHost(Host) bool { return false }
func (fakeLBCtx) HostSelectionRetryCount() int       { return 2 }

type capturingCallbacks struct {
	ready   chan net.Conn
	failure chan PoolFailureReason
}

func newCapturingCallbacks() *capturingCallbacks {
	return &capturingCallbacks{ready: make(chan net.Conn, 1), failure: make(chan PoolFailureReason, 1)}
}

func (c *capturingCallbacks) OnPoolReady(conn net.Conn, _ Host) { c.ready <- conn }
func (c *capturingCallbacks) OnPoolFailure(reason PoolFailureReason, _ Host) { c.failure <- reason }

func TestStaticManager_TCPPool_ConnectsToListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	mgr := NewStaticManager(zap.NewNop(), []*Cluster{{
		Name:           "echo",
		Hosts:          []Host{{Address: ln.Addr().String()}},
		ConnectTimeout: time.Second,
		IdlePoolSize:   4,
	}})

	c, ok := mgr.Get("echo")
	require.True(t, ok)

	pool := mgr.TCPPool(c, 0, fakeLBCtx{})
	cb := newCapturingCallbacks()
	pool.NewConnection(context.Background(), cb)

	select {
	case conn := <-cb.ready:
		require.NotNil(t, conn)
		conn.Close()
	case reason := <-cb.failure:
		t.Fatalf("unexpected pool failure: %v", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pool callback")
	}
	<-accepted
}

func TestStaticManager_TCPPool_FailsWithNoHosts(t *testing.T) {
	mgr := NewStaticManager(zap.NewNop(), []*Cluster{{Name: "empty"}})
	c, ok := mgr.Get("empty")
	require.True(t, ok)

	pool := mgr.TCPPool(c, 0, fakeLBCtx{})
	cb := newCapturingCallbacks()
	pool.NewConnection(context.Background(), cb)

	select {
	case reason := <-cb.failure:
		require.Equal(t, LocalConnectionFailure, reason)
	case <-time.After(time.Second):
		t.Fatal("expected immediate pool failure")
	}
}

func TestStaticManager_Get_UnknownCluster(t *testing.T) {
	mgr := NewStaticManager(zap.NewNop(), nil)
	_, ok := mgr.Get("missing")
	require.False(t, ok)
}

type failingLBCtx struct {
	failed string
}

func (f failingLBCtx) ShouldSelectAnotherHost(h Host) bool { return h.Address == f.failed }
func (failingLBCtx) HostSelectionRetryCount() int          { return 2 }

func TestTCPPool_PickHost_SkipsFailedHost(t *testing.T) {
	mgr := NewStaticManager(zap.NewNop(), []*Cluster{{
		Name:  "multi",
		Hosts: []Host{{Address: "10.0.0.1:1"}, {Address: "10.0.0.2:2"}},
	}})
	c, ok := mgr.Get("multi")
	require.True(t, ok)

	pool := mgr.TCPPool(c, 0, failingLBCtx{failed: "10.0.0.1:1"}).(*tcpPool)
	for i := 0; i < 4; i++ {
		h, ok := pool.pickHost()
		require.True(t, ok)
		require.Equal(t, "10.0.0.2:2", h.Address)
	}
}

func TestTCPPool_PickHost_FallsBackWhenAllHostsFailed(t *testing.T) {
	mgr := NewStaticManager(zap.NewNop(), []*Cluster{{
		Name:  "all-failed",
		Hosts: []Host{{Address: "10.0.0.1:1"}, {Address: "10.0.0.2:2"}},
	}})
	c, ok := mgr.Get("all-failed")
	require.True(t, ok)

	allFailed := fakeLBCtxAlwaysFail{}
	pool := mgr.TCPPool(c, 0, allFailed).(*tcpPool)
	h, ok := pool.pickHost()
	require.True(t, ok)
	require.Equal(t, "10.0.0.1:1", h.Address)
}

type fakeLBCtxAlwaysFail struct{}

func (fakeLBCtxAlwaysFail) ShouldSelectAnotherHost(Host) bool { return true }
func (fakeLBCtxAlwaysFail) HostSelectionRetryCount() int      { return 2 }
