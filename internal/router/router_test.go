package router

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trpcmesh/l4proxy/internal/accesslog"
	"github.com/trpcmesh/l4proxy/internal/cluster"
	"github.com/trpcmesh/l4proxy/internal/loop"
	"github.com/trpcmesh/l4proxy/internal/route"
	"github.com/trpcmesh/l4proxy/internal/stats"
	"github.com/trpcmesh/l4proxy/internal/trpc"
)

type parentStub struct {
	finished bool
	replies  []string
}

func (p *parentStub) RemoteAddr() net.Addr         { return nil }
func (p *parentStub) WriteDownstream([]byte) error { return nil }
func (p *parentStub) SendLocalReply(_ trpc.Ret, errMsg string) {
	p.replies = append(p.replies, errMsg)
}
func (p *parentStub) Finish(reset bool) { p.finished = reset }

func newTestRouter(t *testing.T) (*Router, *parentStub) {
	t.Helper()
	parent := &parentStub{}
	provider := route.NewStaticProvider("v1", nil)
	r := New(
		parent,
		cluster.NewStaticManager(zap.NewNop(), nil),
		provider,
		loop.New(),
		stats.New("test"),
		func(accesslog.ResponseFlag) {},
		zap.NewNop(),
		2,
		func() uint64 { return 0 },
	)
	return r, parent
}

func TestRouter_ComputeHashKey_AlwaysNil(t *testing.T) {
	r, _ := newTestRouter(t)
	require.Nil(t, r.ComputeHashKey())
}

func TestRouter_ShouldSelectAnotherHost(t *testing.T) {
	r, _ := newTestRouter(t)
	host := cluster.Host{Address: "127.0.0.1:1"}
	require.False(t, r.ShouldSelectAnotherHost(host))

	r.failedHosts[host.Address] = struct{}{}
	require.True(t, r.ShouldSelectAnotherHost(host))
}

func TestRouter_HostSelectionRetryCount(t *testing.T) {
	r, _ := newTestRouter(t)
	require.Equal(t, 2, r.HostSelectionRetryCount())
}

func TestRouter_FailNoRoute_SendsLocalReply(t *testing.T) {
	r, parent := newTestRouter(t)
	r.failNoRoute()
	require.True(t, parent.finished)
	require.Len(t, parent.replies, 1)
}
