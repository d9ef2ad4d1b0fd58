package route

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trpcmesh/l4proxy/internal/trpc"
)

func headers(authority, path string) map[string]string {
	return map[string]string{trpc.HeaderAuthority: authority, trpc.HeaderPath: path}
}

func TestStaticProvider_MatchesExactCalleeAndPrefix(t *testing.T) {
	p := NewStaticProvider("v1", []Rule{
		{Match: Match{Callee: "trpc.test.svc", FuncPrefix: "/trpc.test.svc/Get"}, Entry: Entry{ClusterName: "svc-read"}},
		{Match: Match{Callee: "trpc.test.svc", FuncPrefix: "/trpc.test.svc/Put"}, Entry: Entry{ClusterName: "svc-write"}},
	})

	entry := p.Config().Match(headers("trpc.test.svc", "/trpc.test.svc/GetItem"), 0)
	require.NotNil(t, entry)
	require.Equal(t, "svc-read", entry.ClusterName)
}

func TestStaticProvider_NoMatchReturnsNil(t *testing.T) {
	p := NewStaticProvider("v1", []Rule{
		{Match: Match{Callee: "trpc.test.svc", FuncPrefix: "/trpc.test.svc/Get"}, Entry: Entry{ClusterName: "svc-read"}},
	})

	entry := p.Config().Match(headers("trpc.other.svc", "/trpc.other.svc/Get"), 0)
	require.Nil(t, entry)
}

func TestStaticProvider_CatchAllFallback(t *testing.T) {
	p := NewStaticProvider("v1", []Rule{
		{Match: Match{Callee: "", FuncPrefix: ""}, Entry: Entry{ClusterName: "default"}},
	})

	entry := p.Config().Match(headers("anything", "/whatever"), 0)
	require.NotNil(t, entry)
	require.Equal(t, "default", entry.ClusterName)
}

func TestStaticProvider_ConfigInfo(t *testing.T) {
	p := NewStaticProvider("v7", nil)
	info, ok := p.ConfigInfo()
	require.True(t, ok)
	require.Equal(t, "v7", info.Version)
}

func TestDynamicProvider_NotImplemented(t *testing.T) {
	var d DynamicProvider
	_, ok := d.ConfigInfo()
	require.False(t, ok)
	require.Nil(t, d.Config())
}
