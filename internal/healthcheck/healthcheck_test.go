package healthcheck

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestChecker_TCPOnly_HealthyWhenListenerUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	transitions := make(chan bool, 4)
	c := New(Config{Host: ln.Addr().String(), Interval: 20 * time.Millisecond, Timeout: 200 * time.Millisecond}, zap.NewNop())
	c.OnHealthy = func(string) { transitions <- true }
	c.OnUnhealthy = func(string) { transitions <- false }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case ok := <-transitions:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a healthy transition")
	}
	require.True(t, c.Healthy())
}

func TestChecker_TCPOnly_UnhealthyWhenNothingListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close() // nothing listening now

	c := New(Config{Host: addr, Interval: 20 * time.Millisecond, Timeout: 100 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	require.False(t, c.Healthy())
}
