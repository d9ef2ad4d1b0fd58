// Package healthcheck implements the cluster manager's secondary health
// checker: periodically dials each host in a cluster and, optionally,
// drives one minimal unary tRPC ping through it. A host is healthy iff the
// dial succeeds and (when a ping is configured) the response header
// reports ret == 0 && func_ret == 0.
package healthcheck

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trpcmesh/l4proxy/internal/header"
	"github.com/trpcmesh/l4proxy/internal/iobuf"
	"github.com/trpcmesh/l4proxy/internal/trpc"
)

// PingConfig configures the optional minimal unary probe. A nil *PingConfig
// on Config means "TCP connect only".
type PingConfig struct {
	Callee  string
	Func    string
	Timeout time.Duration
}

// Config is one host's health-check policy.
type Config struct {
	Host             string
	Interval         time.Duration
	Timeout          time.Duration
	ReuseConnection  bool
	Ping             *PingConfig
}

// Checker runs one Config against one host, reporting transitions through
// OnHealthy/OnUnhealthy.
type Checker struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	healthy bool
	conn    net.Conn

	OnHealthy   func(host string)
	OnUnhealthy func(host string)
}

// New builds a Checker. It starts in the unhealthy state until the first
// probe succeeds (fail-closed).
func New(cfg Config, logger *zap.Logger) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval / 2
	}
	return &Checker{cfg: cfg, logger: logger}
}

// Run probes on cfg.Interval until ctx is canceled.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	c.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			c.closeReused()
			return
		case <-ticker.C:
			c.probe(ctx)
		}
	}
}

func (c *Checker) probe(ctx context.Context) {
	ok := c.dialAndPing(ctx)
	c.mu.Lock()
	changed := ok != c.healthy
	c.healthy = ok
	c.mu.Unlock()

	if !changed {
		return
	}
	if ok {
		c.logger.Info("host healthy", zap.String("host", c.cfg.Host))
		if c.OnHealthy != nil {
			c.OnHealthy(c.cfg.Host)
		}
	} else {
		c.logger.Warn("host unhealthy", zap.String("host", c.cfg.Host))
		if c.OnUnhealthy != nil {
			c.OnUnhealthy(c.cfg.Host)
		}
	}
}

// Healthy reports the last probe's outcome.
func (c *Checker) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

func (c *Checker) dialAndPing(ctx context.Context) bool {
	conn := c.reusedConn()
	if conn == nil {
		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		var d net.Dialer
		nc, err := d.DialContext(dialCtx, "tcp", c.cfg.Host)
		if err != nil {
			return false
		}
		conn = nc
	}

	if c.cfg.Ping == nil {
		if c.cfg.ReuseConnection {
			c.setReused(conn)
		} else {
			_ = conn.Close()
		}
		return true
	}

	ok := c.ping(ctx, conn)
	if c.cfg.ReuseConnection && ok {
		c.setReused(conn)
	} else {
		_ = conn.Close()
		c.setReused(nil)
	}
	return ok
}

// ping sends one minimal unary request and waits for a response header,
// reporting health as ret == 0 && func_ret == 0.
func (c *Checker) ping(ctx context.Context, conn net.Conn) bool {
	deadline := time.Now().Add(c.cfg.Ping.Timeout)
	_ = conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	req := &header.Request{
		CallType: header.CallTypeUnary,
		Caller:   "healthcheck",
		Callee:   c.cfg.Ping.Callee,
		Func:     c.cfg.Ping.Func,
	}
	frame := trpc.EncodeFrame(0, trpc.DataFrameTypeUnary, 0, req.Encode(), nil)
	if _, err := conn.Write(frame); err != nil {
		return false
	}

	var result header.Response
	var ok bool
	codec := trpc.NewCodec(&pingCallbacks{resp: &result, ok: &ok})
	buf := iobuf.New()
	for !ok {
		n, err := iobuf.ReadInto(ctx, conn, buf)
		if n > 0 {
			if _, cerr := codec.OnData(buf); cerr != nil {
				return false
			}
		}
		if err != nil {
			return false
		}
	}
	return result.Success()
}

func (c *Checker) reusedConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.conn
	c.conn = nil
	return conn
}

func (c *Checker) setReused(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

func (c *Checker) closeReused() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

type pingCallbacks struct {
	resp *header.Response
	ok   *bool
}

func (p *pingCallbacks) OnFixedHeader(trpc.FixedHeader) {}

func (p *pingCallbacks) OnDecodeHeader(raw []byte) bool {
	r, err := header.DecodeResponse(raw)
	if err != nil {
		return false
	}
	*p.resp = *r
	return true
}

func (p *pingCallbacks) OnCompleted([]byte) {
	*p.ok = true
}
