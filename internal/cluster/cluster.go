// Package cluster implements the host proxy runtime's cluster manager and
// TCP connection pool: a static registry of named upstream clusters, each
// backed by a round-robin host list and an LRU of idle, reusable
// connections per host.
package cluster

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// PoolFailureReason is why an upstream connection could not be acquired.
type PoolFailureReason int

const (
	Overflow PoolFailureReason = iota
	LocalConnectionFailure
	RemoteConnectionFailure
	Timeout
)

// Host describes one upstream destination.
type Host struct {
	Address string
}

// Cluster is a named set of hosts.
type Cluster struct {
	Name string
	Hosts []Host

	ConnectTimeout time.Duration
	IdlePoolSize   int
}

// LoadBalancerContext is the subset of the router's load-balancer-context
// role that host selection needs. The router implements this; it is
// declared here, not in internal/router, so the pool can depend on it
// without an import cycle.
type LoadBalancerContext interface {
	ShouldSelectAnotherHost(host Host) bool
	HostSelectionRetryCount() int
}

// ConnCallbacks mirrors the pool's on_pool_ready/on_pool_failure contract.
// Implementations run on the owning connection's Loop.
type ConnCallbacks interface {
	OnPoolReady(conn net.Conn, host Host)
	OnPoolFailure(reason PoolFailureReason, host Host)
}

// Cancellable lets an in-flight acquisition be aborted before a callback
// fires, mirroring a pool cancellable token.
type Cancellable interface {
	Cancel()
}

// Pool is the per-cluster TCP connection pool.
type Pool interface {
	// NewConnection dials (or reuses) a host and invokes exactly one of
	// cb's methods: synchronously when the cluster has no hosts, otherwise
	// from a new goroutine. The returned Cancellable aborts a dial that
	// hasn't resolved yet; a canceled dial invokes neither method.
	NewConnection(ctx context.Context, cb ConnCallbacks) Cancellable
	// Release returns a connection to the idle pool for reuse. Callers
	// that want it closed instead should close conn themselves and not
	// call Release.
	Release(host Host, conn net.Conn)
}

// Manager is the cluster manager collaborator: lookup a named cluster and
// get its connection pool.
type Manager interface {
	Get(clusterName string) (*Cluster, bool)
	TCPPool(cluster *Cluster, priority int, lbCtx LoadBalancerContext) Pool
}

// StaticManager is an in-memory Manager built from configuration at startup
// (no dynamic CDS equivalent).
type StaticManager struct {
	logger   *zap.Logger
	mu       sync.RWMutex
	clusters map[string]*Cluster
	pools    map[string]*tcpPool
}

// NewStaticManager builds a Manager from a fixed cluster list.
func NewStaticManager(logger *zap.Logger, clusters []*Cluster) *StaticManager {
	m := &StaticManager{
		logger:   logger,
		clusters: make(map[string]*Cluster, len(clusters)),
		pools:    make(map[string]*tcpPool, len(clusters)),
	}
	for _, c := range clusters {
		m.clusters[c.Name] = c
	}
	return m
}

func (m *StaticManager) Get(clusterName string) (*Cluster, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clusters[clusterName]
	return c, ok
}

func (m *StaticManager) TCPPool(cluster *Cluster, _ int, lbCtx LoadBalancerContext) Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[cluster.Name]
	if !ok {
		idleSize := cluster.IdlePoolSize
		if idleSize <= 0 {
			idleSize = 16
		}
		p = &tcpPool{
			logger:  m.logger,
			cluster: cluster,
		}
		idle, err := lru.NewWithEvict[string, net.Conn](idleSize, p.onIdleEvicted)
		if err != nil {
			// idleSize is always > 0 here, so lru.NewWithEvict cannot
			// fail; kept as a hard error rather than a silent empty pool.
			panic(err)
		}
		p.idle = idle
		m.pools[cluster.Name] = p
	}
	p.setLBCtx(lbCtx)
	return p
}

// tcpPool is a round-robin dialer over a cluster's hosts with an LRU of idle,
// released connections keyed by host address so a reusable connection is
// handed back out before a fresh dial.
type tcpPool struct {
	logger  *zap.Logger
	cluster *Cluster
	lbCtx   LoadBalancerContext

	mu   sync.Mutex
	next int
	idle *lru.Cache[string, net.Conn]
}

type cancelToken struct {
	cancel func()
}

func (t *cancelToken) Cancel() {
	if t.cancel != nil {
		t.cancel()
	}
}

// setLBCtx records the current request's load-balancer context under p.mu,
// the same lock pickHost reads it under; it is re-set on every TCPPool call
// since a new request's Router (and failedHosts set) supersedes the last.
func (p *tcpPool) setLBCtx(lbCtx LoadBalancerContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lbCtx = lbCtx
}

// pickHost advances the round-robin cursor, skipping any host the current
// lbCtx reports as already failed for this request (ShouldSelectAnotherHost)
// so a retry doesn't immediately re-select the same bad address. If every
// host has already failed, it falls back to the next one in rotation rather
// than refusing to pick at all.
func (p *tcpPool) pickHost() (Host, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.cluster.Hosts)
	if n == 0 {
		return Host{}, false
	}
	var fallback Host
	for i := 0; i < n; i++ {
		h := p.cluster.Hosts[p.next%n]
		p.next++
		if i == 0 {
			fallback = h
		}
		if p.lbCtx == nil || !p.lbCtx.ShouldSelectAnotherHost(h) {
			return h, true
		}
	}
	return fallback, true
}

func (p *tcpPool) NewConnection(ctx context.Context, cb ConnCallbacks) Cancellable {
	host, ok := p.pickHost()
	if !ok {
		cb.OnPoolFailure(LocalConnectionFailure, Host{})
		return &cancelToken{}
	}

	dialCtx, cancel := context.WithCancel(ctx)
	token := &cancelToken{cancel: cancel}

	go func() {
		if conn, ok := p.takeIdle(host); ok {
			cb.OnPoolReady(conn, host)
			return
		}

		timeout := p.cluster.ConnectTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		dialer := &net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(dialCtx, "tcp", host.Address)
		if err != nil {
			if errors.Is(dialCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
				cb.OnPoolFailure(Timeout, host)
				return
			}
			if errors.Is(dialCtx.Err(), context.Canceled) {
				return
			}
			cb.OnPoolFailure(RemoteConnectionFailure, host)
			return
		}
		cb.OnPoolReady(conn, host)
	}()

	return token
}

func (p *tcpPool) takeIdle(host Host) (net.Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.idle.Get(host.Address)
	if ok {
		p.idle.Remove(host.Address)
	}
	return conn, ok
}

func (p *tcpPool) Release(host Host, conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.idle.Get(host.Address); ok {
		_ = old.Close()
		p.idle.Remove(host.Address)
	}
	p.idle.Add(host.Address, conn)
}

// onIdleEvicted closes a connection the LRU drops to make room for another.
func (p *tcpPool) onIdleEvicted(_ string, conn net.Conn) {
	_ = conn.Close()
}
