package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trpcmesh/l4proxy/config"
	"github.com/trpcmesh/l4proxy/internal/accesslog"
	"github.com/trpcmesh/l4proxy/internal/cluster"
	"github.com/trpcmesh/l4proxy/internal/conn"
	"github.com/trpcmesh/l4proxy/internal/healthcheck"
	"github.com/trpcmesh/l4proxy/internal/route"
	"github.com/trpcmesh/l4proxy/internal/stats"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "start the proxy listener",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Debug)
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, logger)
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	clusters := buildClusters(cfg)
	clusterMgr := cluster.NewStaticManager(logger, clusters)
	routeProvider := buildRouteProvider(cfg)

	var accessLog accesslog.Sink = noopSink{}
	if cfg.AccessLog.Enabled {
		accessLog = accesslog.NewZapSink(logger)
	}
	scope := stats.New(cfg.StatPrefix)

	startHealthChecks(ctx, cfg, clusters, logger)

	if cfg.Admin.Enabled {
		adminAddr := fmt.Sprintf("%s:%d", cfg.Admin.Address, cfg.Admin.Port)
		go serveAdmin(ctx, adminAddr, scope, logger)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Listener.Address, cfg.Listener.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	logger.Info("trpcproxy listening", zap.String("address", addr))

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		downstream, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("accept failed", zap.Error(err))
			continue
		}
		mgr := conn.New(downstream, clusterMgr, routeProvider, accessLog, scope, logger, cfg.MaxRetry, randomDraw)
		go func() {
			if err := mgr.Serve(ctx); err != nil {
				logger.Warn("connection terminated", zap.Error(err))
			}
		}()
	}
}

func randomDraw() uint64 {
	return rand.Uint64()
}

func buildClusters(cfg *config.Config) []*cluster.Cluster {
	out := make([]*cluster.Cluster, 0, len(cfg.Clusters))
	for _, c := range cfg.Clusters {
		hosts := make([]cluster.Host, 0, len(c.Hosts))
		for _, h := range c.Hosts {
			hosts = append(hosts, cluster.Host{Address: h})
		}
		out = append(out, &cluster.Cluster{
			Name:           c.Name,
			Hosts:          hosts,
			ConnectTimeout: c.ConnectTimeout,
			IdlePoolSize:   c.IdlePoolSize,
		})
	}
	return out
}

func buildRouteProvider(cfg *config.Config) route.Provider {
	rules := make([]route.Rule, 0, len(cfg.Routes))
	for _, r := range cfg.Routes {
		rules = append(rules, route.Rule{
			Match: route.Match{Callee: r.Callee, FuncPrefix: r.FuncPrefix},
			Entry: route.Entry{ClusterName: r.Cluster, HashPolicy: route.HashPolicy{Enabled: r.HashPolicy}},
		})
	}
	return route.NewStaticProvider("static", rules)
}

// startHealthChecks runs one Checker per configured host. Findings are
// logged; this is a secondary signal, independent of the router's own
// per-request retry-on-failure path.
func startHealthChecks(ctx context.Context, cfg *config.Config, clusters []*cluster.Cluster, logger *zap.Logger) {
	if !cfg.HealthCheck.Enabled {
		return
	}
	var ping *healthcheck.PingConfig
	if cfg.HealthCheck.PingFunc != "" {
		ping = &healthcheck.PingConfig{
			Callee:  cfg.HealthCheck.PingCallee,
			Func:    cfg.HealthCheck.PingFunc,
			Timeout: cfg.HealthCheck.Timeout,
		}
	}
	for _, c := range clusters {
		for _, h := range c.Hosts {
			checker := healthcheck.New(healthcheck.Config{
				Host:            h.Address,
				Interval:        cfg.HealthCheck.Interval,
				Timeout:         cfg.HealthCheck.Timeout,
				ReuseConnection: cfg.HealthCheck.ReuseConnection,
				Ping:            ping,
			}, logger.With(zap.String("cluster", c.Name)))
			go checker.Run(ctx)
		}
	}
}

type noopSink struct{}

func (noopSink) Log(accesslog.Record) {}
