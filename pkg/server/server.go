package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/resi-gateway/pkg/auth"
	"github.com/resi-gateway/pkg/config"
	"github.com/resi-gateway/pkg/correlator"
	"github.com/resi-gateway/pkg/logging"
	"github.com/resi-gateway/pkg/metrics"
	"github.com/resi-gateway/pkg/registry"
	"github.com/resi-gateway/pkg/selector"
	"github.com/resi-gateway/pkg/session"
	"github.com/resi-gateway/pkg/targeting"
	"github.com/resi-gateway/pkg/transport"
	"github.com/resi-gateway/pkg/tunnel"
	"github.com/resi-gateway/pkg/types"
	"golang.org/x/sync/errgroup"
)

// NewProxyServer creates a new proxy server
func NewProxyServer(cfg *config.Config) (*ProxyServer, error) {
	if cfg == nil {
		cfg = &config.Config{}
		cfg.SetDefaults()
	}

	tokens := auth.NewTokenIssuer(cfg.Gateway.TokenSecret, 0)
	reg := registry.New(tokens, registry.Options{
		HeartbeatInterval:     cfg.GetHeartbeatInterval(),
		LivenessTimeout:       cfg.GetLivenessTimeout(),
		Retention:             cfg.GetNodeRetention(),
		DefaultMaxConcurrency: cfg.Gateway.DefaultMaxConcurrency,
		MinVersion:            cfg.Gateway.MinNodeVersion,
	})

	server := &ProxyServer{
		cfg:          cfg,
		registry:     reg,
		corr:         correlator.New(cfg.GetRequestTimeout()),
		keys:         auth.NewStaticKeys(cfg.Gateway.APIKeyHashes),
		tokens:       tokens,
		reconnects:   newReconnectGuard(cfg.GetReconnectWindow(), cfg.Gateway.MaxReconnects, cfg.GetReconnectCooldown()),
		promRegistry: prometheus.NewRegistry(),
	}

	switch strings.ToLower(cfg.Gateway.SessionStore) {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Gateway.RedisAddr,
			Password: cfg.Gateway.RedisPassword,
			DB:       cfg.Gateway.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(ctx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("session store redis %s: %w", cfg.Gateway.RedisAddr, err)
		}
		server.redis = client
		server.sessions = session.NewRedisStore(client, cfg.Gateway.RedisPrefix, cfg.GetSessionTTL())
	case "", "memory":
		server.memSessions = session.NewMemoryStore(cfg.GetSessionTTL())
		server.sessions = server.memSessions
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Gateway.SessionStore)
	}

	server.selector = selector.New(reg, server.sessions)
	server.tunnels = tunnel.NewManager(server.corr)

	// Create collector with callbacks that use this server instance
	collector := metrics.NewCollector(metrics.Sources{
		NodeCounts:      reg.Counts,
		PendingRequests: server.corr.Pending,
		ActiveTunnels:   server.tunnels.Active,
		SessionBindings: func() int {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			n, err := server.sessions.Len(ctx)
			if err != nil {
				logging.Debugf("[metrics] session count failed err=%v", err)
			}
			return n
		},
	})
	server.collector = collector
	server.promRegistry.MustRegister(collector)

	server.tunnels.OnStreamClosed = func(st *tunnel.Stream) {
		collector.RecordTunnelClosed(st.Expired(), st.BytesOut(), st.BytesIn())
		logging.Debugf("[tunnel] stream closed id=%s node=%s target=%s in=%d out=%d age=%s",
			st.ID(), st.NodeID(), st.RemoteAddr(), st.BytesIn(), st.BytesOut(), time.Since(st.Created()).Truncate(time.Millisecond))
	}

	server.corr.OnComplete = func(call *correlator.Call, outcome string) {
		collector.RecordCompletion(string(call.Kind), outcome, time.Since(call.Sent))
		if outcome != "ok" && outcome != "canceled" {
			logging.Debugf("[correlator] call failed id=%s node=%s kind=%s target=%s outcome=%s", call.ID, call.NodeID, call.Kind, call.URL, outcome)
		}
	}

	return server, nil
}

// Registry exposes the node registry (admin tooling and tests).
func (s *ProxyServer) Registry() *registry.Registry {
	return s.registry
}

// SetKeyValidator replaces the API key validator, e.g. with a client of the
// account system.
func (s *ProxyServer) SetKeyValidator(v auth.KeyValidator) {
	if v != nil {
		s.keys = v
	}
}

func (s *ProxyServer) transportOptions() transport.Options {
	return transport.Options{PingInterval: s.cfg.GetPingInterval(), MaxMessageSize: s.cfg.GetMaxMessageBytes()}
}

// Run starts the proxy, SOCKS5 and control listeners plus the background
// sweeps, and blocks until ctx is done or one of them fails.
func (s *ProxyServer) Run(ctx context.Context) error {
	defer s.Close()

	proxyLn, err := net.Listen("tcp", s.cfg.Gateway.ProxyAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", s.cfg.Gateway.ProxyAddr, err)
	}
	var socksLn net.Listener
	if s.cfg.Gateway.SocksAddr != "" {
		socksLn, err = net.Listen("tcp", s.cfg.Gateway.SocksAddr)
		if err != nil {
			_ = proxyLn.Close()
			return fmt.Errorf("failed to listen on %s: %v", s.cfg.Gateway.SocksAddr, err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.registry.Run(ctx, s.cfg.GetSweepInterval())
		return nil
	})
	g.Go(func() error {
		s.corr.Run(ctx, time.Second)
		return nil
	})
	g.Go(func() error {
		s.tunnels.Run(ctx, s.cfg.GetTunnelSweepInterval(), s.cfg.GetTunnelIdleTimeout(), s.cfg.GetTunnelMaxAge())
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.GetSweepInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s.reconnects.Prune()
			}
		}
	})
	if s.memSessions != nil {
		g.Go(func() error {
			s.memSessions.Run(ctx, s.cfg.GetSweepInterval())
			return nil
		})
	}

	g.Go(func() error { return s.ServeProxy(ctx, proxyLn) })
	if socksLn != nil {
		g.Go(func() error { return s.ServeSocks(ctx, socksLn) })
	}

	httpServer := &http.Server{
		Addr:              s.cfg.Gateway.ControlAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logging.Logf("[listen] control addr=%s path=/v1/connect metrics=%s health=/healthz", s.cfg.Gateway.ControlAddr, s.cfg.Gateway.TelemetryPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Close releases the external session store connection.
func (s *ProxyServer) Close() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
}

// route selects a node for d and reserves one of its slots. Random picks that
// lose the race for the last slot are retried; sticky sessions may run their
// node past capacity.
func (s *ProxyServer) route(ctx context.Context, d targeting.Directive, proto types.Protocol) (selector.Selection, error) {
	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		pick := s.selector.Select
		if attempt > 0 {
			pick = s.selector.Reselect
		}
		sel, err := pick(ctx, d, proto)
		if err != nil {
			return selector.Selection{}, err
		}
		if s.registry.Acquire(sel.Node.ID, sel.SessionID != "") {
			if sel.NewBinding {
				logging.Logf("[route] session bound session=%s node=%s country=%s city=%q", sel.SessionID, sel.Node.ID, sel.Node.Location.Country, sel.Node.Location.City)
			}
			logging.Debugf("[route] selected node=%s country=%s protocol=%s session=%s attempt=%d", sel.Node.ID, sel.Node.Location.Country, proto, sel.SessionID, attempt+1)
			return sel, nil
		}
	}
	return selector.Selection{}, fmt.Errorf("%w: every candidate reached capacity", selector.ErrNoAvailableNode)
}
