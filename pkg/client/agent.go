// Package client is the node agent: it keeps a control link to the gateway,
// executes dispatched requests from the device's own network and pipes
// tunnels to their targets.
package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/resi-gateway/pkg/config"
	"github.com/resi-gateway/pkg/logging"
	"github.com/resi-gateway/pkg/protocol"
	"github.com/resi-gateway/pkg/proxy"
	"github.com/resi-gateway/pkg/transport"
	"github.com/resi-gateway/pkg/tunnel"
	"github.com/resi-gateway/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Version is reported in register.
var Version = "dev"

var (
	ErrBlacklisted        = errors.New("node blacklisted by gateway")
	ErrUnsupportedVersion = errors.New("node version rejected by gateway")
)

const (
	kindRequest = "request"
	kindTunnel  = "tunnel"
)

// Agent is the node side of the control channel.
type Agent struct {
	cfg      *config.Config
	url      string
	register protocol.Register
	exec     *Executor
	limit    *limiter
	tunnels  *tunnel.Manager
	dialer   *net.Dialer

	mu        sync.Mutex
	nodeID    string
	token     string
	heartbeat time.Duration
	stop      context.CancelCauseFunc
	hbChanged chan struct{}
	holdUntil time.Time // gateway asked us not to reconnect before this

	inflight sync.Map // request id -> context.CancelFunc

	requests atomic.Int64
	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	// registered is signalled after every register_ack (tests, readiness).
	registered chan string
}

// NewAgent builds an agent from the node section of cfg.
func NewAgent(cfg *config.Config) (*Agent, error) {
	if cfg == nil {
		cfg = &config.Config{}
		cfg.SetDefaults()
	}
	if cfg.Node.GatewayURL == "" {
		return nil, fmt.Errorf("gateway url is required (use NODE_GATEWAY_URL env var or node.gateway_url)")
	}

	protocols := make([]types.Protocol, 0, len(cfg.Node.Protocols))
	for _, p := range cfg.Node.Protocols {
		switch types.Protocol(p) {
		case types.ProtocolHTTP, types.ProtocolHTTPS, types.ProtocolSOCKS5:
			protocols = append(protocols, types.Protocol(p))
		default:
			return nil, fmt.Errorf("unknown protocol %q", p)
		}
	}

	fingerprint := cfg.Node.DeviceFingerprint
	if fingerprint == "" {
		fingerprint = defaultFingerprint()
	}

	a := &Agent{
		cfg: cfg,
		url: cfg.Node.GatewayURL,
		register: protocol.Register{
			DeviceFingerprint: fingerprint,
			Location: types.Location{
				Country: cfg.Node.Country,
				City:    cfg.Node.City,
				ISP:     cfg.Node.ISP,
				ASN:     cfg.Node.ASN,
			}.Normalize(),
			Capabilities: types.Capabilities{
				Protocols:      protocols,
				MaxConcurrency: cfg.Node.MaxConcurrency,
			},
			Version: Version,
		},
		exec: NewExecutor(ExecutorOptions{
			Timeout:          cfg.GetExecuteTimeout(),
			DialTimeout:      cfg.GetDialTimeout(),
			MaxResponseBytes: int64(cfg.Node.MaxResponseBytes),
		}),
		limit:      newLimiter(cfg.Node.MaxConcurrency),
		tunnels:    tunnel.NewManager(nil),
		dialer:     &net.Dialer{Timeout: cfg.GetDialTimeout(), KeepAlive: 30 * time.Second},
		heartbeat:  cfg.GetNodeHeartbeatInterval(),
		hbChanged:  make(chan struct{}, 1),
		registered: make(chan string, 1),
	}
	return a, nil
}

// defaultFingerprint derives a stable id from the host name when none is configured.
func defaultFingerprint() string {
	host, _ := os.Hostname()
	if host == "" {
		host = logging.GetInstanceID()
	}
	sum := sha256.Sum256([]byte("resi-node:" + host))
	return hex.EncodeToString(sum[:16])
}

// NodeID returns the id issued by the gateway, empty before registration.
func (a *Agent) NodeID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nodeID
}

// Registered is signalled with the node id after each successful registration.
func (a *Agent) Registered() <-chan string {
	return a.registered
}

// Run keeps the control link up until ctx is done, the reconnect budget is
// exhausted or the gateway blacklists this node. When a metrics listen
// address is configured it is served alongside.
func (a *Agent) Run(ctx context.Context) error {
	ctx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	a.mu.Lock()
	a.stop = stop
	a.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	if addr := a.cfg.Node.ListenAddress; addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(NewMetricsCollector())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			logging.Logf("[listen] node metrics addr=%s path=/metrics", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	} else {
		NewMetricsCollector()
	}

	g.Go(func() error {
		logging.Logf("[node] starting fingerprint=%s country=%s city=%q protocols=%v max_concurrency=%d gateway=%s",
			a.register.DeviceFingerprint, a.register.Location.Country, a.register.Location.City,
			a.register.Capabilities.Protocols, a.register.Capabilities.MaxConcurrency, a.url)
		err := transport.RunLink(ctx, a.url, transport.LinkOptions{
			ReconnectInterval: a.cfg.GetReconnectInterval(),
			MaxReconnect:      a.cfg.Node.MaxReconnect,
			Conn:              transport.Options{MaxMessageSize: a.cfg.GetMaxMessageBytes()},
			Hold:              a.hold,
		}, a.serveLink)
		if cause := context.Cause(ctx); errors.Is(cause, ErrBlacklisted) || errors.Is(cause, ErrUnsupportedVersion) {
			return cause
		}
		return err
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// linkSession is one established control connection.
type linkSession struct {
	a    *Agent
	conn *transport.WSConn
	ctx  context.Context
}

func (a *Agent) serveLink(ctx context.Context, link transport.LinkInfo) error {
	linkCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ls := &linkSession{a: a, conn: link.Conn, ctx: linkCtx}

	served := make(chan error, 1)
	go func() {
		served <- link.Conn.Serve(transport.Handler{
			OnMessage: ls.onMessage,
			OnFrame:   a.tunnels.HandleFrame,
		})
	}()

	if err := ls.sendRegister(); err != nil {
		_ = link.Conn.Close()
		<-served
		return err
	}
	go ls.heartbeatLoop()

	var err error
	select {
	case err = <-served:
	case <-ctx.Done():
		_ = link.Conn.Close()
		err = <-served
	}

	cancel()
	recordConnected(false)
	if id := a.NodeID(); id != "" {
		if n := a.tunnels.CloseNode(id); n > 0 {
			logging.Logf("[node] closed %d tunnel(s) with the control link", n)
		}
	}
	return err
}

func (ls *linkSession) sendRegister() error {
	a := ls.a
	if err := ls.conn.Send(protocol.MustEncode(protocol.MsgRegister, a.register)); err != nil {
		return fmt.Errorf("send register: %w", err)
	}
	logging.Debugf("[node] register sent fingerprint=%s", a.register.DeviceFingerprint)
	return nil
}

func (ls *linkSession) heartbeatLoop() {
	a := ls.a
	interval := a.heartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ls.ctx.Done():
			return
		case <-a.hbChanged:
			if next := a.heartbeatInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
			continue
		case <-ticker.C:
		}

		a.mu.Lock()
		nodeID, token := a.nodeID, a.token
		a.mu.Unlock()
		if token == "" {
			continue
		}
		hb := protocol.Heartbeat{NodeID: nodeID, AuthToken: token, Stats: a.stats()}
		if err := ls.conn.Send(protocol.MustEncode(protocol.MsgHeartbeat, hb)); err != nil {
			logging.Logf("[node] heartbeat failed node=%s err=%v", nodeID, err)
			_ = ls.conn.Close()
			return
		}
	}
}

func (a *Agent) heartbeatInterval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.heartbeat <= 0 {
		return 30 * time.Second
	}
	return a.heartbeat
}

func (a *Agent) stats() types.NodeStats {
	return types.NodeStats{
		InFlight: a.limit.Active(),
		Requests: a.requests.Load(),
		BytesIn:  a.bytesIn.Load(),
		BytesOut: a.bytesOut.Load(),
	}
}

// applyConfig adopts the effective config the gateway returned.
func (a *Agent) applyConfig(cfg types.NodeConfig) {
	if cfg.MaxConcurrency > 0 {
		a.limit.SetLimit(cfg.MaxConcurrency)
	}
	if cfg.HeartbeatInterval > 0 {
		next := time.Duration(cfg.HeartbeatInterval) * time.Second
		a.mu.Lock()
		changed := a.heartbeat != next
		a.heartbeat = next
		a.mu.Unlock()
		if changed {
			select {
			case a.hbChanged <- struct{}{}:
			default:
			}
		}
	}
}

func (ls *linkSession) onMessage(msg *protocol.Message) {
	a := ls.a
	switch msg.Type {
	case protocol.MsgRegisterAck:
		var ack protocol.RegisterAck
		if err := msg.Decode(&ack); err != nil {
			logging.Logf("[node] protocol error: bad register_ack err=%v", err)
			return
		}
		a.mu.Lock()
		a.nodeID, a.token = ack.NodeID, ack.AuthToken
		a.mu.Unlock()
		a.applyConfig(ack.Config)
		recordConnected(true)
		logging.Logf("[node] registered node=%s max_concurrency=%d heartbeat=%ds", ack.NodeID, ack.Config.MaxConcurrency, ack.Config.HeartbeatInterval)

		// Capabilities go out once per connection, after registration.
		update := protocol.CapabilitiesUpdate{Capabilities: a.register.Capabilities}
		if err := ls.conn.Send(protocol.MustEncode(protocol.MsgCapabilities, update)); err != nil {
			logging.Debugf("[node] capabilities not sent err=%v", err)
		}
		select {
		case a.registered <- ack.NodeID:
		default:
		}

	case protocol.MsgHeartbeatAck:
		var ack protocol.HeartbeatAck
		if err := msg.Decode(&ack); err != nil {
			logging.Logf("[node] protocol error: bad heartbeat_ack err=%v", err)
			return
		}
		a.applyConfig(ack.Config)

	case protocol.MsgError:
		var e protocol.ErrorPayload
		if err := msg.Decode(&e); err != nil {
			logging.Logf("[node] protocol error: bad error payload err=%v", err)
			return
		}
		ls.handleError(e)

	case protocol.MsgProxyRequest:
		var req protocol.ProxyRequest
		if err := msg.Decode(&req); err != nil {
			logging.Logf("[node] protocol error: bad proxy_request err=%v", err)
			return
		}
		go ls.handleRequest(req)

	case protocol.MsgProxyCancel:
		var c protocol.ProxyCancel
		if err := msg.Decode(&c); err != nil {
			return
		}
		if cancel, ok := a.inflight.Load(c.RequestID); ok {
			cancel.(context.CancelFunc)()
			logging.Debugf("[node] request canceled by gateway id=%s", c.RequestID)
		}

	case protocol.MsgTunnelOpen:
		var open protocol.TunnelOpen
		if err := msg.Decode(&open); err != nil {
			logging.Logf("[node] protocol error: bad tunnel_open err=%v", err)
			return
		}
		go ls.handleTunnel(open)

	case protocol.MsgTunnelClose:
		var tc protocol.TunnelClose
		if err := msg.Decode(&tc); err != nil {
			return
		}
		if cancel, ok := a.inflight.Load(tc.RequestID); ok {
			// Still dialing.
			cancel.(context.CancelFunc)()
		}
		a.tunnels.HandleClose(tc)

	case protocol.MsgPing:
		_ = ls.conn.Send(protocol.MustEncode(protocol.MsgPong, nil))
	case protocol.MsgPong:
	default:
		logging.Logf("[node] protocol error: unknown message type=%q", msg.Type)
	}
}

func (ls *linkSession) handleError(e protocol.ErrorPayload) {
	a := ls.a
	switch e.Code {
	case protocol.CodeNotFound, protocol.CodeUnauthorized:
		// The gateway lost or rotated our identity; register again on this link.
		logging.Logf("[node] gateway rejected identity code=%s msg=%q, re-registering", e.Code, e.Message)
		a.mu.Lock()
		a.token = ""
		a.mu.Unlock()
		if err := ls.sendRegister(); err != nil {
			_ = ls.conn.Close()
		}
	case protocol.CodeBlacklisted, protocol.CodeUnsupportedVersion:
		cause := ErrBlacklisted
		if e.Code == protocol.CodeUnsupportedVersion {
			cause = ErrUnsupportedVersion
		}
		logging.Errorf("[node] %v msg=%q version=%s, stopping", cause, e.Message, Version)
		a.mu.Lock()
		stop := a.stop
		a.mu.Unlock()
		if stop != nil {
			stop(fmt.Errorf("%w: %s", cause, e.Message))
		}
		_ = ls.conn.Close()
	case protocol.CodeCooldown:
		wait := time.Duration(e.RetryAfter) * time.Second
		logging.Warnf("[node] gateway asked to back off msg=%q retry_after=%s", e.Message, wait)
		a.mu.Lock()
		a.holdUntil = time.Now().Add(wait)
		a.mu.Unlock()
		_ = ls.conn.Close()
	default:
		logging.Logf("[node] gateway error code=%s msg=%q", e.Code, e.Message)
	}
}

// hold returns how long the gateway asked us to stay away.
func (a *Agent) hold() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Until(a.holdUntil)
}

func (ls *linkSession) track(id string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ls.ctx)
	ls.a.inflight.Store(id, cancel)
	return ctx, func() {
		ls.a.inflight.Delete(id)
		cancel()
	}
}

// handleRequest always answers: proxy_response or proxy_error, unless the
// gateway canceled the request or the link is gone.
func (ls *linkSession) handleRequest(req protocol.ProxyRequest) {
	a := ls.a
	if !a.limit.TryAcquire() {
		recordFail(kindRequest, "capacity")
		ls.sendProxyError(req.RequestID, ErrAtCapacity)
		return
	}
	defer a.limit.Release()

	ctx, done := ls.track(req.RequestID)
	defer done()

	recordStart(kindRequest)
	a.requests.Add(1)
	a.bytesOut.Add(int64(len(req.Body)))

	resp, err := a.exec.Execute(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			recordFail(kindRequest, "canceled")
			logging.Debugf("[node] request abandoned id=%s url=%s", req.RequestID, redact(req.URL))
			return
		}
		reason := "upstream"
		if errors.Is(err, ErrBodyTooLarge) {
			reason = "body_too_large"
		}
		recordFail(kindRequest, reason)
		logging.Logf("[node] request failed id=%s method=%s url=%s err=%v", req.RequestID, req.Method, redact(req.URL), err)
		ls.sendProxyError(req.RequestID, err)
		return
	}

	a.bytesIn.Add(int64(len(resp.Body)))
	recordSuccess(kindRequest, int64(len(resp.Body)))
	if err := ls.conn.Send(protocol.MustEncode(protocol.MsgProxyResponse, resp)); err != nil {
		logging.Logf("[node] response not delivered id=%s err=%v", req.RequestID, err)
		return
	}
	logging.Debugf("[node] %s %s status=%d bytes=%d latency=%dms", req.Method, redact(req.URL), resp.StatusCode, len(resp.Body), resp.LatencyMs)
}

func (ls *linkSession) sendProxyError(id string, err error) {
	msg := protocol.MustEncode(protocol.MsgProxyError, protocol.ProxyError{RequestID: id, Error: err.Error()})
	if serr := ls.conn.Send(msg); serr != nil {
		logging.Debugf("[node] proxy_error not delivered id=%s err=%v", id, serr)
	}
}

// aLongTimeAgo unblocks a pending read when set as its deadline.
var aLongTimeAgo = time.Unix(1, 0)

// handleTunnel dials the target and pipes it through a tunnel stream.
func (ls *linkSession) handleTunnel(open protocol.TunnelOpen) {
	a := ls.a
	target := net.JoinHostPort(open.Host, open.Port)
	if !a.limit.TryAcquire() {
		recordFail(kindTunnel, "capacity")
		tunnel.Reject(ls.conn, open.RequestID, ErrAtCapacity)
		return
	}
	defer a.limit.Release()
	recordStart(kindTunnel)
	a.requests.Add(1)

	ctx, done := ls.track(open.RequestID)
	upstream, err := a.dialer.DialContext(ctx, "tcp", target)
	done()
	if err != nil {
		recordFail(kindTunnel, "dial")
		logging.Logf("[node] tunnel dial failed id=%s target=%s err=%v", open.RequestID, target, err)
		tunnel.Reject(ls.conn, open.RequestID, err)
		return
	}
	defer upstream.Close()

	stream := a.tunnels.Accept(a.NodeID(), ls.conn, open.RequestID, target)
	defer stream.Close()
	if err := tunnel.Ready(ls.conn, open.RequestID); err != nil {
		recordFail(kindTunnel, "transport")
		return
	}
	logging.Debugf("[node] tunnel open id=%s target=%s", open.RequestID, target)

	start := time.Now()
	relayDone := make(chan struct{})
	go func() {
		select {
		case <-stream.Done():
			_ = upstream.SetReadDeadline(aLongTimeAgo)
		case <-relayDone:
		}
	}()
	tx, rx, err := proxy.Bridge(stream, stream, upstream)
	close(relayDone)

	a.bytesOut.Add(tx)
	a.bytesIn.Add(rx)
	recordSuccess(kindTunnel, rx)
	if err != nil {
		logging.Debugf("[node] tunnel relay error id=%s err=%v", open.RequestID, err)
	}
	logging.Debugf("[node] tunnel closed id=%s target=%s bytes_tx=%d bytes_rx=%d duration=%s",
		open.RequestID, target, tx, rx, time.Since(start).Truncate(time.Millisecond))
}
