package server

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/resi-gateway/pkg/correlator"
	"github.com/resi-gateway/pkg/logging"
	"github.com/resi-gateway/pkg/protocol"
	"github.com/resi-gateway/pkg/proxy"
	"github.com/resi-gateway/pkg/targeting"
	"github.com/resi-gateway/pkg/types"
)

// connState is the lifecycle of one client connection on the proxy listener.
type connState string

const (
	stateAwaitingAuth       connState = "awaiting_auth"
	stateTunnelEstablishing connState = "tunnel_establishing"
	stateRelaying           connState = "relaying"
	stateClosed             connState = "closed"
	stateFailed             connState = "failed"
)

const clientBufferSize = 32 << 10

// aLongTimeAgo unblocks a pending read when set as its deadline.
var aLongTimeAgo = time.Unix(1, 0)

// clientConn is one accepted proxy client connection.
type clientConn struct {
	net.Conn
	br     *bufio.Reader
	remote string
	id     string
	state  connState
}

func (c *clientConn) transition(to connState) {
	if logging.DebugEnabled() {
		logging.Debugf("[proxy][debug] state %s -> %s (conn=%s remote=%s)", c.state, to, c.id, c.remote)
	}
	c.state = to
}

// ServeProxy accepts HTTP proxy clients (CONNECT and absolute-form requests)
// on ln until ctx is done.
func (s *ProxyServer) ServeProxy(ctx context.Context, ln net.Listener) error {
	logging.Logf("[listen] proxy addr=%s", ln.Addr())
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logging.Logf("[accept] Error accepting connection: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		go s.handleProxyConnection(ctx, conn)
	}
}

func (s *ProxyServer) handleProxyConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	c := &clientConn{
		Conn:   conn,
		br:     bufio.NewReaderSize(conn, clientBufferSize),
		remote: conn.RemoteAddr().String(),
		id:     generateConnID(),
		state:  stateAwaitingAuth,
	}
	readTimeout := s.cfg.GetReadTimeout()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	clientAddr, err := readProxyHeader(c.br)
	if err != nil {
		if err == io.EOF {
			s.logAcceptEOF(c.remote)
		} else {
			logging.Logf("[accept] Error reading connection (remote=%s): %v", c.remote, err)
		}
		return
	}
	if clientAddr != "" {
		logging.Debugf("[accept][debug] proxyproto client=%s (remote=%s)", clientAddr, c.remote)
		c.remote = clientAddr
	}

	if _, err := c.br.Peek(1); err != nil {
		if err == io.EOF {
			s.logAcceptEOF(c.remote)
		}
		return
	}
	head, _ := c.br.Peek(c.br.Buffered())
	switch kind := proxy.DetectProtocol(head); kind {
	case proxy.KindConnect, proxy.KindHTTP:
	case proxy.KindTLS:
		logging.Logf("[accept] TLS handshake on plain proxy port (remote=%s sni=%q)", c.remote, proxy.ExtractSNI(head))
		s.collector.RecordProxyError("http", "tls_to_proxy_port")
		return
	default:
		logging.Debugf("[accept][debug] unrecognized protocol (remote=%s preview=%x)", c.remote, head[:min(len(head), 16)])
		s.collector.RecordProxyError("http", "bad_request")
		return
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		req, err := http.ReadRequest(c.br)
		_ = conn.SetReadDeadline(time.Time{})
		if err != nil {
			if err != io.EOF && !isTimeout(err) {
				logging.Debugf("[proxy][debug] read request failed (remote=%s err=%v)", c.remote, err)
				_ = proxy.WriteError(conn, http.StatusBadRequest, nil, "malformed request")
			}
			c.transition(stateClosed)
			return
		}

		d, err := s.authenticate(ctx, req)
		if err != nil {
			s.fail(c, "http", err)
			return
		}

		if req.Method == http.MethodConnect {
			s.handleConnect(ctx, c, req, d)
			return
		}
		if !s.handlePlain(ctx, c, req, d) {
			return
		}
		c.state = stateAwaitingAuth
	}
}

// authenticate extracts the targeting directive from Proxy-Authorization and
// validates its API key.
func (s *ProxyServer) authenticate(ctx context.Context, req *http.Request) (targeting.Directive, error) {
	user, pass, err := targeting.ParseProxyAuthorization(req.Header.Get("Proxy-Authorization"))
	if err != nil {
		return targeting.Directive{}, err
	}
	d, err := targeting.FromUserPassword(user, pass)
	if err != nil {
		return targeting.Directive{}, err
	}
	if err := s.keys.Validate(ctx, d.APIKey); err != nil {
		return targeting.Directive{}, err
	}
	return d, nil
}

// fail answers the client with the status mapped from err and moves the
// connection to Failed.
func (s *ProxyServer) fail(c *clientConn, ingress string, err error) {
	c.transition(stateFailed)
	status, reason := statusForError(err)
	s.collector.RecordProxyError(ingress, reason)
	if status == 0 {
		logging.Debugf("[proxy][debug] client gone (conn=%s remote=%s err=%v)", c.id, c.remote, err)
		return
	}
	var extra http.Header
	if status == http.StatusProxyAuthRequired {
		extra = authHeader(s.cfg.Gateway.Realm)
	}
	logging.Logf("[proxy] request failed conn=%s remote=%s status=%d reason=%s err=%v", c.id, c.remote, status, reason, err)
	_ = proxy.WriteError(c.Conn, status, extra, http.StatusText(status)+": "+reason)
}

func (s *ProxyServer) handleConnect(ctx context.Context, c *clientConn, req *http.Request, d targeting.Directive) {
	start := time.Now()
	c.transition(stateTunnelEstablishing)

	host, port, err := proxy.SplitTarget(req.Host, "443")
	if err != nil {
		c.transition(stateFailed)
		s.collector.RecordProxyError(proxy.KindConnect, "bad_target")
		_ = proxy.WriteError(c.Conn, http.StatusBadRequest, nil, err.Error())
		return
	}
	target := net.JoinHostPort(host, port)

	sel, err := s.route(ctx, d, types.ProtocolHTTPS)
	if err != nil {
		s.fail(c, proxy.KindConnect, err)
		return
	}
	defer s.registry.Release(sel.Node.ID)

	s.collector.RecordDispatch(string(correlator.KindTunnel))
	stream, err := s.tunnels.Open(ctx, sel.Node.ID, sel.Conn, host, port, s.cfg.GetRequestTimeout())
	if err != nil {
		s.fail(c, proxy.KindConnect, err)
		return
	}
	defer stream.Close()

	if _, err := io.WriteString(c.Conn, proxy.ConnectEstablished); err != nil {
		c.transition(stateFailed)
		return
	}
	c.transition(stateRelaying)
	logging.Debugf("[tunnel] established conn=%s stream=%s node=%s target=%s setup=%s", c.id, stream.ID(), sel.Node.ID, target, time.Since(start))

	s.collector.IncActive(proxy.KindConnect)
	relayDone := make(chan struct{})
	go func() {
		// The node tore the stream down; stop waiting on the client side.
		select {
		case <-stream.Done():
			_ = c.SetReadDeadline(aLongTimeAgo)
		case <-relayDone:
		}
	}()
	tx, rx, err := proxy.Bridge(c.br, c.Conn, stream)
	close(relayDone)
	s.collector.DecActive(proxy.KindConnect, tx, rx)

	c.transition(stateClosed)
	if err != nil && !isTimeout(err) {
		logging.Debugf("[tunnel] relay error conn=%s stream=%s err=%v", c.id, stream.ID(), err)
	}
	logging.Logf("[tunnel] closed conn=%s remote=%s node=%s target=%s session=%s bytes_tx=%d bytes_rx=%d duration=%s",
		c.id, c.remote, sel.Node.ID, target, sel.SessionID, tx, rx, time.Since(start).Truncate(time.Millisecond))
}

// handlePlain relays one absolute-form request through a node and reports
// whether the client connection may be reused.
func (s *ProxyServer) handlePlain(ctx context.Context, c *clientConn, req *http.Request, d targeting.Directive) bool {
	start := time.Now()
	if !req.URL.IsAbs() || req.URL.Host == "" {
		c.transition(stateFailed)
		s.collector.RecordProxyError(proxy.KindHTTP, "bad_target")
		_ = proxy.WriteError(c.Conn, http.StatusBadRequest, nil, "absolute-form request target required")
		return false
	}

	limit := int64(s.cfg.Gateway.MaxBodyBytes)
	body, err := io.ReadAll(io.LimitReader(req.Body, limit+1))
	_ = req.Body.Close()
	if err != nil {
		c.transition(stateFailed)
		return false
	}
	if int64(len(body)) > limit {
		c.transition(stateFailed)
		s.collector.RecordProxyError(proxy.KindHTTP, "body_too_large")
		_ = proxy.WriteError(c.Conn, http.StatusRequestEntityTooLarge, nil, "request body too large")
		return false
	}

	sel, err := s.route(ctx, d, types.ProtocolHTTP)
	if err != nil {
		s.fail(c, proxy.KindHTTP, err)
		return false
	}
	defer s.registry.Release(sel.Node.ID)

	headers := req.Header.Clone()
	proxy.RemoveHopHeaders(headers)

	s.collector.IncActive(proxy.KindHTTP)
	s.collector.RecordDispatch(string(correlator.KindRequest))
	call := s.corr.Dispatch(sel.Node.ID, sel.Conn, protocol.ProxyRequest{
		Method:  req.Method,
		URL:     req.URL.String(),
		Headers: headers,
		Body:    body,
	}, s.cfg.GetRequestTimeout())

	reqCtx, cancel := context.WithCancel(ctx)
	stopWatch := watchClientClose(c, cancel)
	res := call.Wait(reqCtx)
	stopWatch()
	cancel()

	if res.Err != nil {
		s.collector.DecActive(proxy.KindHTTP, int64(len(body)), 0)
		s.fail(c, proxy.KindHTTP, res.Err)
		return false
	}

	resp := res.Response
	respBody := resp.Body
	hdr := http.Header(resp.Headers).Clone()
	if hdr == nil {
		hdr = http.Header{}
	}
	proxy.RemoveHopHeaders(hdr)
	hdr.Del("Content-Length")

	if enc := hdr.Get("Content-Encoding"); proxy.ShouldDecode(s.cfg.Gateway.Decompress, req.Header.Get("Accept-Encoding"), enc) {
		decoded, err := proxy.DecodeBody(enc, respBody, int64(s.cfg.Node.MaxResponseBytes))
		if err != nil {
			logging.Warnf("[proxy] passing encoded body through conn=%s url=%s encoding=%s err=%v", c.id, req.URL.Redacted(), enc, err)
		} else {
			respBody = decoded
			hdr.Del("Content-Encoding")
		}
	}

	keepAlive := !req.Close && !strings.EqualFold(http.Header(resp.Headers).Get("Connection"), "close")
	out := &http.Response{
		StatusCode:    resp.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        hdr,
		Body:          io.NopCloser(bytes.NewReader(respBody)),
		ContentLength: int64(len(respBody)),
		Request:       req,
		Close:         !keepAlive,
	}
	c.transition(stateRelaying)
	err = out.Write(c.Conn)
	s.collector.DecActive(proxy.KindHTTP, int64(len(body)), int64(len(respBody)))
	if err != nil {
		logging.Debugf("[proxy][debug] write response failed (conn=%s err=%v)", c.id, err)
		c.transition(stateFailed)
		return false
	}

	logging.Logf("[proxy] %s %s status=%d node=%s session=%s bytes_rx=%d node_latency=%dms duration=%s",
		req.Method, req.URL.Redacted(), resp.StatusCode, sel.Node.ID, sel.SessionID, len(respBody), resp.LatencyMs, time.Since(start).Truncate(time.Millisecond))
	if !keepAlive {
		c.transition(stateClosed)
	}
	return keepAlive
}

// watchClientClose cancels when the client hangs up while its request is in
// flight. Peek never consumes, so a pipelined next request stays buffered.
// The returned stop function must be called before reading from c again.
func watchClientClose(c *clientConn, cancel context.CancelFunc) (stop func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := c.br.Peek(1); err != nil && !isTimeout(err) {
			cancel()
		}
	}()
	return func() {
		_ = c.SetReadDeadline(aLongTimeAgo)
		<-done
		_ = c.SetReadDeadline(time.Time{})
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (s *ProxyServer) logAcceptEOF(remote string) {
	if !logging.DebugEnabled() {
		return
	}
	now := time.Now()

	s.acceptEOFLock.Lock()
	defer s.acceptEOFLock.Unlock()

	// Log at most once per 5s; count suppressed events.
	const window = 5 * time.Second
	if !s.acceptEOFLastLogAt.IsZero() && now.Sub(s.acceptEOFLastLogAt) < window {
		s.acceptEOFSuppressed++
		return
	}

	if s.acceptEOFSuppressed > 0 && !s.acceptEOFLastLogAt.IsZero() {
		logging.Debugf(
			"[accept][debug] initial read EOF (remote=%s) (suppressed=%d in last=%s)",
			remote,
			s.acceptEOFSuppressed,
			now.Sub(s.acceptEOFLastLogAt).Truncate(time.Second),
		)
	} else {
		logging.Debugf("[accept][debug] initial read EOF (remote=%s)", remote)
	}

	s.acceptEOFSuppressed = 0
	s.acceptEOFLastLogAt = now
}

// generateConnID returns an 8-digit random id used to correlate log lines of
// one client connection.
func generateConnID() string {
	const max = 100000000
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		// Fallback to time-based value to avoid blocking the request path.
		return fmt.Sprintf("%08d", time.Now().UnixNano()%max)
	}
	return fmt.Sprintf("%08d", n.Int64())
}
