package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/armon/go-socks5"
	"github.com/resi-gateway/pkg/auth"
	"github.com/resi-gateway/pkg/logging"
	"github.com/resi-gateway/pkg/proxy"
	"github.com/resi-gateway/pkg/targeting"
	"github.com/resi-gateway/pkg/tunnel"
	"github.com/resi-gateway/pkg/types"
)

const (
	socksIngress = "socks5"
	socksVersion = uint8(5)

	// RFC 1929 username/password sub-negotiation
	userPassVersion = uint8(1)
	userPassSuccess = uint8(0)
	userPassFailure = uint8(1)
)

type directiveKey struct{}

// socksAuthenticator performs RFC 1929 auth and keeps the password, which
// carries the targeting directive, in the auth context.
type socksAuthenticator struct {
	keys    auth.KeyValidator
	timeout time.Duration
}

func (a *socksAuthenticator) GetCode() uint8 {
	return socks5.UserPassAuth
}

func (a *socksAuthenticator) Authenticate(reader io.Reader, writer io.Writer) (*socks5.AuthContext, error) {
	// Tell the client to use user/pass auth
	if _, err := writer.Write([]byte{socksVersion, socks5.UserPassAuth}); err != nil {
		return nil, err
	}

	header := []byte{0, 0}
	if _, err := io.ReadFull(reader, header); err != nil {
		return nil, err
	}
	if header[0] != userPassVersion {
		return nil, fmt.Errorf("unsupported auth version: %d", header[0])
	}
	user := make([]byte, int(header[1]))
	if _, err := io.ReadFull(reader, user); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, header[:1]); err != nil {
		return nil, err
	}
	pass := make([]byte, int(header[0]))
	if _, err := io.ReadFull(reader, pass); err != nil {
		return nil, err
	}

	d, err := targeting.FromUserPassword(string(user), string(pass))
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err = a.keys.Validate(ctx, d.APIKey)
		cancel()
	}
	if err != nil {
		_, _ = writer.Write([]byte{userPassVersion, userPassFailure})
		return nil, err
	}
	if _, err := writer.Write([]byte{userPassVersion, userPassSuccess}); err != nil {
		return nil, err
	}
	return &socks5.AuthContext{Method: socks5.UserPassAuth, Payload: map[string]string{
		"Username": string(user),
		"Password": string(pass),
	}}, nil
}

// socksRules admits CONNECT only and carries the directive into Dial.
type socksRules struct{}

func (socksRules) Allow(ctx context.Context, req *socks5.Request) (context.Context, bool) {
	if req.Command != socks5.ConnectCommand || req.AuthContext == nil {
		return ctx, false
	}
	d, err := targeting.FromUserPassword(req.AuthContext.Payload["Username"], req.AuthContext.Payload["Password"])
	if err != nil {
		return ctx, false
	}
	return context.WithValue(ctx, directiveKey{}, d), true
}

// nodeResolver leaves names unresolved so the node does the DNS lookup from
// its own network.
type nodeResolver struct{}

func (nodeResolver) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	return ctx, nil, nil
}

// newSocksServer builds the SOCKS5 ingress: every CONNECT becomes a tunnel
// stream through a selected node.
func (s *ProxyServer) newSocksServer() (*socks5.Server, error) {
	return socks5.New(&socks5.Config{
		AuthMethods: []socks5.Authenticator{&socksAuthenticator{keys: s.keys, timeout: s.cfg.GetRequestTimeout()}},
		Resolver:    nodeResolver{},
		Rules:       socksRules{},
		Logger:      logging.StdLogger("socks"),
		Dial:        s.dialThroughNode,
	})
}

// ServeSocks accepts SOCKS5 clients on ln until ctx is done.
func (s *ProxyServer) ServeSocks(ctx context.Context, ln net.Listener) error {
	server, err := s.newSocksServer()
	if err != nil {
		return err
	}
	logging.Logf("[listen] socks5 addr=%s", ln.Addr())
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
			logging.Logf("[socks] Error accepting connection: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		go func() {
			if err := server.ServeConn(conn); err != nil {
				logging.Debugf("[socks] connection ended remote=%s err=%v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// dialThroughNode is the go-socks5 dialer: route, then open a tunnel stream.
func (s *ProxyServer) dialThroughNode(ctx context.Context, network, addr string) (net.Conn, error) {
	d, ok := ctx.Value(directiveKey{}).(targeting.Directive)
	if !ok {
		return nil, errors.New("socks5 request without credentials")
	}
	host, port, err := proxy.SplitTarget(addr, "")
	if err != nil {
		s.collector.RecordProxyError(socksIngress, "bad_target")
		return nil, err
	}

	sel, err := s.route(ctx, d, types.ProtocolSOCKS5)
	if err != nil {
		_, reason := statusForError(err)
		s.collector.RecordProxyError(socksIngress, reason)
		logging.Logf("[socks] route failed target=%s reason=%s err=%v", addr, reason, err)
		return nil, err
	}

	s.collector.RecordDispatch("tunnel")
	stream, err := s.tunnels.Open(ctx, sel.Node.ID, sel.Conn, host, port, s.cfg.GetRequestTimeout())
	if err != nil {
		s.registry.Release(sel.Node.ID)
		_, reason := statusForError(err)
		s.collector.RecordProxyError(socksIngress, reason)
		logging.Logf("[socks] tunnel failed node=%s target=%s reason=%s err=%v", sel.Node.ID, addr, reason, err)
		return nil, err
	}

	s.collector.IncActive(socksIngress)
	logging.Debugf("[socks] tunnel open node=%s target=%s session=%s stream=%s", sel.Node.ID, addr, sel.SessionID, stream.ID())
	start := time.Now()
	return &socksStream{Stream: stream, release: func() {
		s.registry.Release(sel.Node.ID)
		s.collector.DecActive(socksIngress, stream.BytesOut(), stream.BytesIn())
		logging.Logf("[socks] closed node=%s target=%s session=%s bytes_tx=%d bytes_rx=%d duration=%s",
			sel.Node.ID, addr, sel.SessionID, stream.BytesOut(), stream.BytesIn(), time.Since(start).Truncate(time.Millisecond))
	}}, nil
}

// socksStream returns the node slot when go-socks5 closes the target.
type socksStream struct {
	*tunnel.Stream
	once    sync.Once
	release func()
}

func (c *socksStream) Close() error {
	err := c.Stream.Close()
	c.once.Do(c.release)
	return err
}

// LocalAddr reports an unspecified TCP address; go-socks5 puts it in the
// CONNECT reply and requires a *net.TCPAddr.
func (c *socksStream) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4zero, Port: 0}
}
