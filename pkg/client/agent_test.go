package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/resi-gateway/pkg/config"
	"github.com/resi-gateway/pkg/server"
	"github.com/resi-gateway/pkg/targeting"
	"github.com/resi-gateway/pkg/types"
)

type gatewayHarness struct {
	s         *server.ProxyServer
	proxyAddr string
	wsURL     string
}

func startGateway(t *testing.T, mutate ...func(cfg *config.Config)) *gatewayHarness {
	t.Helper()
	cfg := &config.Config{}
	cfg.Gateway.HeartbeatInterval = 1
	cfg.SetDefaults()
	for _, m := range mutate {
		m(cfg)
	}
	s, err := server.NewProxyServer(cfg)
	if err != nil {
		t.Fatalf("expected gateway, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = s.ServeProxy(ctx, ln) }()
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)

	return &gatewayHarness{
		s:         s,
		proxyAddr: ln.Addr().String(),
		wsURL:     "ws" + strings.TrimPrefix(hs.URL, "http") + "/v1/connect",
	}
}

func startAgent(t *testing.T, gw *gatewayHarness) (*Agent, <-chan error) {
	t.Helper()
	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Node.GatewayURL = gw.wsURL
	cfg.Node.DeviceFingerprint = "agent-test-device"
	cfg.Node.Country = "us"
	cfg.Node.City = "Austin"
	cfg.Node.ReconnectInterval = 1

	a, err := NewAgent(cfg)
	if err != nil {
		t.Fatalf("expected agent, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		done <- a.Run(ctx)
		close(finished)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-finished:
		case <-time.After(5 * time.Second):
		}
	})

	select {
	case id := <-a.Registered():
		if id == "" {
			t.Fatalf("expected node id")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for registration")
	}
	return a, done
}

func TestNewAgentValidation(t *testing.T) {
	cfg := &config.Config{}
	cfg.SetDefaults()
	if _, err := NewAgent(cfg); err == nil {
		t.Fatalf("expected error without gateway url")
	}
	cfg.Node.GatewayURL = "ws://127.0.0.1:1/v1/connect"
	cfg.Node.Protocols = []string{"http", "ftp"}
	if _, err := NewAgent(cfg); err == nil {
		t.Fatalf("expected error for unknown protocol")
	}
	cfg.Node.Protocols = []string{"http"}
	a, err := NewAgent(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.register.DeviceFingerprint == "" {
		t.Fatalf("expected derived fingerprint")
	}
	if a.register.DeviceFingerprint != defaultFingerprint() {
		t.Fatalf("expected stable fingerprint")
	}
}

func TestAgentRegistersWithLocation(t *testing.T) {
	gw := startGateway(t)
	a, _ := startAgent(t, gw)

	cand, ok := gw.s.Registry().Get(a.NodeID())
	if !ok {
		t.Fatalf("expected node in gateway registry")
	}
	if cand.Node.Location.Country != "US" || cand.Node.Location.City != "Austin" {
		t.Fatalf("unexpected location %+v", cand.Node.Location)
	}
	if !cand.Node.Connected || cand.Node.Status != types.StatusAvailable {
		t.Fatalf("expected connected available node, got %+v", cand.Node)
	}
}

func TestAgentServesPlainRequests(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Proxy-Auth", fmt.Sprint(r.Header.Get("Proxy-Authorization") != ""))
		_, _ = fmt.Fprintf(w, "%s %s", r.Method, r.URL.Path)
	}))
	defer target.Close()

	gw := startGateway(t)
	a, _ := startAgent(t, gw)

	proxyURL := &url.URL{Scheme: "http", Host: gw.proxyAddr, User: url.UserPassword("customer", "testkey-country-US")}
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}, Timeout: 10 * time.Second}
	resp, err := client.Get(target.URL + "/hello")
	if err != nil {
		t.Fatalf("GET through gateway: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "GET /hello" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Seen-Proxy-Auth") != "false" {
		t.Fatalf("expected proxy credentials to stay at the gateway")
	}

	// The next heartbeat carries the request counter.
	deadline := time.Now().Add(5 * time.Second)
	for {
		cand, _ := gw.s.Registry().Get(a.NodeID())
		if cand.Node.Requests >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected heartbeat stats to reach the gateway")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestAgentServesConnectTunnels(t *testing.T) {
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer echo.Close()
	go func() {
		for {
			c, err := echo.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()

	gw := startGateway(t)
	startAgent(t, gw)

	conn, err := net.Dial("tcp", gw.proxyAddr)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	target := echo.Addr().String()
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\nProxy-Authorization: %s\r\n\r\n", target, target, targeting.BasicAuth("customer", "testkey"))

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("read CONNECT response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	for i := 0; i < 3; i++ {
		msg := fmt.Sprintf("round %d", i)
		if _, err := io.WriteString(conn, msg); err != nil {
			t.Fatalf("write: %v", err)
		}
		got := make([]byte, len(msg))
		if _, err := io.ReadFull(br, got); err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(got) != msg {
			t.Fatalf("expected %q, got %q", msg, got)
		}
	}
}

func TestAgentStopsWhenBlacklisted(t *testing.T) {
	gw := startGateway(t)
	a, done := startAgent(t, gw)

	if err := gw.s.Registry().Blacklist(a.NodeID()); err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrBlacklisted) {
			t.Fatalf("expected ErrBlacklisted, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("expected agent to stop after blacklisting")
	}
}

func TestAgentStopsOnRejectedVersion(t *testing.T) {
	gw := startGateway(t, func(cfg *config.Config) {
		cfg.Gateway.MinNodeVersion = "1.0.62"
	})
	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Node.GatewayURL = gw.wsURL
	cfg.Node.DeviceFingerprint = "old-device"
	cfg.Node.Country = "us"
	cfg.Node.ReconnectInterval = 1

	a, err := NewAgent(cfg)
	if err != nil {
		t.Fatalf("expected agent, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrUnsupportedVersion) {
			t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("expected agent to stop when its version is refused")
	}
	if a.NodeID() != "" {
		t.Fatalf("expected no node id, got %s", a.NodeID())
	}
}
