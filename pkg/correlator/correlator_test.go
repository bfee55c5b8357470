package correlator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/resi-gateway/pkg/protocol"
)

type recordConn struct {
	mu   sync.Mutex
	sent []*protocol.Message
	err  error
}

func (c *recordConn) Send(msg *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, msg)
	return nil
}
func (c *recordConn) SendFrame(string, []byte, bool) error { return nil }
func (c *recordConn) Close() error                         { return nil }
func (c *recordConn) RemoteAddr() string                   { return "test" }

func (c *recordConn) last() *protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

func TestDispatchSendsRequest(t *testing.T) {
	c := New(time.Second)
	conn := &recordConn{}
	call := c.Dispatch("node-1", conn, protocol.ProxyRequest{Method: "GET", URL: "http://example.test/"}, 5*time.Second)

	if call.ID == "" {
		t.Fatalf("expected request id to be assigned")
	}
	msg := conn.last()
	if msg == nil || msg.Type != protocol.MsgProxyRequest {
		t.Fatalf("expected proxy_request on the wire, got %+v", msg)
	}
	var req protocol.ProxyRequest
	if err := msg.Decode(&req); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if req.RequestID != call.ID || req.TimeoutMs != 5000 {
		t.Fatalf("unexpected descriptor: %+v", req)
	}
	if c.Pending() != 1 {
		t.Fatalf("expected one pending call, got %d", c.Pending())
	}

	other := c.Dispatch("node-1", conn, protocol.ProxyRequest{Method: "GET", URL: "http://example.test/"}, 0)
	if other.ID == call.ID {
		t.Fatalf("expected request ids to be unique")
	}
	if got := other.Deadline.Sub(other.Sent); got != time.Second {
		t.Fatalf("expected default timeout, got %s", got)
	}
}

func TestExactlyOnceCompletion(t *testing.T) {
	c := New(time.Second)
	var notified atomic.Int32
	c.OnComplete = func(*Call, string) { notified.Add(1) }

	call := c.Dispatch("node-1", &recordConn{}, protocol.ProxyRequest{Method: "GET", URL: "http://a/"}, 0)
	if !c.Resolve(&protocol.ProxyResponse{RequestID: call.ID, StatusCode: 200}) {
		t.Fatalf("expected first resolve to take effect")
	}
	if c.Resolve(&protocol.ProxyResponse{RequestID: call.ID, StatusCode: 500}) {
		t.Fatalf("expected duplicate resolve to be a no-op")
	}
	if c.Reject(call.ID, errors.New("late")) {
		t.Fatalf("expected late reject to be a no-op")
	}
	c.now = func() time.Time { return time.Now().Add(time.Hour) }
	if n := c.ExpireOverdue(); n != 0 {
		t.Fatalf("expected nothing to expire, got %d", n)
	}

	res := <-call.Done()
	if res.Err != nil || res.Response.StatusCode != 200 {
		t.Fatalf("expected the first response, got %+v", res)
	}
	select {
	case extra := <-call.Done():
		t.Fatalf("unexpected second result %+v", extra)
	default:
	}
	if notified.Load() != 1 {
		t.Fatalf("expected one notification, got %d", notified.Load())
	}
	if c.Pending() != 0 {
		t.Fatalf("expected empty table, got %d", c.Pending())
	}
}

func TestConcurrentCompletionSingleWinner(t *testing.T) {
	c := New(time.Second)
	call := c.Dispatch("node-1", &recordConn{}, protocol.ProxyRequest{Method: "GET", URL: "http://a/"}, 0)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(code int) {
			defer wg.Done()
			if c.Resolve(&protocol.ProxyResponse{RequestID: call.ID, StatusCode: code}) {
				wins.Add(1)
			}
		}(200 + i)
		go func() {
			defer wg.Done()
			if c.Reject(call.ID, errors.New("boom")) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one completion, got %d", wins.Load())
	}
}

func TestExpireOverdue(t *testing.T) {
	c := New(time.Second)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	short := c.Dispatch("node-1", &recordConn{}, protocol.ProxyRequest{Method: "GET", URL: "http://a/"}, time.Second)
	long := c.Dispatch("node-1", &recordConn{}, protocol.ProxyRequest{Method: "GET", URL: "http://b/"}, time.Minute)

	now = now.Add(2 * time.Second)
	if n := c.ExpireOverdue(); n != 1 {
		t.Fatalf("expected one expiry, got %d", n)
	}
	res := <-short.Done()
	if !errors.Is(res.Err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", res.Err)
	}
	if c.Resolve(&protocol.ProxyResponse{RequestID: short.ID, StatusCode: 200}) {
		t.Fatalf("expected late response to be dropped")
	}
	if c.Pending() != 1 {
		t.Fatalf("expected the long call to remain, got %d", c.Pending())
	}
	if !c.Resolve(&protocol.ProxyResponse{RequestID: long.ID, StatusCode: 200}) {
		t.Fatalf("expected the long call to resolve")
	}
	if s := c.Stats(); s.Expired != 1 || s.Resolved != 1 || s.Dispatched != 2 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestRejectNode(t *testing.T) {
	c := New(time.Second)
	a1 := c.Dispatch("node-a", &recordConn{}, protocol.ProxyRequest{Method: "GET", URL: "http://a/"}, 0)
	a2 := c.Open("node-a", &recordConn{}, protocol.TunnelOpen{RequestID: "stream-1", Host: "example.test", Port: "443"}, 0)
	b := c.Dispatch("node-b", &recordConn{}, protocol.ProxyRequest{Method: "GET", URL: "http://b/"}, 0)

	if n := c.RejectNode("node-a"); n != 2 {
		t.Fatalf("expected two rejected calls, got %d", n)
	}
	for _, call := range []*Call{a1, a2} {
		if res := <-call.Done(); !errors.Is(res.Err, ErrTransport) {
			t.Fatalf("expected ErrTransport, got %v", res.Err)
		}
	}
	if !c.Resolve(&protocol.ProxyResponse{RequestID: b.ID, StatusCode: 204}) {
		t.Fatalf("expected other node's call untouched")
	}
}

func TestRejectConnLeavesReconnectedNode(t *testing.T) {
	c := New(time.Second)
	old, current := &recordConn{}, &recordConn{}
	stale := c.Dispatch("node-a", old, protocol.ProxyRequest{Method: "GET", URL: "http://a/"}, 0)
	staleTunnel := c.Open("node-a", old, protocol.TunnelOpen{RequestID: "stream-1", Host: "example.test", Port: "443"}, 0)
	live := c.Dispatch("node-a", current, protocol.ProxyRequest{Method: "GET", URL: "http://a/"}, 0)

	if n := c.RejectConn(old); n != 2 {
		t.Fatalf("expected two rejected calls, got %d", n)
	}
	for _, call := range []*Call{stale, staleTunnel} {
		if res := <-call.Done(); !errors.Is(res.Err, ErrTransport) {
			t.Fatalf("expected ErrTransport, got %v", res.Err)
		}
	}
	if c.Pending() != 1 {
		t.Fatalf("expected the call on the new connection to stay pending, got %d", c.Pending())
	}
	if !c.Resolve(&protocol.ProxyResponse{RequestID: live.ID, StatusCode: 200}) {
		t.Fatalf("expected the call on the new connection to resolve")
	}
}

func TestSendFailureRejects(t *testing.T) {
	c := New(time.Second)
	call := c.Dispatch("node-1", &recordConn{err: errors.New("closed")}, protocol.ProxyRequest{Method: "GET", URL: "http://a/"}, 0)
	res := <-call.Done()
	if !errors.Is(res.Err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", res.Err)
	}
	if c.Pending() != 0 {
		t.Fatalf("expected nothing pending")
	}
}

func TestWaitCancelSendsCancel(t *testing.T) {
	c := New(time.Second)
	conn := &recordConn{}
	call := c.Dispatch("node-1", conn, protocol.ProxyRequest{Method: "GET", URL: "http://a/"}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := call.Wait(ctx)
	if !errors.Is(res.Err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", res.Err)
	}
	msg := conn.last()
	if msg == nil || msg.Type != protocol.MsgProxyCancel {
		t.Fatalf("expected proxy_cancel to be sent, got %+v", msg)
	}
	if c.Resolve(&protocol.ProxyResponse{RequestID: call.ID, StatusCode: 200}) {
		t.Fatalf("expected response after cancel to be dropped")
	}
}

func TestTunnelHandshake(t *testing.T) {
	c := New(time.Second)
	conn := &recordConn{}
	call := c.Open("node-1", conn, protocol.TunnelOpen{RequestID: "stream-7", Host: "example.test", Port: "443"}, 0)
	if call.ID != "stream-7" {
		t.Fatalf("expected stream id reused as request id, got %s", call.ID)
	}
	if msg := conn.last(); msg == nil || msg.Type != protocol.MsgTunnelOpen {
		t.Fatalf("expected tunnel_open, got %+v", msg)
	}
	if c.Resolve(&protocol.ProxyResponse{RequestID: "stream-7", StatusCode: 200}) {
		t.Fatalf("expected proxy_response for a tunnel id to be ignored")
	}
	if !c.ResolveTunnel("stream-7") {
		t.Fatalf("expected tunnel_ready to resolve")
	}
	if res := call.Wait(context.Background()); res.Err != nil {
		t.Fatalf("unexpected error %v", res.Err)
	}
}
