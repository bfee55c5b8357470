// Package correlator tracks every request dispatched to a node until exactly
// one of response, node error, cancellation or deadline completes it.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/resi-gateway/pkg/logging"
	"github.com/resi-gateway/pkg/protocol"
	"github.com/resi-gateway/pkg/transport"
)

const DefaultTimeout = 30 * time.Second

var (
	ErrTimeout   = errors.New("request timed out")
	ErrTransport = errors.New("node transport error")
	ErrCanceled  = errors.New("request canceled")
	// ErrNodeError wraps a failure the node reported through proxy_error.
	ErrNodeError = errors.New("node reported error")
)

// Kind tells what a pending call waits for.
type Kind string

const (
	KindRequest Kind = "request"
	KindTunnel  Kind = "tunnel"
)

// Result is the single completion of a Call. Exactly one of Response and Err
// is set; tunnel calls complete with neither on success.
type Result struct {
	Response *protocol.ProxyResponse
	Err      error
}

// Call is one pending dispatch.
type Call struct {
	ID       string
	NodeID   string
	Kind     Kind
	Method   string
	URL      string
	Deadline time.Time
	Sent     time.Time

	conn transport.Conn
	done chan Result
	c    *Correlator
}

// Done delivers the result exactly once.
func (call *Call) Done() <-chan Result {
	return call.done
}

// Wait blocks until the call completes or ctx is done. Cancellation rejects
// the call with ErrCanceled and tells the node to abandon it.
func (call *Call) Wait(ctx context.Context) Result {
	select {
	case res := <-call.done:
		return res
	case <-ctx.Done():
		if call.c.complete(call.ID, Result{Err: fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())}) {
			call.c.sendCancel(call)
		}
		return <-call.done
	}
}

// Stats counters since start
type Stats struct {
	Dispatched int64
	Resolved   int64
	Rejected   int64
	Expired    int64
	Canceled   int64
}

// Correlator is safe for concurrent use. The pending table is a sync.Map so
// unrelated nodes never share a lock on the hot path.
type Correlator struct {
	pending sync.Map // id -> *Call
	count   atomic.Int64

	now     func() time.Time
	newID   func() string
	timeout time.Duration

	dispatched, resolved, rejected, expired, canceled atomic.Int64

	// OnComplete observes every completion with its Outcome.
	OnComplete func(call *Call, outcome string)
}

func New(defaultTimeout time.Duration) *Correlator {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Correlator{
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
		timeout: defaultTimeout,
	}
}

func (c *Correlator) register(id, nodeID string, conn transport.Conn, kind Kind, timeout time.Duration) *Call {
	if timeout <= 0 {
		timeout = c.timeout
	}
	if id == "" {
		id = c.newID()
	}
	now := c.now()
	call := &Call{
		ID:       id,
		NodeID:   nodeID,
		Kind:     kind,
		Deadline: now.Add(timeout),
		Sent:     now,
		conn:     conn,
		done:     make(chan Result, 1),
		c:        c,
	}
	c.pending.Store(call.ID, call)
	c.count.Add(1)
	c.dispatched.Add(1)
	return call
}

// Dispatch assigns a fresh request id, records the call and sends the request
// to the node. It does not wait for the response; a send failure completes
// the call with ErrTransport.
func (c *Correlator) Dispatch(nodeID string, conn transport.Conn, req protocol.ProxyRequest, timeout time.Duration) *Call {
	call := c.register("", nodeID, conn, KindRequest, timeout)
	call.Method, call.URL = req.Method, req.URL
	req.RequestID = call.ID
	req.TimeoutMs = call.Deadline.Sub(call.Sent).Milliseconds()
	c.send(call, protocol.MsgProxyRequest, req)
	return call
}

// Open starts a tunnel handshake; the call resolves on tunnel_ready.
// A non-empty id is used as the request id so it can double as a stream id.
func (c *Correlator) Open(nodeID string, conn transport.Conn, open protocol.TunnelOpen, timeout time.Duration) *Call {
	call := c.register(open.RequestID, nodeID, conn, KindTunnel, timeout)
	call.Method, call.URL = "CONNECT", open.Host+":"+open.Port
	open.RequestID = call.ID
	c.send(call, protocol.MsgTunnelOpen, open)
	return call
}

func (c *Correlator) send(call *Call, msgType string, payload interface{}) {
	msg, err := protocol.Encode(msgType, payload)
	if err == nil {
		err = call.conn.Send(msg)
	}
	if err != nil {
		c.complete(call.ID, Result{Err: fmt.Errorf("%w: send %s to %s: %v", ErrTransport, msgType, call.NodeID, err)})
	}
}

// Resolve completes id with a response. Unknown or already completed ids are
// ignored; the return value reports whether this call took effect.
func (c *Correlator) Resolve(resp *protocol.ProxyResponse) bool {
	if resp == nil {
		return false
	}
	if !c.isKind(resp.RequestID, KindRequest) {
		return false
	}
	return c.complete(resp.RequestID, Result{Response: resp})
}

// ResolveTunnel completes a tunnel handshake.
func (c *Correlator) ResolveTunnel(id string) bool {
	if !c.isKind(id, KindTunnel) {
		return false
	}
	return c.complete(id, Result{})
}

func (c *Correlator) isKind(id string, kind Kind) bool {
	v, ok := c.pending.Load(id)
	return ok && v.(*Call).Kind == kind
}

// Reject completes id with err.
func (c *Correlator) Reject(id string, err error) bool {
	if err == nil {
		err = ErrNodeError
	}
	return c.complete(id, Result{Err: err})
}

// RejectNode fails every call pending on nodeID, used when its connection drops.
func (c *Correlator) RejectNode(nodeID string) int {
	n := 0
	c.pending.Range(func(_, v interface{}) bool {
		call := v.(*Call)
		if call.NodeID == nodeID {
			if c.complete(call.ID, Result{Err: fmt.Errorf("%w: node %s disconnected", ErrTransport, nodeID)}) {
				n++
			}
		}
		return true
	})
	return n
}

// RejectConn fails every call dispatched over conn. A node that reconnects
// keeps its id, so calls of a superseded connection are matched by conn.
func (c *Correlator) RejectConn(conn transport.Conn) int {
	n := 0
	c.pending.Range(func(_, v interface{}) bool {
		call := v.(*Call)
		if call.conn == conn {
			if c.complete(call.ID, Result{Err: fmt.Errorf("%w: connection of node %s closed", ErrTransport, call.NodeID)}) {
				n++
			}
		}
		return true
	})
	return n
}

// ExpireOverdue rejects every call past its deadline with ErrTimeout.
func (c *Correlator) ExpireOverdue() int {
	now := c.now()
	n := 0
	c.pending.Range(func(_, v interface{}) bool {
		call := v.(*Call)
		if now.After(call.Deadline) {
			if c.complete(call.ID, Result{Err: fmt.Errorf("%w after %s", ErrTimeout, call.Deadline.Sub(call.Sent))}) {
				n++
			}
		}
		return true
	})
	return n
}

// Run sweeps for overdue calls until ctx is done.
func (c *Correlator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.ExpireOverdue(); n > 0 {
				logging.Logf("[correlator] expired=%d pending=%d", n, c.Pending())
			}
		}
	}
}

// Pending returns the number of calls awaiting completion.
func (c *Correlator) Pending() int {
	return int(c.count.Load())
}

func (c *Correlator) Stats() Stats {
	return Stats{
		Dispatched: c.dispatched.Load(),
		Resolved:   c.resolved.Load(),
		Rejected:   c.rejected.Load(),
		Expired:    c.expired.Load(),
		Canceled:   c.canceled.Load(),
	}
}

// complete is the only way a call leaves the table. LoadAndDelete makes the
// first completion win; later ones find nothing and are no-ops.
func (c *Correlator) complete(id string, res Result) bool {
	v, ok := c.pending.LoadAndDelete(id)
	if !ok {
		return false
	}
	c.count.Add(-1)
	call := v.(*Call)
	call.done <- res

	outcome := Outcome(res.Err)
	switch outcome {
	case "ok":
		c.resolved.Add(1)
	case "timeout":
		c.expired.Add(1)
	case "canceled":
		c.canceled.Add(1)
	default:
		c.rejected.Add(1)
	}
	if c.OnComplete != nil {
		c.OnComplete(call, outcome)
	}
	return true
}

func (c *Correlator) sendCancel(call *Call) {
	msgType := protocol.MsgProxyCancel
	var payload interface{} = protocol.ProxyCancel{RequestID: call.ID}
	if call.Kind == KindTunnel {
		msgType = protocol.MsgTunnelClose
		payload = protocol.TunnelClose{RequestID: call.ID, Error: "canceled"}
	}
	msg, err := protocol.Encode(msgType, payload)
	if err != nil {
		return
	}
	if err := call.conn.Send(msg); err != nil {
		logging.Debugf("[correlator] cancel not delivered id=%s node=%s err=%v", call.ID, call.NodeID, err)
	}
}

// Outcome names the completion kind of err for logs and metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "node_error"
	}
}
