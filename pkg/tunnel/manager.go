// Package tunnel multiplexes CONNECT-style byte streams over node
// connections. The gateway opens streams toward a node; the node accepts them
// and pipes them to the real target. Both ends use the same Stream type.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/resi-gateway/pkg/correlator"
	"github.com/resi-gateway/pkg/logging"
	"github.com/resi-gateway/pkg/protocol"
	"github.com/resi-gateway/pkg/transport"
)

var (
	ErrRemoteClosed = errors.New("tunnel closed by peer")
	ErrExpired      = errors.New("tunnel expired")
)

// Manager owns the streams of every node connection on one side.
type Manager struct {
	corr    *correlator.Correlator
	streams sync.Map // id -> *Stream

	mu     sync.Mutex
	active int
	now    func() time.Time

	// OnStreamClosed observes every stream once it is torn down.
	OnStreamClosed func(s *Stream)
}

// NewManager returns a manager. corr is required for Open and may be nil on
// the node side, which only accepts streams.
func NewManager(corr *correlator.Correlator) *Manager {
	return &Manager{corr: corr, now: time.Now}
}

func (m *Manager) track(s *Stream) {
	s.now = m.now
	s.created = m.now()
	s.touch()
	m.streams.Store(s.id, s)
	m.mu.Lock()
	m.active++
	m.mu.Unlock()
}

func (m *Manager) untrack(s *Stream) {
	if _, ok := m.streams.LoadAndDelete(s.id); !ok {
		return
	}
	m.mu.Lock()
	m.active--
	m.mu.Unlock()
	if m.OnStreamClosed != nil {
		m.OnStreamClosed(s)
	}
}

// Open asks nodeID to dial host:port and returns the stream once the node
// reports tunnel_ready. The stream is registered before tunnel_open goes out
// so early frames are buffered rather than dropped.
func (m *Manager) Open(ctx context.Context, nodeID string, conn transport.Conn, host, port string, timeout time.Duration) (*Stream, error) {
	if m.corr == nil {
		return nil, errors.New("tunnel manager cannot open streams without a correlator")
	}
	id := uuid.NewString()
	s := newStream(id, nodeID, net.JoinHostPort(host, port), conn, m.untrack)
	m.track(s)

	call := m.corr.Open(nodeID, conn, protocol.TunnelOpen{RequestID: id, Host: host, Port: port}, timeout)
	res := call.Wait(ctx)
	if res.Err != nil {
		// The correlator already told the node on cancel; other failures
		// get an explicit close so the node does not keep a half-open dial.
		_ = s.close(!errors.Is(res.Err, correlator.ErrCanceled), "")
		return nil, fmt.Errorf("open tunnel to %s:%s via %s: %w", host, port, nodeID, res.Err)
	}
	return s, nil
}

// Accept registers a stream requested by the far side (node side of tunnel_open).
func (m *Manager) Accept(nodeID string, conn transport.Conn, id, target string) *Stream {
	s := newStream(id, nodeID, target, conn, m.untrack)
	m.track(s)
	return s
}

// HandleFrame routes a binary frame to its stream. Frames for unknown streams
// are protocol errors and are dropped.
func (m *Manager) HandleFrame(id string, payload []byte, eof bool) {
	v, ok := m.streams.Load(id)
	if !ok {
		logging.Debugf("[tunnel] protocol error: frame for unknown stream id=%s bytes=%d", id, len(payload))
		return
	}
	v.(*Stream).push(payload, eof)
}

// HandleClose ends a stream the far side closed.
func (m *Manager) HandleClose(msg protocol.TunnelClose) {
	v, ok := m.streams.Load(msg.RequestID)
	if !ok {
		return
	}
	s := v.(*Stream)
	err := ErrRemoteClosed
	if msg.Error != "" {
		err = fmt.Errorf("%w: %s", ErrRemoteClosed, msg.Error)
	}
	s.fail(err)
	_ = s.close(false, "")
}

// CloseNode fails every stream of nodeID, used when its connection drops.
func (m *Manager) CloseNode(nodeID string) int {
	n := 0
	m.streams.Range(func(_, v interface{}) bool {
		s := v.(*Stream)
		if s.nodeID == nodeID {
			s.fail(fmt.Errorf("%w: node %s disconnected", ErrRemoteClosed, nodeID))
			_ = s.close(false, "")
			n++
		}
		return true
	})
	return n
}

// CloseConn fails every stream carried by conn. Streams of a node that has
// since reconnected are matched by their connection, not the node id.
func (m *Manager) CloseConn(conn transport.Conn) int {
	n := 0
	m.streams.Range(func(_, v interface{}) bool {
		s := v.(*Stream)
		if s.conn == conn {
			s.fail(fmt.Errorf("%w: connection of node %s closed", ErrRemoteClosed, s.nodeID))
			_ = s.close(false, "")
			n++
		}
		return true
	})
	return n
}

// Reap closes streams idle for longer than idle or open for longer than
// maxAge and tells the far side. A zero limit is not enforced.
func (m *Manager) Reap(idle, maxAge time.Duration) int {
	now := m.now()
	n := 0
	m.streams.Range(func(_, v interface{}) bool {
		s := v.(*Stream)
		var reason string
		switch {
		case maxAge > 0 && now.Sub(s.created) > maxAge:
			reason = "max age exceeded"
		case idle > 0 && now.Sub(s.LastActive()) > idle:
			reason = "idle timeout"
		default:
			return true
		}
		logging.Logf("[tunnel] expired id=%s node=%s target=%s reason=%q in=%d out=%d", s.id, s.nodeID, s.remote, reason, s.BytesIn(), s.BytesOut())
		s.fail(fmt.Errorf("%w: %s", ErrExpired, reason))
		_ = s.close(true, reason)
		n++
		return true
	})
	return n
}

// Run reaps expired streams every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval, idle, maxAge time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Reap(idle, maxAge); n > 0 {
				logging.Debugf("[tunnel] reaped=%d active=%d", n, m.Active())
			}
		}
	}
}

// Active returns the number of open streams.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func sendClose(conn transport.Conn, id, reason string) {
	msg, err := protocol.Encode(protocol.MsgTunnelClose, protocol.TunnelClose{RequestID: id, Error: reason})
	if err != nil {
		return
	}
	if err := conn.Send(msg); err != nil {
		logging.Debugf("[tunnel] close not delivered id=%s err=%v", id, err)
	}
}

// Reject tells the far side a requested stream could not be opened.
func Reject(conn transport.Conn, id string, cause error) {
	sendClose(conn, id, cause.Error())
}

// Ready acknowledges a tunnel_open.
func Ready(conn transport.Conn, id string) error {
	msg, err := protocol.Encode(protocol.MsgTunnelReady, protocol.TunnelReady{RequestID: id})
	if err != nil {
		return err
	}
	return conn.Send(msg)
}
