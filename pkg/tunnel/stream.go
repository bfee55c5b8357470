package tunnel

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/resi-gateway/pkg/transport"
)

const (
	// maxFramePayload bounds one binary frame written by a stream.
	maxFramePayload = 32 << 10
	// maxBuffered is how much unread inbound data a stream holds before it
	// gives up; the node connection read loop must never block on a reader.
	maxBuffered = 16 << 20
)

var (
	ErrStreamClosed   = errors.New("tunnel stream closed")
	ErrBufferOverflow = errors.New("tunnel stream buffer overflow")
)

type addr string

func (a addr) Network() string { return "tunnel" }
func (a addr) String() string  { return string(a) }

// Stream is one tunneled byte stream multiplexed over a node connection. It
// implements net.Conn so it can stand in for a dialed TCP connection.
type Stream struct {
	id     string
	nodeID string
	conn   transport.Conn
	local  net.Addr
	remote net.Addr

	mu       sync.Mutex
	buf      bytes.Buffer
	eof      bool
	err      error
	deadline time.Time
	signal   chan struct{}

	closeOnce     sync.Once
	closeWriteOne sync.Once
	closed        chan struct{}
	onClose       func(*Stream)

	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	now        func() time.Time
	created    time.Time
	lastActive atomic.Int64 // unix nanos of the last payload either way
}

func newStream(id, nodeID, target string, conn transport.Conn, onClose func(*Stream)) *Stream {
	return &Stream{
		id:      id,
		nodeID:  nodeID,
		conn:    conn,
		local:   addr("node:" + nodeID),
		remote:  addr(target),
		signal:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
		onClose: onClose,
		now:     time.Now,
	}
}

func (s *Stream) ID() string     { return s.id }
func (s *Stream) NodeID() string { return s.nodeID }

// BytesIn returns payload bytes received from the far side.
func (s *Stream) BytesIn() int64 { return s.bytesIn.Load() }

// BytesOut returns payload bytes written to the far side.
func (s *Stream) BytesOut() int64 { return s.bytesOut.Load() }

// Expired reports whether the stream was closed by the expiry sweep.
func (s *Stream) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Is(s.err, ErrExpired)
}

// Created returns when the stream was registered.
func (s *Stream) Created() time.Time { return s.created }

// LastActive returns when payload last moved in either direction.
func (s *Stream) LastActive() time.Time { return time.Unix(0, s.lastActive.Load()) }

func (s *Stream) touch() { s.lastActive.Store(s.now().UnixNano()) }

func (s *Stream) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// push appends inbound payload; it never blocks.
func (s *Stream) push(payload []byte, eof bool) {
	s.mu.Lock()
	if s.err != nil || s.eof {
		s.mu.Unlock()
		return
	}
	if s.buf.Len()+len(payload) > maxBuffered {
		s.err = ErrBufferOverflow
		s.mu.Unlock()
		s.notify()
		_ = s.Close()
		return
	}
	s.buf.Write(payload)
	s.bytesIn.Add(int64(len(payload)))
	s.touch()
	if eof {
		s.eof = true
	}
	s.mu.Unlock()
	s.notify()
}

// fail ends the read side with err, typically a remote tunnel_close.
func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Stream) Read(p []byte) (int, error) {
	for {
		s.mu.Lock()
		if s.buf.Len() > 0 {
			n, _ := s.buf.Read(p)
			s.mu.Unlock()
			return n, nil
		}
		if s.eof {
			s.mu.Unlock()
			return 0, io.EOF
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return 0, err
		}
		deadline := s.deadline
		s.mu.Unlock()

		var (
			timer   *time.Timer
			timeout <-chan time.Time
		)
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return 0, os.ErrDeadlineExceeded
			}
			timer = time.NewTimer(d)
			timeout = timer.C
		}
		expired := false
		select {
		case <-s.signal:
		case <-s.closed:
			s.mu.Lock()
			if s.buf.Len() == 0 && !s.eof && s.err == nil {
				s.err = ErrStreamClosed
			}
			s.mu.Unlock()
		case <-timeout:
			expired = true
		}
		if timer != nil {
			timer.Stop()
		}
		if expired {
			return 0, os.ErrDeadlineExceeded
		}
	}
}

func (s *Stream) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		select {
		case <-s.closed:
			return written, ErrStreamClosed
		default:
		}
		end := written + maxFramePayload
		if end > len(p) {
			end = len(p)
		}
		if err := s.conn.SendFrame(s.id, p[written:end], false); err != nil {
			return written, fmt.Errorf("tunnel %s write: %w", s.id, err)
		}
		s.bytesOut.Add(int64(end - written))
		s.touch()
		written = end
	}
	return written, nil
}

// CloseWrite signals EOF to the far side while keeping the read side open.
func (s *Stream) CloseWrite() error {
	var err error
	s.closeWriteOne.Do(func() {
		select {
		case <-s.closed:
			err = ErrStreamClosed
			return
		default:
		}
		err = s.conn.SendFrame(s.id, nil, true)
	})
	return err
}

// Close tears the stream down and tells the far side with tunnel_close.
func (s *Stream) Close() error {
	return s.close(true, "")
}

func (s *Stream) close(notifyPeer bool, reason string) error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if notifyPeer {
			sendClose(s.conn, s.id, reason)
		}
		if s.onClose != nil {
			s.onClose(s)
		}
	})
	return nil
}

// Done is closed when the stream is closed.
func (s *Stream) Done() <-chan struct{} { return s.closed }

func (s *Stream) LocalAddr() net.Addr  { return s.local }
func (s *Stream) RemoteAddr() net.Addr { return s.remote }

func (s *Stream) SetDeadline(t time.Time) error {
	return s.SetReadDeadline(t)
}

func (s *Stream) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.deadline = t
	s.mu.Unlock()
	s.notify()
	return nil
}

// SetWriteDeadline is a no-op; writes are bounded by the connection's write wait.
func (s *Stream) SetWriteDeadline(time.Time) error { return nil }
