package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/resi-gateway/pkg/logging"
	"github.com/resi-gateway/pkg/protocol"
)

// Options websocket connection tuning
type Options struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

// DefaultOptions returns the keepalive settings used by both sides.
func DefaultOptions() Options {
	return Options{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   20 * time.Second,
		MaxMessageSize: 16 << 20,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.PongWait <= 0 || o.PongWait <= o.PingInterval {
		o.PongWait = 3 * o.PingInterval
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	return o
}

// WSConn is a Conn over a gorilla websocket. Writes are serialized; reads
// happen only inside Serve.
type WSConn struct {
	ws   *websocket.Conn
	opts Options

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func NewWSConn(ws *websocket.Conn, opts Options) *WSConn {
	return &WSConn{ws: ws, opts: opts.withDefaults(), done: make(chan struct{})}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 << 10,
	WriteBufferSize: 32 << 10,
	// Nodes are not browsers; origin checks do not apply.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Upgrade accepts an inbound node connection.
func Upgrade(w http.ResponseWriter, r *http.Request, opts Options) (*WSConn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWSConn(ws, opts), nil
}

// Dial connects to the gateway control endpoint.
func Dial(ctx context.Context, url string, header http.Header, opts Options) (*WSConn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 15 * time.Second,
		ReadBufferSize:   32 << 10,
		WriteBufferSize:  32 << 10,
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, fmt.Errorf("dial %s (status=%d): %w", url, status, err)
	}
	return NewWSConn(ws, opts), nil
}

func (c *WSConn) Send(msg *protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return ErrClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	return c.ws.WriteJSON(msg)
}

func (c *WSConn) SendFrame(streamID string, payload []byte, eof bool) error {
	frame, err := protocol.EncodeFrame(streamID, payload, eof)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return ErrClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// Done is closed once the connection is closed.
func (c *WSConn) Done() <-chan struct{} {
	return c.done
}

func (c *WSConn) RemoteAddr() string {
	if c.ws == nil || c.ws.RemoteAddr() == nil {
		return ""
	}
	return c.ws.RemoteAddr().String()
}

func (c *WSConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Serve runs the read loop until the connection fails or is closed, then
// calls h.OnClose. Malformed messages are logged and skipped.
func (c *WSConn) Serve(h Handler) error {
	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	go c.pingLoop()

	var err error
	for {
		var (
			mt   int
			data []byte
		)
		mt, data, err = c.ws.ReadMessage()
		if err != nil {
			break
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		switch mt {
		case websocket.TextMessage:
			var msg protocol.Message
			if uerr := json.Unmarshal(data, &msg); uerr != nil || msg.Type == "" {
				logging.Warnf("[transport] protocol error: bad envelope remote=%s err=%v", c.RemoteAddr(), uerr)
				continue
			}
			if h.OnMessage != nil {
				c.dispatch("message "+msg.Type, func() { h.OnMessage(&msg) })
			}
		case websocket.BinaryMessage:
			id, payload, eof, ferr := protocol.DecodeFrame(data)
			if ferr != nil {
				logging.Warnf("[transport] protocol error remote=%s err=%v", c.RemoteAddr(), ferr)
				continue
			}
			if h.OnFrame != nil {
				c.dispatch("frame", func() { h.OnFrame(id, payload, eof) })
			}
		}
	}

	if c.isClosed() {
		err = ErrClosed
	}
	_ = c.Close()
	if h.OnClose != nil {
		h.OnClose(err)
	}
	return err
}

// dispatch keeps a panicking handler from taking down the read loop.
func (c *WSConn) dispatch(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("[transport] handler panic on %s remote=%s: %v", what, c.RemoteAddr(), r)
		}
	}()
	fn()
}

func (c *WSConn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait)); err != nil {
				logging.Debugf("[transport] ping failed remote=%s err=%v", c.RemoteAddr(), err)
				_ = c.Close()
				return
			}
		}
	}
}
