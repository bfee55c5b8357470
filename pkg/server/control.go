package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/resi-gateway/pkg/correlator"
	"github.com/resi-gateway/pkg/logging"
	"github.com/resi-gateway/pkg/protocol"
	"github.com/resi-gateway/pkg/registry"
	"github.com/resi-gateway/pkg/transport"
)

// controlSession is the gateway side of one node control connection.
type controlSession struct {
	s      *ProxyServer
	conn   *transport.WSConn
	remote string

	mu      sync.Mutex
	nodeID  string
	country string
}

func (cs *controlSession) registered() (nodeID, country string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.nodeID, cs.country
}

// serveControl runs a node control connection until it closes. The first
// message must be register and has to arrive within the registration timeout.
func (s *ProxyServer) serveControl(conn *transport.WSConn) {
	cs := &controlSession{s: s, conn: conn, remote: conn.RemoteAddr()}
	logging.Debugf("[control] connection opened remote=%s", cs.remote)

	regTimeout := s.cfg.GetRegistrationTimeout()
	timer := time.AfterFunc(regTimeout, func() {
		if id, _ := cs.registered(); id == "" {
			logging.Logf("[control] no register within %s, closing remote=%s", regTimeout, cs.remote)
			_ = conn.Close()
		}
	})
	defer timer.Stop()

	_ = conn.Serve(transport.Handler{
		OnMessage: cs.onMessage,
		OnFrame:   cs.onFrame,
		OnClose:   cs.onClose,
	})
}

func (cs *controlSession) onMessage(msg *protocol.Message) {
	nodeID, _ := cs.registered()
	if nodeID == "" && msg.Type != protocol.MsgRegister {
		logging.Logf("[control] protocol error: %s before register remote=%s", msg.Type, cs.remote)
		cs.sendError(protocol.CodeUnauthorized, "register first")
		_ = cs.conn.Close()
		return
	}

	switch msg.Type {
	case protocol.MsgRegister:
		cs.handleRegister(msg)
	case protocol.MsgHeartbeat:
		cs.handleHeartbeat(msg, nodeID)
	case protocol.MsgCapabilities:
		cs.handleCapabilities(msg, nodeID)
	case protocol.MsgProxyResponse:
		var resp protocol.ProxyResponse
		if err := msg.Decode(&resp); err != nil {
			logging.Logf("[control] protocol error node=%s err=%v", nodeID, err)
			return
		}
		if !cs.s.corr.Resolve(&resp) {
			logging.Debugf("[control] late or unknown response node=%s id=%s status=%d", nodeID, resp.RequestID, resp.StatusCode)
		}
	case protocol.MsgProxyError:
		var pe protocol.ProxyError
		if err := msg.Decode(&pe); err != nil {
			logging.Logf("[control] protocol error node=%s err=%v", nodeID, err)
			return
		}
		if !cs.s.corr.Reject(pe.RequestID, fmt.Errorf("%w: %s", correlator.ErrNodeError, pe.Error)) {
			logging.Debugf("[control] late or unknown error node=%s id=%s err=%s", nodeID, pe.RequestID, pe.Error)
		}
	case protocol.MsgTunnelReady:
		var tr protocol.TunnelReady
		if err := msg.Decode(&tr); err != nil {
			logging.Logf("[control] protocol error node=%s err=%v", nodeID, err)
			return
		}
		if !cs.s.corr.ResolveTunnel(tr.RequestID) {
			logging.Debugf("[control] late tunnel_ready node=%s id=%s", nodeID, tr.RequestID)
		}
	case protocol.MsgTunnelClose:
		var tc protocol.TunnelClose
		if err := msg.Decode(&tc); err != nil {
			logging.Logf("[control] protocol error node=%s err=%v", nodeID, err)
			return
		}
		// A close before tunnel_ready is the node refusing the dial.
		reason := tc.Error
		if reason == "" {
			reason = "closed before ready"
		}
		cs.s.corr.Reject(tc.RequestID, fmt.Errorf("%w: %s", correlator.ErrNodeError, reason))
		cs.s.tunnels.HandleClose(tc)
	case protocol.MsgPing:
		if err := cs.conn.Send(protocol.MustEncode(protocol.MsgPong, nil)); err != nil {
			logging.Debugf("[control] pong failed node=%s err=%v", nodeID, err)
		}
	case protocol.MsgPong:
	default:
		logging.Logf("[control] protocol error: unknown message type=%q node=%s", msg.Type, nodeID)
	}
}

func (cs *controlSession) onFrame(streamID string, payload []byte, eof bool) {
	if id, _ := cs.registered(); id == "" {
		logging.Logf("[control] protocol error: frame before register remote=%s", cs.remote)
		return
	}
	cs.s.tunnels.HandleFrame(streamID, payload, eof)
}

func (cs *controlSession) handleRegister(msg *protocol.Message) {
	var reg protocol.Register
	if err := msg.Decode(&reg); err != nil {
		logging.Logf("[control] protocol error: bad register remote=%s err=%v", cs.remote, err)
		cs.sendError(protocol.CodeBadRequest, err.Error())
		_ = cs.conn.Close()
		return
	}

	s := cs.s
	if ok, wait := s.reconnects.Allow(reg.DeviceFingerprint); !ok {
		retryAfter := int((wait + time.Second - 1) / time.Second)
		s.collector.RecordNodeCooldown()
		logging.Warnf("[control] reconnecting too often fingerprint=%s remote=%s retry_after=%ds", reg.DeviceFingerprint, cs.remote, retryAfter)
		cs.send(protocol.ErrorPayload{Code: protocol.CodeCooldown, Message: "too many reconnects", RetryAfter: retryAfter})
		_ = cs.conn.Close()
		return
	}
	nodeID, token, err := s.registry.Register(reg.DeviceFingerprint, reg.Version, reg.Capabilities, reg.Location)
	if err != nil {
		code := protocol.CodeBadRequest
		switch {
		case errors.Is(err, registry.ErrBlacklisted):
			code = protocol.CodeBlacklisted
		case errors.Is(err, registry.ErrUnsupportedVersion):
			code = protocol.CodeUnsupportedVersion
		}
		logging.Logf("[registry] register rejected fingerprint=%s remote=%s err=%v", reg.DeviceFingerprint, cs.remote, err)
		cs.sendError(code, err.Error())
		_ = cs.conn.Close()
		return
	}

	prev, _ := cs.registered()
	if _, alive := s.registry.Get(prev); prev != "" && prev != nodeID && alive {
		// One connection carries one node; a pruned node may come back under a new id.
		logging.Logf("[control] protocol error: connection of node=%s registered as node=%s", prev, nodeID)
		cs.sendError(protocol.CodeBadRequest, "connection already registered to another node")
		_ = cs.conn.Close()
		return
	}
	if err := s.registry.Attach(nodeID, cs.conn); err != nil {
		cs.sendError(protocol.CodeNotFound, err.Error())
		_ = cs.conn.Close()
		return
	}

	country := reg.Location.Normalize().Country
	cs.mu.Lock()
	cs.nodeID = nodeID
	cs.country = country
	cs.mu.Unlock()

	cfg, err := s.registry.NodeConfig(nodeID)
	if err != nil {
		cs.sendError(protocol.CodeNotFound, err.Error())
		_ = cs.conn.Close()
		return
	}
	ack := protocol.RegisterAck{NodeID: nodeID, AuthToken: token, Config: cfg}
	if err := cs.conn.Send(protocol.MustEncode(protocol.MsgRegisterAck, ack)); err != nil {
		logging.Logf("[control] register ack failed node=%s err=%v", nodeID, err)
		_ = cs.conn.Close()
		return
	}

	s.collector.RecordNodeRegistration(country)
	logging.Logf("[registry] node registered node=%s fingerprint=%s country=%s city=%q protocols=%v max_concurrency=%d version=%s remote=%s",
		nodeID, reg.DeviceFingerprint, country, reg.Location.City, cfg.Protocols, cfg.MaxConcurrency, reg.Version, cs.remote)
}

func (cs *controlSession) handleHeartbeat(msg *protocol.Message, nodeID string) {
	var hb protocol.Heartbeat
	if err := msg.Decode(&hb); err != nil {
		logging.Logf("[control] protocol error: bad heartbeat node=%s err=%v", nodeID, err)
		return
	}
	if hb.NodeID != nodeID {
		cs.sendError(protocol.CodeUnauthorized, "heartbeat for another node")
		return
	}

	cfg, err := cs.s.registry.Heartbeat(hb.NodeID, hb.AuthToken, hb.Stats)
	switch {
	case err == nil:
		if err := cs.conn.Send(protocol.MustEncode(protocol.MsgHeartbeatAck, protocol.HeartbeatAck{Config: cfg})); err != nil {
			logging.Debugf("[control] heartbeat ack failed node=%s err=%v", nodeID, err)
		}
		logging.Debugf("[control] heartbeat node=%s in_flight=%d requests=%d", nodeID, hb.Stats.InFlight, hb.Stats.Requests)
	case errors.Is(err, registry.ErrNotFound):
		logging.Logf("[control] heartbeat for unknown node=%s, asking to re-register", nodeID)
		cs.sendError(protocol.CodeNotFound, err.Error())
	case errors.Is(err, registry.ErrUnauthorized):
		logging.Logf("[control] heartbeat with stale token node=%s", nodeID)
		cs.sendError(protocol.CodeUnauthorized, err.Error())
	case errors.Is(err, registry.ErrBlacklisted):
		cs.sendError(protocol.CodeBlacklisted, err.Error())
		_ = cs.conn.Close()
	default:
		logging.Logf("[control] heartbeat failed node=%s err=%v", nodeID, err)
	}
}

func (cs *controlSession) handleCapabilities(msg *protocol.Message, nodeID string) {
	var update protocol.CapabilitiesUpdate
	if err := msg.Decode(&update); err != nil {
		logging.Logf("[control] protocol error: bad capabilities node=%s err=%v", nodeID, err)
		return
	}
	cfg, err := cs.s.registry.UpdateCapabilities(nodeID, update.Capabilities)
	if err != nil {
		cs.sendError(protocol.CodeNotFound, err.Error())
		return
	}
	logging.Logf("[registry] capabilities updated node=%s protocols=%v max_concurrency=%d", nodeID, cfg.Protocols, cfg.MaxConcurrency)
}

func (cs *controlSession) onClose(err error) {
	nodeID, country := cs.registered()
	if nodeID == "" {
		logging.Debugf("[control] unregistered connection closed remote=%s err=%v", cs.remote, err)
		return
	}
	s := cs.s
	if !s.registry.Detach(nodeID, cs.conn) {
		// The node already reconnected on a newer connection; only the work
		// carried by this one is lost.
		rejected := s.corr.RejectConn(cs.conn)
		streams := s.tunnels.CloseConn(cs.conn)
		logging.Logf("[control] superseded connection closed node=%s remote=%s rejected=%d streams=%d", nodeID, cs.remote, rejected, streams)
		return
	}
	rejected := s.corr.RejectNode(nodeID)
	streams := s.tunnels.CloseNode(nodeID)
	s.collector.RecordNodeDisconnect(country)
	logging.Logf("[registry] node disconnected node=%s remote=%s rejected=%d streams=%d err=%v", nodeID, cs.remote, rejected, streams, err)
}

func (cs *controlSession) sendError(code, message string) {
	cs.send(protocol.ErrorPayload{Code: code, Message: message})
}

func (cs *controlSession) send(e protocol.ErrorPayload) {
	if err := cs.conn.Send(protocol.MustEncode(protocol.MsgError, e)); err != nil {
		logging.Debugf("[control] error reply failed remote=%s code=%s err=%v", cs.remote, e.Code, err)
	}
}
