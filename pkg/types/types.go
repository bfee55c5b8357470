package types

import (
	"strings"
	"time"
)

// NodeStatus node health status
type NodeStatus string

const (
	StatusAvailable   NodeStatus = "available"
	StatusBusy        NodeStatus = "busy"
	StatusOffline     NodeStatus = "offline"
	StatusBlacklisted NodeStatus = "blacklisted"
)

// Protocol egress protocol a node can serve
type Protocol string

const (
	ProtocolHTTP   Protocol = "http"
	ProtocolHTTPS  Protocol = "https" // CONNECT tunnels
	ProtocolSOCKS5 Protocol = "socks5"
)

// Location is advertised by the node and not verified by the gateway.
type Location struct {
	Country string `json:"country"`
	City    string `json:"city,omitempty"`
	ISP     string `json:"isp,omitempty"`
	ASN     int    `json:"asn,omitempty"`
}

// Normalize returns the location with an upper-case country and trimmed city.
func (l Location) Normalize() Location {
	l.Country = strings.ToUpper(strings.TrimSpace(l.Country))
	l.City = strings.TrimSpace(l.City)
	return l
}

// Capabilities declared by a node
type Capabilities struct {
	Protocols      []Protocol `json:"protocols"`
	MaxConcurrency int        `json:"max_concurrency"`
}

// Supports reports whether p is among the declared protocols.
func (c Capabilities) Supports(p Protocol) bool {
	for _, have := range c.Protocols {
		if have == p {
			return true
		}
	}
	return false
}

// NodeStats health counters reported with each heartbeat
type NodeStats struct {
	InFlight int   `json:"in_flight"`
	Requests int64 `json:"requests"`
	BytesIn  int64 `json:"bytes_in"`
	BytesOut int64 `json:"bytes_out"`
}

// NodeConfig effective config returned to a node so it can self-throttle
type NodeConfig struct {
	MaxConcurrency    int        `json:"max_concurrency"`
	Protocols         []Protocol `json:"protocols"`
	HeartbeatInterval int        `json:"heartbeat_interval"` // seconds
}

// Node is a point-in-time copy of a registry record.
type Node struct {
	ID            string       `json:"id"`
	Fingerprint   string       `json:"fingerprint"`
	Location      Location     `json:"location"`
	Capabilities  Capabilities `json:"capabilities"`
	Version       string       `json:"version,omitempty"`
	Status        NodeStatus   `json:"status"`
	RegisteredAt  time.Time    `json:"registered_at"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	InFlight      int          `json:"in_flight"`
	Requests      int64        `json:"requests"`
	BytesIn       int64        `json:"bytes_in"`
	BytesOut      int64        `json:"bytes_out"`
	Connected     bool         `json:"connected"`
}

// Usable reports whether a node may keep serving an existing session.
func (n Node) Usable() bool {
	return n.Connected && (n.Status == StatusAvailable || n.Status == StatusBusy)
}
