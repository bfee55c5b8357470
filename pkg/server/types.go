package server

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/resi-gateway/pkg/auth"
	"github.com/resi-gateway/pkg/config"
	"github.com/resi-gateway/pkg/correlator"
	"github.com/resi-gateway/pkg/metrics"
	"github.com/resi-gateway/pkg/registry"
	"github.com/resi-gateway/pkg/selector"
	"github.com/resi-gateway/pkg/session"
	"github.com/resi-gateway/pkg/tunnel"
)

// ProxyServer is the gateway: node control channel, client proxy listeners
// and the admin API share one registry and one correlator.
type ProxyServer struct {
	cfg *config.Config

	registry *registry.Registry
	sessions session.Store
	selector *selector.Selector
	corr     *correlator.Correlator
	tunnels  *tunnel.Manager
	keys     auth.KeyValidator
	tokens   *auth.TokenIssuer

	reconnects *reconnectGuard

	// memSessions is set when bindings live in process memory and need pruning.
	memSessions *session.MemoryStore
	redis       redis.UniversalClient

	promRegistry *prometheus.Registry
	collector    *metrics.Collector

	// accept EOF log throttling (to avoid flooding debug logs)
	acceptEOFLock       sync.Mutex
	acceptEOFLastLogAt  time.Time
	acceptEOFSuppressed int
}
