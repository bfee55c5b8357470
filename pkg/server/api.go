package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/resi-gateway/pkg/auth"
	"github.com/resi-gateway/pkg/logging"
	"github.com/resi-gateway/pkg/registry"
	"github.com/resi-gateway/pkg/transport"
)

// InternalSecretHeader authenticates the trust/abuse system on admin routes.
const InternalSecretHeader = "X-Internal-Secret"

// Handler returns the control listener routes: node websocket endpoint,
// health, metrics and the node admin API.
func (s *ProxyServer) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(accessLog())

	metricsPath := s.cfg.Gateway.TelemetryPath
	router.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(`<html>
<head><title>Residential Gateway</title></head>
<body>
<h1>Residential Gateway</h1>
<p><a href="`+metricsPath+`">Metrics</a></p>
</body>
</html>`))
	})
	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	router.GET(metricsPath, gin.WrapH(promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{})))

	router.GET("/v1/connect", s.handleNodeConnect)

	internal := router.Group("/v1/nodes")
	internal.Use(internalAuth(s.cfg.Gateway.InternalSecret))
	{
		internal.GET("", s.listNodes)
		internal.GET("/:id", s.getNode)
		internal.POST("/:id/blacklist", s.blacklistNode)
		internal.POST("/:id/offline", s.offlineNode)
	}
	router.GET("/v1/stats", internalAuth(s.cfg.Gateway.InternalSecret), s.stats)
	return router
}

// internalAuth rejects calls without the shared secret. An unset secret
// disables the admin API.
func internalAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !auth.SecretEqual(c.GetHeader(InternalSecretHeader), secret) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized internal access"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if logging.DebugEnabled() {
			logging.Debugf("[api][debug] %s %s status=%d remote=%s duration=%s",
				c.Request.Method, c.Request.URL.Path, c.Writer.Status(), c.ClientIP(), time.Since(start))
		}
	}
}

func (s *ProxyServer) handleNodeConnect(c *gin.Context) {
	conn, err := transport.Upgrade(c.Writer, c.Request, s.transportOptions())
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logging.Logf("[control] websocket upgrade failed remote=%s err=%v", c.ClientIP(), err)
		return
	}
	s.serveControl(conn)
}

func (s *ProxyServer) listNodes(c *gin.Context) {
	nodes := s.registry.List()
	if country := c.Query("country"); country != "" {
		filtered := nodes[:0]
		for _, n := range nodes {
			if strings.EqualFold(n.Location.Country, country) {
				filtered = append(filtered, n)
			}
		}
		nodes = filtered
	}
	c.JSON(http.StatusOK, gin.H{
		"nodes":  nodes,
		"counts": s.registry.Counts(),
	})
}

func (s *ProxyServer) getNode(c *gin.Context) {
	cand, ok := s.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": registry.ErrNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, cand.Node)
}

func (s *ProxyServer) blacklistNode(c *gin.Context) {
	id := c.Param("id")
	if err := s.registry.Blacklist(id); err != nil {
		respondRegistryError(c, err)
		return
	}
	logging.Logf("[registry] node blacklisted node=%s by=%s", id, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"id": id, "status": "blacklisted"})
}

func (s *ProxyServer) offlineNode(c *gin.Context) {
	id := c.Param("id")
	if err := s.registry.MarkOffline(id); err != nil {
		respondRegistryError(c, err)
		return
	}
	logging.Logf("[registry] node marked offline node=%s by=%s", id, c.ClientIP())
	cand, _ := s.registry.Get(id)
	c.JSON(http.StatusOK, gin.H{"id": id, "status": cand.Node.Status})
}

// stats reports dispatch counters since start.
func (s *ProxyServer) stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"requests":       s.corr.Stats(),
		"pending":        s.corr.Pending(),
		"active_tunnels": s.tunnels.Active(),
		"nodes":          s.registry.Counts(),
	})
}

func respondRegistryError(c *gin.Context, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
