package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Node    NodeConfig    `yaml:"node"`
	Log     LogConfig     `yaml:"log"`
	Proxy   ProxyConfig   `yaml:"proxy"`
}

// GatewayConfig gateway configuration (listeners, liveness, routing)
type GatewayConfig struct {
	ProxyAddr     string `yaml:"proxy_addr"`     // HTTP/CONNECT proxy listener (e.g. ":7777")
	SocksAddr     string `yaml:"socks_addr"`     // SOCKS5 listener (e.g. ":1080"), empty disables it
	ControlAddr   string `yaml:"control_addr"`   // Node control channel, admin API and metrics
	TelemetryPath string `yaml:"telemetry_path"` // Metrics path

	HeartbeatInterval   int `yaml:"heartbeat_interval"`   // Expected node heartbeat interval in seconds
	LivenessTimeout     int `yaml:"liveness_timeout"`     // Node is marked offline after this many seconds without heartbeat
	SweepInterval       int `yaml:"sweep_interval"`       // Registry/correlator sweep interval in seconds
	RegistrationTimeout int `yaml:"registration_timeout"` // Seconds a new control connection has to send register
	NodeRetention       int `yaml:"node_retention"`       // Seconds an offline, disconnected node is kept before pruning
	PingInterval        int `yaml:"ping_interval"`        // Websocket ping interval in seconds

	RequestTimeout int `yaml:"request_timeout"` // Default PendingRequest deadline in seconds
	SessionTTL     int `yaml:"session_ttl"`     // Sticky session inactivity window in seconds
	MaxBodyBytes   int `yaml:"max_body_bytes"`  // Max plain-proxy request body forwarded to a node

	DefaultMaxConcurrency int    `yaml:"default_max_concurrency"` // Used when a node declares none
	Decompress            string `yaml:"decompress"`              // auto|always|never
	MinNodeVersion        string `yaml:"min_node_version"`        // Oldest agent version accepted at register, empty accepts all

	TunnelIdleTimeout   int `yaml:"tunnel_idle_timeout"`   // Seconds a tunnel may carry no payload before it is closed
	TunnelMaxAge        int `yaml:"tunnel_max_age"`        // Seconds a tunnel may stay open at all
	TunnelSweepInterval int `yaml:"tunnel_sweep_interval"` // Tunnel expiry sweep interval in seconds

	ReconnectWindow   int `yaml:"reconnect_window"`   // Seconds over which node reconnects are counted
	MaxReconnects     int `yaml:"max_reconnects"`     // Reconnects allowed per window before cooldown, negative disables
	ReconnectCooldown int `yaml:"reconnect_cooldown"` // Seconds a flapping node is refused

	SessionStore  string `yaml:"session_store"` // memory|redis
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`

	TokenSecret    string   `yaml:"token_secret"`    // HMAC secret for node auth tokens
	InternalSecret string   `yaml:"internal_secret"` // Shared secret for the trust/abuse system endpoints
	APIKeyHashes   []string `yaml:"api_key_hashes"`  // bcrypt hashes; empty delegates key validity upstream
	Realm          string   `yaml:"realm"`           // Proxy-Authenticate realm
}

// NodeConfig node agent configuration
type NodeConfig struct {
	GatewayURL        string   `yaml:"gateway_url"` // e.g. ws://gateway:8080/v1/connect
	DeviceFingerprint string   `yaml:"device_fingerprint"`
	Country           string   `yaml:"country"`
	City              string   `yaml:"city"`
	ISP               string   `yaml:"isp"`
	ASN               int      `yaml:"asn"`
	Protocols         []string `yaml:"protocols"`
	MaxConcurrency    int      `yaml:"max_concurrency"`
	ExecuteTimeout    int      `yaml:"execute_timeout"` // Local budget per request in seconds
	MaxResponseBytes  int      `yaml:"max_response_bytes"`
	ReconnectInterval int      `yaml:"reconnect_interval"` // Reconnect interval in seconds
	MaxReconnect      int      `yaml:"max_reconnect"`      // Max reconnect attempts (0 means infinite)
	HeartbeatInterval int      `yaml:"heartbeat_interval"` // Heartbeat interval in seconds
	ListenAddress     string   `yaml:"listen_address"`     // Node metrics listener, empty disables it
}

// LogConfig log configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ProxyConfig proxy configuration shared by both sides
type ProxyConfig struct {
	DialTimeout     int `yaml:"dial_timeout"`
	ReadTimeout     int `yaml:"read_timeout"`
	MaxMessageBytes int `yaml:"max_message_bytes"` // Control channel read limit, raised to fit the body limits
}

// messageOverhead covers the JSON envelope and headers around a body.
const messageOverhead = 64 << 10

// MessageBytesFor returns the control message size needed to carry a body of
// bodyBytes, which travels base64 encoded.
func MessageBytesFor(bodyBytes int) int {
	return (bodyBytes+2)/3*4 + messageOverhead
}

// LoadConfig loads configuration from file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}

	config.SetDefaults()
	config.ApplyEnvOverrides()

	return &config, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files (default ".env") into the
// process environment. Variables already set are left untouched; missing files are skipped.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		_ = godotenv.Load(f)
	}
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	if c.Gateway.ProxyAddr == "" {
		c.Gateway.ProxyAddr = ":7777"
	}
	if c.Gateway.SocksAddr == "" {
		c.Gateway.SocksAddr = ":1080"
	}
	if c.Gateway.ControlAddr == "" {
		c.Gateway.ControlAddr = ":8080"
	}
	if c.Gateway.TelemetryPath == "" {
		c.Gateway.TelemetryPath = "/metrics"
	}
	if c.Gateway.HeartbeatInterval == 0 {
		c.Gateway.HeartbeatInterval = 30
	}
	if c.Gateway.LivenessTimeout == 0 {
		c.Gateway.LivenessTimeout = 3 * c.Gateway.HeartbeatInterval
	}
	if c.Gateway.SweepInterval == 0 {
		c.Gateway.SweepInterval = 10
	}
	if c.Gateway.RegistrationTimeout == 0 {
		c.Gateway.RegistrationTimeout = 10
	}
	if c.Gateway.NodeRetention == 0 {
		c.Gateway.NodeRetention = 24 * 60 * 60
	}
	if c.Gateway.PingInterval == 0 {
		c.Gateway.PingInterval = 20
	}
	if c.Gateway.RequestTimeout == 0 {
		c.Gateway.RequestTimeout = 30
	}
	if c.Gateway.SessionTTL == 0 {
		c.Gateway.SessionTTL = 30 * 60
	}
	if c.Gateway.MaxBodyBytes == 0 {
		c.Gateway.MaxBodyBytes = 10 << 20
	}
	if c.Gateway.DefaultMaxConcurrency == 0 {
		c.Gateway.DefaultMaxConcurrency = 10
	}
	if c.Gateway.Decompress == "" {
		c.Gateway.Decompress = "auto"
	}
	if c.Gateway.SessionStore == "" {
		c.Gateway.SessionStore = "memory"
	}
	if c.Gateway.RedisAddr == "" {
		c.Gateway.RedisAddr = "127.0.0.1:6379"
	}
	if c.Gateway.RedisPrefix == "" {
		c.Gateway.RedisPrefix = "resi:session:"
	}
	if c.Gateway.TokenSecret == "" {
		c.Gateway.TokenSecret = "change-me-node-token-secret"
	}
	if c.Gateway.Realm == "" {
		c.Gateway.Realm = "resi-gateway"
	}
	if c.Gateway.TunnelIdleTimeout == 0 {
		c.Gateway.TunnelIdleTimeout = 5 * 60
	}
	if c.Gateway.TunnelMaxAge == 0 {
		c.Gateway.TunnelMaxAge = 10 * 60
	}
	if c.Gateway.TunnelSweepInterval == 0 {
		c.Gateway.TunnelSweepInterval = 30
	}
	if c.Gateway.ReconnectWindow == 0 {
		c.Gateway.ReconnectWindow = 5 * 60
	}
	if c.Gateway.MaxReconnects == 0 {
		c.Gateway.MaxReconnects = 10
	}
	if c.Gateway.ReconnectCooldown == 0 {
		c.Gateway.ReconnectCooldown = 10 * 60
	}

	if len(c.Node.Protocols) == 0 {
		c.Node.Protocols = []string{"http", "https", "socks5"}
	}
	if c.Node.MaxConcurrency == 0 {
		c.Node.MaxConcurrency = 10
	}
	if c.Node.ExecuteTimeout == 0 {
		c.Node.ExecuteTimeout = 25
	}
	if c.Node.MaxResponseBytes == 0 {
		c.Node.MaxResponseBytes = 10 << 20
	}
	if c.Node.ReconnectInterval == 0 {
		c.Node.ReconnectInterval = 5
	}
	if c.Node.HeartbeatInterval == 0 {
		c.Node.HeartbeatInterval = 30
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	if c.Proxy.DialTimeout == 0 {
		c.Proxy.DialTimeout = 10
	}
	if c.Proxy.ReadTimeout == 0 {
		c.Proxy.ReadTimeout = 30
	}
	if c.Proxy.MaxMessageBytes == 0 {
		c.Proxy.MaxMessageBytes = 16 << 20
	}
}

// GetHeartbeatInterval gets the expected node heartbeat interval
func (c *Config) GetHeartbeatInterval() time.Duration {
	return time.Duration(c.Gateway.HeartbeatInterval) * time.Second
}

// GetLivenessTimeout gets the node liveness timeout
func (c *Config) GetLivenessTimeout() time.Duration {
	return time.Duration(c.Gateway.LivenessTimeout) * time.Second
}

// GetSweepInterval gets the sweep interval
func (c *Config) GetSweepInterval() time.Duration {
	return time.Duration(c.Gateway.SweepInterval) * time.Second
}

// GetRegistrationTimeout gets the register deadline for new control connections
func (c *Config) GetRegistrationTimeout() time.Duration {
	return time.Duration(c.Gateway.RegistrationTimeout) * time.Second
}

// GetNodeRetention gets how long offline nodes are retained
func (c *Config) GetNodeRetention() time.Duration {
	return time.Duration(c.Gateway.NodeRetention) * time.Second
}

// GetPingInterval gets the websocket ping interval
func (c *Config) GetPingInterval() time.Duration {
	return time.Duration(c.Gateway.PingInterval) * time.Second
}

// GetRequestTimeout gets the default dispatch deadline
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.Gateway.RequestTimeout) * time.Second
}

// GetSessionTTL gets the sticky session inactivity window
func (c *Config) GetSessionTTL() time.Duration {
	return time.Duration(c.Gateway.SessionTTL) * time.Second
}

// GetTunnelIdleTimeout gets how long a tunnel may stay silent
func (c *Config) GetTunnelIdleTimeout() time.Duration {
	return time.Duration(c.Gateway.TunnelIdleTimeout) * time.Second
}

// GetTunnelMaxAge gets the tunnel lifetime cap
func (c *Config) GetTunnelMaxAge() time.Duration {
	return time.Duration(c.Gateway.TunnelMaxAge) * time.Second
}

// GetTunnelSweepInterval gets the tunnel expiry sweep interval
func (c *Config) GetTunnelSweepInterval() time.Duration {
	return time.Duration(c.Gateway.TunnelSweepInterval) * time.Second
}

// GetReconnectWindow gets the window node reconnects are counted over
func (c *Config) GetReconnectWindow() time.Duration {
	return time.Duration(c.Gateway.ReconnectWindow) * time.Second
}

// GetReconnectCooldown gets how long a flapping node is refused
func (c *Config) GetReconnectCooldown() time.Duration {
	return time.Duration(c.Gateway.ReconnectCooldown) * time.Second
}

// GetMaxMessageBytes gets the control channel read limit, never below what
// the largest request or response body needs once encoded
func (c *Config) GetMaxMessageBytes() int64 {
	body := c.Gateway.MaxBodyBytes
	if c.Node.MaxResponseBytes > body {
		body = c.Node.MaxResponseBytes
	}
	limit := c.Proxy.MaxMessageBytes
	if need := MessageBytesFor(body); limit < need {
		limit = need
	}
	return int64(limit)
}

// GetExecuteTimeout gets the node-side execution budget
func (c *Config) GetExecuteTimeout() time.Duration {
	return time.Duration(c.Node.ExecuteTimeout) * time.Second
}

// GetReconnectInterval gets reconnect interval
func (c *Config) GetReconnectInterval() time.Duration {
	return time.Duration(c.Node.ReconnectInterval) * time.Second
}

// GetNodeHeartbeatInterval gets the node-side heartbeat interval
func (c *Config) GetNodeHeartbeatInterval() time.Duration {
	return time.Duration(c.Node.HeartbeatInterval) * time.Second
}

// GetDialTimeout gets dial timeout
func (c *Config) GetDialTimeout() time.Duration {
	return time.Duration(c.Proxy.DialTimeout) * time.Second
}

// GetReadTimeout gets read timeout
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.Proxy.ReadTimeout) * time.Second
}

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	setString := func(key string, dst *string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}
	setInt := func(key string, dst *int) {
		if val := os.Getenv(key); val != "" {
			if i, err := strconv.Atoi(val); err == nil {
				*dst = i
			}
		}
	}
	setList := func(key string, dst *[]string) {
		if val := os.Getenv(key); val != "" {
			var out []string
			for _, part := range strings.Split(val, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
			*dst = out
		}
	}

	// Gateway listeners
	setString("GATEWAY_PROXY_ADDR", &c.Gateway.ProxyAddr)
	setString("GATEWAY_SOCKS_ADDR", &c.Gateway.SocksAddr)
	setString("GATEWAY_CONTROL_ADDR", &c.Gateway.ControlAddr)
	setString("GATEWAY_TELEMETRY_PATH", &c.Gateway.TelemetryPath)

	// Liveness and routing
	setInt("GATEWAY_HEARTBEAT_INTERVAL_SECONDS", &c.Gateway.HeartbeatInterval)
	setInt("GATEWAY_LIVENESS_TIMEOUT_SECONDS", &c.Gateway.LivenessTimeout)
	setInt("GATEWAY_SWEEP_INTERVAL_SECONDS", &c.Gateway.SweepInterval)
	setInt("GATEWAY_REGISTRATION_TIMEOUT_SECONDS", &c.Gateway.RegistrationTimeout)
	setInt("GATEWAY_NODE_RETENTION_SECONDS", &c.Gateway.NodeRetention)
	setInt("GATEWAY_PING_INTERVAL_SECONDS", &c.Gateway.PingInterval)
	setInt("GATEWAY_REQUEST_TIMEOUT_SECONDS", &c.Gateway.RequestTimeout)
	setInt("GATEWAY_SESSION_TTL_SECONDS", &c.Gateway.SessionTTL)
	setInt("GATEWAY_MAX_BODY_BYTES", &c.Gateway.MaxBodyBytes)
	setInt("GATEWAY_DEFAULT_MAX_CONCURRENCY", &c.Gateway.DefaultMaxConcurrency)
	setString("GATEWAY_MIN_NODE_VERSION", &c.Gateway.MinNodeVersion)
	setInt("GATEWAY_TUNNEL_IDLE_TIMEOUT_SECONDS", &c.Gateway.TunnelIdleTimeout)
	setInt("GATEWAY_TUNNEL_MAX_AGE_SECONDS", &c.Gateway.TunnelMaxAge)
	setInt("GATEWAY_MAX_RECONNECTS", &c.Gateway.MaxReconnects)
	setInt("GATEWAY_RECONNECT_COOLDOWN_SECONDS", &c.Gateway.ReconnectCooldown)
	if val := os.Getenv("GATEWAY_DECOMPRESS"); val != "" {
		c.Gateway.Decompress = strings.ToLower(val)
	}

	// Session store
	if val := os.Getenv("GATEWAY_SESSION_STORE"); val != "" {
		c.Gateway.SessionStore = strings.ToLower(val)
	}
	setString("REDIS_ADDR", &c.Gateway.RedisAddr)
	setString("REDIS_PASSWORD", &c.Gateway.RedisPassword)
	setInt("REDIS_DB", &c.Gateway.RedisDB)
	setString("REDIS_PREFIX", &c.Gateway.RedisPrefix)

	// Secrets
	setString("NODE_TOKEN_SECRET", &c.Gateway.TokenSecret)
	setString("INTERNAL_SECRET", &c.Gateway.InternalSecret)
	setList("API_KEY_HASHES", &c.Gateway.APIKeyHashes)
	setString("GATEWAY_REALM", &c.Gateway.Realm)

	// Node agent
	setString("NODE_GATEWAY_URL", &c.Node.GatewayURL)
	setString("NODE_DEVICE_FINGERPRINT", &c.Node.DeviceFingerprint)
	if val := os.Getenv("NODE_COUNTRY"); val != "" {
		c.Node.Country = strings.ToUpper(val)
	}
	setString("NODE_CITY", &c.Node.City)
	setString("NODE_ISP", &c.Node.ISP)
	setInt("NODE_ASN", &c.Node.ASN)
	setList("NODE_PROTOCOLS", &c.Node.Protocols)
	setInt("NODE_MAX_CONCURRENCY", &c.Node.MaxConcurrency)
	setInt("NODE_EXECUTE_TIMEOUT_SECONDS", &c.Node.ExecuteTimeout)
	setInt("NODE_MAX_RESPONSE_BYTES", &c.Node.MaxResponseBytes)
	setInt("NODE_RECONNECT_INTERVAL_SECONDS", &c.Node.ReconnectInterval)
	setInt("NODE_MAX_RECONNECT", &c.Node.MaxReconnect)
	setInt("NODE_HEARTBEAT_INTERVAL_SECONDS", &c.Node.HeartbeatInterval)
	setString("NODE_LISTEN_ADDRESS", &c.Node.ListenAddress)

	// Log config
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}

	// Proxy config
	setInt("PROXY_DIAL_TIMEOUT_SECONDS", &c.Proxy.DialTimeout)
	setInt("PROXY_READ_TIMEOUT_SECONDS", &c.Proxy.ReadTimeout)
	setInt("PROXY_MAX_MESSAGE_BYTES", &c.Proxy.MaxMessageBytes)
}
