package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaultsAndFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
gateway:
  proxy_addr: ":17777"
  heartbeat_interval: 10
  api_key_hashes:
    - "$2a$10$abc"
node:
  country: us
log:
  level: debug
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Gateway.ProxyAddr != ":17777" {
		t.Fatalf("expected proxy addr from file, got %q", cfg.Gateway.ProxyAddr)
	}
	if cfg.Gateway.SocksAddr != ":1080" {
		t.Fatalf("expected default socks addr, got %q", cfg.Gateway.SocksAddr)
	}
	if got := cfg.GetLivenessTimeout(); got != 30*time.Second {
		t.Fatalf("expected liveness 3x heartbeat (30s), got %s", got)
	}
	if got := cfg.GetSessionTTL(); got != 30*time.Minute {
		t.Fatalf("expected 30m session ttl, got %s", got)
	}
	if got := cfg.GetRequestTimeout(); got != 30*time.Second {
		t.Fatalf("expected 30s request timeout, got %s", got)
	}
	if len(cfg.Gateway.APIKeyHashes) != 1 {
		t.Fatalf("expected one api key hash, got %d", len(cfg.Gateway.APIKeyHashes))
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("expected debug level, got %q", cfg.Log.Level)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_PROXY_ADDR", ":9999")
	t.Setenv("GATEWAY_SESSION_STORE", "REDIS")
	t.Setenv("NODE_COUNTRY", "de")
	t.Setenv("NODE_PROTOCOLS", "http, https")
	t.Setenv("GATEWAY_REQUEST_TIMEOUT_SECONDS", "not-a-number")
	t.Setenv("LOG_FORMAT", "JSON")

	cfg := &Config{}
	cfg.SetDefaults()
	cfg.ApplyEnvOverrides()

	if cfg.Gateway.ProxyAddr != ":9999" {
		t.Fatalf("expected env proxy addr, got %q", cfg.Gateway.ProxyAddr)
	}
	if cfg.Gateway.SessionStore != "redis" {
		t.Fatalf("expected lower-cased session store, got %q", cfg.Gateway.SessionStore)
	}
	if cfg.Node.Country != "DE" {
		t.Fatalf("expected upper-cased country, got %q", cfg.Node.Country)
	}
	if len(cfg.Node.Protocols) != 2 || cfg.Node.Protocols[1] != "https" {
		t.Fatalf("expected trimmed protocol list, got %v", cfg.Node.Protocols)
	}
	if cfg.Gateway.RequestTimeout != 30 {
		t.Fatalf("expected invalid int to be ignored, got %d", cfg.Gateway.RequestTimeout)
	}
	if cfg.Log.Format != "json" {
		t.Fatalf("expected json format, got %q", cfg.Log.Format)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("RESI_TEST_DOTENV=from-file\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	os.Unsetenv("RESI_TEST_DOTENV")
	t.Cleanup(func() { os.Unsetenv("RESI_TEST_DOTENV") })

	LoadDotEnv(path, filepath.Join(t.TempDir(), "absent.env"))
	if got := os.Getenv("RESI_TEST_DOTENV"); got != "from-file" {
		t.Fatalf("expected value from .env, got %q", got)
	}
}

func TestMaxMessageBytesFitsBodyLimits(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()
	if got := cfg.GetMaxMessageBytes(); got != 16<<20 {
		t.Fatalf("expected 16MiB default, got %d", got)
	}

	cfg.Gateway.MaxBodyBytes = 15 << 20
	want := int64(MessageBytesFor(15 << 20))
	if got := cfg.GetMaxMessageBytes(); got != want || got <= 20<<20 {
		t.Fatalf("expected limit raised to %d for a 15MiB body, got %d", want, got)
	}

	cfg.Gateway.MaxBodyBytes = 1 << 20
	cfg.Node.MaxResponseBytes = 30 << 20
	if got := cfg.GetMaxMessageBytes(); got < 40<<20 {
		t.Fatalf("expected limit to cover a 30MiB response, got %d", got)
	}

	cfg.Proxy.MaxMessageBytes = 64 << 20
	if got := cfg.GetMaxMessageBytes(); got != 64<<20 {
		t.Fatalf("expected explicit larger limit kept, got %d", got)
	}
}

func TestTunnelAndReconnectDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()
	if cfg.GetTunnelIdleTimeout() != 5*time.Minute || cfg.GetTunnelMaxAge() != 10*time.Minute {
		t.Fatalf("unexpected tunnel limits idle=%s age=%s", cfg.GetTunnelIdleTimeout(), cfg.GetTunnelMaxAge())
	}
	if cfg.GetReconnectWindow() != 5*time.Minute || cfg.Gateway.MaxReconnects != 10 || cfg.GetReconnectCooldown() != 10*time.Minute {
		t.Fatalf("unexpected reconnect limits %+v", cfg.Gateway)
	}
}
