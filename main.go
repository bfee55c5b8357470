package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/resi-gateway/pkg/client"
	"github.com/resi-gateway/pkg/config"
	"github.com/resi-gateway/pkg/logging"
	"github.com/resi-gateway/pkg/proxyclient"
	"github.com/resi-gateway/pkg/retry"
	"github.com/resi-gateway/pkg/server"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	app        = kingpin.New("resi-gateway", "Residential proxy gateway and node agent.")
	configFile = app.Flag("config.file", "Path to configuration file.").Default("config.yaml").String()
	envFile    = app.Flag("env.file", "Optional .env file loaded before the configuration.").Default(".env").String()
	logLevel   = app.Flag("log.level", "Log level (debug, info, warn, error). Overrides the config file.").String()

	gatewayCmd    = app.Command("gateway", "Run the gateway.")
	proxyAddr     = gatewayCmd.Flag("proxy-addr", "Address of the HTTP/CONNECT proxy listener.").String()
	socksAddr     = gatewayCmd.Flag("socks-addr", "Address of the SOCKS5 listener.").String()
	controlAddr   = gatewayCmd.Flag("control-addr", "Address of the node control channel, admin API and metrics.").String()
	telemetryPath = gatewayCmd.Flag("web.telemetry-path", "Path under which to expose metrics.").String()

	nodeCmd       = app.Command("node", "Run a node agent.")
	gatewayURL    = nodeCmd.Flag("gateway-url", "Gateway control channel URL (ws://host:port/v1/connect).").String()
	nodeCountry   = nodeCmd.Flag("country", "ISO 3166-1 alpha-2 country of this node's egress.").String()
	nodeCity      = nodeCmd.Flag("city", "City of this node's egress.").String()
	listenAddress = nodeCmd.Flag("web.listen-address", "Address to expose node metrics on.").String()

	fetchCmd      = app.Command("fetch", "Fetch a URL through the gateway.")
	fetchProxy    = fetchCmd.Flag("proxy", "Gateway proxy address (host:port).").Default("127.0.0.1:7777").String()
	fetchKey      = fetchCmd.Flag("key", "API key.").Envar("RESI_API_KEY").Required().String()
	fetchCountry  = fetchCmd.Flag("country", "Target country.").String()
	fetchCity     = fetchCmd.Flag("city", "Target city.").String()
	fetchSession  = fetchCmd.Flag("session", "Pin a sticky session instead of rotating per attempt.").String()
	fetchAttempts = fetchCmd.Flag("attempts", "Maximum attempts.").Default("3").Int()
	fetchURL      = fetchCmd.Arg("url", "URL to fetch.").Required().String()
)

func main() {
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	config.LoadDotEnv(*envFile)
	cfg, cfgErr := config.LoadConfig(*configFile)
	if cfgErr != nil {
		// If config file doesn't exist, continue with defaults
		cfg = &config.Config{}
		cfg.SetDefaults()
		cfg.ApplyEnvOverrides()
	}
	applyFlags(cfg)
	logging.Setup(cfg.Log.Level, cfg.Log.Format)
	defer logging.Flush()
	if cfgErr != nil {
		logging.Warnf("[config] %v, using defaults and environment", cfgErr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logging.Logf("[main] received %s, shutting down", sig)
		cancel()
	}()

	var err error
	switch cmd {
	case gatewayCmd.FullCommand():
		err = runGateway(ctx, cfg)
	case nodeCmd.FullCommand():
		err = runNode(ctx, cfg)
	case fetchCmd.FullCommand():
		err = runFetch(ctx)
	}
	if err != nil {
		logging.Fatalf("[main] %s: %v", cmd, err)
	}
}

func applyFlags(cfg *config.Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Log.Level, *logLevel)
	set(&cfg.Gateway.ProxyAddr, *proxyAddr)
	set(&cfg.Gateway.SocksAddr, *socksAddr)
	set(&cfg.Gateway.ControlAddr, *controlAddr)
	set(&cfg.Gateway.TelemetryPath, *telemetryPath)
	set(&cfg.Node.GatewayURL, *gatewayURL)
	set(&cfg.Node.Country, *nodeCountry)
	set(&cfg.Node.City, *nodeCity)
	set(&cfg.Node.ListenAddress, *listenAddress)
}

func runGateway(ctx context.Context, cfg *config.Config) error {
	s, err := server.NewProxyServer(cfg)
	if err != nil {
		return fmt.Errorf("failed to create gateway: %v", err)
	}
	logging.Logf("[main] gateway instance=%s proxy=%s socks=%s control=%s",
		logging.GetInstanceID(), cfg.Gateway.ProxyAddr, cfg.Gateway.SocksAddr, cfg.Gateway.ControlAddr)
	return s.Run(ctx)
}

func runNode(ctx context.Context, cfg *config.Config) error {
	a, err := client.NewAgent(cfg)
	if err != nil {
		return fmt.Errorf("failed to create node agent: %v", err)
	}
	return a.Run(ctx)
}

func runFetch(ctx context.Context) error {
	c, err := proxyclient.New(proxyclient.Options{
		ProxyAddr: *fetchProxy,
		APIKey:    *fetchKey,
		Country:   *fetchCountry,
		City:      *fetchCity,
		Session:   *fetchSession,
		Policy:    retry.Policy{MaxAttempts: *fetchAttempts, BaseDelay: time.Second},
	})
	if err != nil {
		return err
	}
	defer c.Close()

	resp, err := c.Get(ctx, *fetchURL)
	if err != nil {
		var se *retry.StatusError
		if errors.As(err, &se) {
			return fmt.Errorf("gave up after %d attempt(s): %w", *fetchAttempts, err)
		}
		return err
	}
	defer resp.Body.Close()
	fmt.Fprintf(os.Stderr, "%s %s\n", resp.Proto, resp.Status)
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}
