// Package cmd implements the proxyhub CLI using Cobra.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drsoft-oss/proxyhub/internal/api"
	"github.com/drsoft-oss/proxyhub/internal/config"
	"github.com/drsoft-oss/proxyhub/internal/gateway"
	"github.com/drsoft-oss/proxyhub/internal/logger"
	"github.com/drsoft-oss/proxyhub/internal/pool"
	"github.com/drsoft-oss/proxyhub/internal/refresh"
	"github.com/drsoft-oss/proxyhub/internal/source"
	"github.com/drsoft-oss/proxyhub/internal/validator"
)

// version is injected at build time via ldflags.
var version = "dev"

// -----------------------------------------------------------------------
// Flag variables
// -----------------------------------------------------------------------

var (
	flagConfig string

	flagListenHTTP   string
	flagListenSOCKS5 string
	flagAPIAddr      string

	flagAutoRefresh      int
	flagRotatePerRequest bool
	flagSkipInitialFetch bool

	flagLogLevel string
	flagLogFile  string
)

// -----------------------------------------------------------------------
// Root command
// -----------------------------------------------------------------------

var rootCmd = &cobra.Command{
	Use:   "proxyhub",
	Short: "Self-hosted proxy aggregator and rotating gateway",
	Long: `proxyhub — harvest free proxies, validate them, and serve the pool
through local HTTP and SOCKS5 gateways.

It fetches candidate proxies from public list endpoints (and optionally
network asset-search engines), runs every candidate through a two-stage
quality probe (TCP reachability, then latency / anonymity / throughput /
geolocation), and keeps the survivors in a scored pool.  Two listeners
tunnel client traffic through the pool:

  • HTTP    CONNECT tunnelling and plain absolute-URI forwarding
  • SOCKS5  RFC 1928 CONNECT (no auth)

The upstream is either pinned (rotate on demand via the API) or rotated
on every request.  A management API exposes the pool, refresh triggers,
listener control, filters, and a live log stream.
`,
	Version:      version,
	SilenceUsage: true,
	RunE:         run,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.Flags()

	f.StringVarP(&flagConfig, "config", "c", "", "Path to proxyhub.yaml (defaults to ./proxyhub.yaml if present)")

	f.StringVar(&flagListenHTTP, "listen-http", "", "HTTP gateway listen address (overrides config)")
	f.StringVar(&flagListenSOCKS5, "listen-socks5", "", "SOCKS5 gateway listen address (overrides config)")
	f.StringVar(&flagAPIAddr, "api-addr", "", "Management API listen address (overrides config)")

	f.IntVar(&flagAutoRefresh, "auto-refresh", -1, "Refresh the pool every N minutes (0 disables, overrides config)")
	f.BoolVar(&flagRotatePerRequest, "rotate-per-request", false, "Rotate the upstream proxy on every request")
	f.BoolVar(&flagSkipInitialFetch, "no-initial-fetch", false, "Do not refresh the pool on startup")

	f.StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	f.StringVar(&flagLogFile, "log-file", "", "Rotating log file path (overrides config)")
}

// -----------------------------------------------------------------------
// Main run logic
// -----------------------------------------------------------------------

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, cfg)

	// ---- Logger ---------------------------------------------------------
	log, hub, cleanup, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer cleanup()

	// ---- Core components ------------------------------------------------
	p := pool.New()

	v := validator.New(validator.Config{
		LatencyURL:   cfg.Probe.LatencyURL,
		AnonymityURL: cfg.Probe.AnonymityURL,
		SpeedURL:     cfg.Probe.SpeedURL,
		ProbeTimeout: time.Duration(cfg.Probe.TimeoutSeconds) * time.Second,
		ProbeWorkers: cfg.Probe.Workers,
		Locale:       cfg.Locale,
	}, log)

	providers := []source.Provider{
		source.NewListProvider("lists", cfg.Sources, log),
	}
	if len(cfg.Engines) > 0 {
		providers = append(providers, source.NewAssetProvider(cfg.Engines, log))
	}

	orch := refresh.New(p, providers, v, log)

	gw := gateway.New(gateway.Config{
		HTTPAddr:    cfg.ListenHTTP,
		SOCKS5Addr:  cfg.ListenSOCKS5,
		DialTimeout: time.Duration(cfg.DialTimeoutSeconds) * time.Second,
	}, p, log)
	gw.SetRotatePerRequest(cfg.RotatePerRequest)

	// ---- Gateways -------------------------------------------------------
	if err := gw.Start(); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	defer gw.Stop()

	// ---- Management API -------------------------------------------------
	apiSrv := api.New(cfg.APIAddr, p, gw, orch, hub, log)
	go func() {
		log.Info("management api listening", "addr", cfg.APIAddr)
		if err := apiSrv.Start(); err != nil {
			log.Warn("api server stopped", "error", err)
		}
	}()
	defer apiSrv.Stop()

	// ---- Initial fetch and auto refresh ---------------------------------
	if !flagSkipInitialFetch {
		go func() {
			if _, err := orch.Refresh(context.Background()); err != nil {
				log.Warn("initial refresh failed", "error", err)
			}
		}()
	}
	if cfg.AutoRefreshMinutes > 0 {
		orch.StartAutoRefresh(time.Duration(cfg.AutoRefreshMinutes) * time.Minute)
		defer orch.StopAutoRefresh()
	}

	printBanner(cfg, gw)

	// ---- Wait for shutdown ----------------------------------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())
	return nil
}

// applyFlagOverrides lets explicit CLI flags win over the config file.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if flagListenHTTP != "" {
		cfg.ListenHTTP = flagListenHTTP
	}
	if flagListenSOCKS5 != "" {
		cfg.ListenSOCKS5 = flagListenSOCKS5
	}
	if flagAPIAddr != "" {
		cfg.APIAddr = flagAPIAddr
	}
	if flagAutoRefresh >= 0 {
		cfg.AutoRefreshMinutes = flagAutoRefresh
	}
	if cmd.Flags().Changed("rotate-per-request") {
		cfg.RotatePerRequest = flagRotatePerRequest
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	if flagLogFile != "" {
		cfg.Log.File = flagLogFile
	}
}

// -----------------------------------------------------------------------
// Startup banner
// -----------------------------------------------------------------------

func printBanner(cfg *config.Config, gw *gateway.Gateway) {
	httpAddr, socksAddr := gw.Addrs()

	mode := "fixed"
	if cfg.RotatePerRequest {
		mode = "per-request"
	}
	autoRefresh := "disabled"
	if cfg.AutoRefreshMinutes > 0 {
		autoRefresh = fmt.Sprintf("every %d min", cfg.AutoRefreshMinutes)
	}

	fmt.Printf(`
╔══════════════════════════════════════════════════════════════╗
║                        proxyhub %s
╠══════════════════════════════════════════════════════════════╣
║  HTTP gateway   : %s
║  SOCKS5 gateway : %s
║  Management API : http://%s
║  Rotation mode  : %s
║  Auto refresh   : %s
╠══════════════════════════════════════════════════════════════╣
║  API endpoints:
║    POST http://%s/api/proxy/fetch
║    GET  http://%s/api/proxy/list
║    POST http://%s/api/proxy/rotate
║    GET  http://%s/api/server/status
╚══════════════════════════════════════════════════════════════╝

`, padRight(version, 45),
		padRight(httpAddr, 44),
		padRight(socksAddr, 44),
		padRight(cfg.APIAddr, 37),
		padRight(mode, 44),
		padRight(autoRefresh, 44),
		cfg.APIAddr, cfg.APIAddr, cfg.APIAddr, cfg.APIAddr,
	)
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}
