package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/dnsrelay/internal/config"
	"github.com/postalsys/dnsrelay/internal/health"
	"github.com/postalsys/dnsrelay/internal/logging"
	"github.com/postalsys/dnsrelay/internal/metrics"
	"github.com/postalsys/dnsrelay/internal/pool"
	"github.com/postalsys/dnsrelay/internal/relay"
	"github.com/postalsys/dnsrelay/internal/upstream"
)

// overrides are command line values that take precedence over the config file.
type overrides struct {
	remoteHost string
	remotePort int
	localPort  int
	logLevel   string
}

func runCmd() *cobra.Command {
	var configPath string
	var o overrides

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the DNS relay",
		Long:  "Start the DNS relay with the specified configuration and serve until interrupted.",
		Example: `  dnsrelay run --remote-host 10.0.0.53 --local-port 9053
  dnsrelay run -c /etc/dnsrelay/config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath, o)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	addOverrideFlags(cmd, &o)

	return cmd
}

func addOverrideFlags(cmd *cobra.Command, o *overrides) {
	cmd.Flags().StringVar(&o.remoteHost, "remote-host", "", "Upstream DNS server address")
	cmd.Flags().IntVar(&o.remotePort, "remote-port", 53, "Upstream DNS server TCP port")
	cmd.Flags().IntVar(&o.localPort, "local-port", 9053, "Local UDP port to listen on")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
}

// loadConfig reads the config file if given, applies explicitly set flags,
// and validates the result.
func loadConfig(cmd *cobra.Command, path string, o overrides) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadUnvalidated(path); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("remote-host") {
		cfg.Upstream.Host = o.remoteHost
	}
	if flags.Changed("remote-port") {
		cfg.Upstream.Port = o.remotePort
	}
	if flags.Changed("local-port") {
		cfg.Relay.LocalPort = o.localPort
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// relayConfig translates the file configuration into the relay's own.
func relayConfig(cfg *config.Config) relay.Config {
	return relay.Config{
		Upstream: upstream.Config{
			Host:            cfg.Upstream.Host,
			Port:            cfg.Upstream.Port,
			DialTimeout:     cfg.Upstream.DialTimeout,
			IOTimeout:       cfg.Upstream.IOTimeout,
			Proxy:           cfg.Upstream.Proxy,
			MaxResponseSize: cfg.Upstream.MaxResponseSize,
			RejectEmpty:     cfg.Upstream.RejectEmpty,
		},
		LocalHost:        cfg.Relay.LocalHost,
		LocalPort:        cfg.Relay.LocalPort,
		MaxPacketSize:    cfg.Relay.MaxPacketSize,
		PollInterval:     cfg.Relay.PollInterval,
		ShutdownTimeout:  cfg.Relay.ShutdownTimeout,
		Workers:          cfg.Pool.Workers,
		QueueSize:        cfg.Pool.QueueSize,
		OverflowPolicy:   pool.Policy(cfg.Pool.OverflowPolicy),
		QueriesPerSecond: cfg.Limits.QueriesPerSecond,
		Burst:            cfg.Limits.Burst,
	}
}

func run(cfg *config.Config) error {
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	rc := relayConfig(cfg)
	rc.Logger = logger
	rc.Metrics = metrics.Default()

	srv := relay.New(rc)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}
	startedAt := time.Now()

	fmt.Printf("DNS relay listening on udp://%s\n", srv.LocalAddr())
	fmt.Printf("Upstream: tcp://%s:%d", cfg.Upstream.Host, cfg.Upstream.Port)
	if cfg.Upstream.Proxy != "" {
		fmt.Printf(" via %s", cfg.Redacted().Upstream.Proxy)
	}
	fmt.Println()

	var hs *health.Server
	if cfg.Health.Enabled {
		hs = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
		}, srv)
		if err := hs.Start(); err != nil {
			srv.Stop()
			return fmt.Errorf("failed to start health server: %w", err)
		}
		fmt.Printf("Health server: http://%s\n", hs.Address())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

	if hs != nil {
		if err := hs.Stop(); err != nil {
			logger.Warn("health server shutdown failed", logging.KeyError, err)
		}
	}
	srv.Stop()

	fmt.Println(summary(srv.Stats(), startedAt))
	return nil
}

func summary(st relay.Stats, startedAt time.Time) string {
	return fmt.Sprintf("Relay stopped after %s: %s of %s queries relayed, %s dropped, %s failed (%s in, %s out).",
		humanize.RelTime(startedAt, time.Now(), "", ""),
		humanize.Comma(st.Relayed),
		humanize.Comma(st.Received),
		humanize.Comma(st.Dropped),
		humanize.Comma(st.Failed),
		humanize.Bytes(uint64(st.BytesIn)),
		humanize.Bytes(uint64(st.BytesOut)))
}
