package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/dnsrelay/internal/logging"
	"github.com/postalsys/dnsrelay/internal/socks5"
)

func tunnelCmd() *cobra.Command {
	var listen, logLevel, logFormat string
	var users []string
	var connectTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "tunnel",
		Short: "Run a SOCKS5 tunnel endpoint for the upstream connection",
		Long: `Run a CONNECT-only SOCKS5 server. Point upstream.proxy (or another
relay's --proxy setting) at it to carry upstream DNS connections through
this host.`,
		Example: `  dnsrelay tunnel --listen 127.0.0.1:1080
  dnsrelay tunnel --listen 0.0.0.0:1080 --user dns:secret`,
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := parseUsers(users)
			if err != nil {
				return err
			}

			cfg := socks5.DefaultServerConfig()
			cfg.Address = listen
			cfg.Credentials = creds
			cfg.ConnectTimeout = connectTimeout
			cfg.Logger = logging.NewLogger(logLevel, logFormat)

			srv := socks5.NewServer(cfg)
			if err := srv.Start(); err != nil {
				return fmt.Errorf("failed to start tunnel: %w", err)
			}
			startedAt := time.Now()

			auth := "none"
			if len(creds) > 0 {
				auth = fmt.Sprintf("%d user(s)", len(creds))
			}
			fmt.Printf("SOCKS5 tunnel listening on tcp://%s (auth: %s)\n", srv.Address(), auth)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			if err := srv.Stop(); err != nil {
				return fmt.Errorf("stop tunnel: %w", err)
			}
			fmt.Printf("Tunnel stopped after %s: %s connections carried.\n",
				humanize.RelTime(startedAt, time.Now(), "", ""),
				humanize.Comma(srv.Connects()))
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:1080", "Address to listen on")
	cmd.Flags().StringArrayVar(&users, "user", nil, "Allowed user as name:password (repeatable; none disables auth)")
	cmd.Flags().DurationVar(&connectTimeout, "connect-timeout", 10*time.Second, "Timeout for outbound connections")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "auto", "Log format (text, json, auto)")

	return cmd
}

// parseUsers turns name:password pairs into credentials.
func parseUsers(users []string) (socks5.Credentials, error) {
	if len(users) == 0 {
		return nil, nil
	}
	creds := make(socks5.Credentials, len(users))
	for _, u := range users {
		name, pass, ok := strings.Cut(u, ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --user %q: want name:password", u)
		}
		if len(name) > 255 || len(pass) > 255 {
			return nil, fmt.Errorf("invalid --user %q: name and password are limited to 255 bytes", u)
		}
		creds[name] = pass
	}
	return creds, nil
}
