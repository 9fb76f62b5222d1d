// Package main provides the CLI entry point for the DNS relay.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dnsrelay",
		Short: "dnsrelay - local UDP to TCP DNS relay",
		Long: `dnsrelay listens for DNS queries over UDP on a loopback port and
carries each one to a fixed upstream resolver over its own TCP
connection, so that software on this host can resolve names through
a stream-only tunnel without knowing it is there.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tunnelCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dnsrelay %s (%s, %s/%s)\n",
				Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
