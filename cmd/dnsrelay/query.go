package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/dnsrelay/internal/dnsquery"
)

func queryCmd() *cobra.Command {
	var server, qtype string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "query <name>",
		Short: "Resolve a name through a running relay",
		Long:  "Send a single DNS query over UDP to a running relay and print the answer section.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := dnsquery.ParseType(qtype)
			if err != nil {
				return err
			}
			q, err := dnsquery.NewQuestion(args[0], t)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			res, err := dnsquery.Exchange(ctx, server, q)
			if err != nil {
				return fmt.Errorf("query %s via %s: %w", args[0], server, err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, ";; status: %s, answers: %d\n",
				res.Message.Header.RCode, len(res.Message.Answers))
			for _, a := range res.Message.Answers {
				fmt.Fprintln(out, dnsquery.FormatResource(a))
			}
			fmt.Fprintf(out, ";; %s from %s in %s\n",
				humanize.Bytes(uint64(res.Size)), server, res.RTT.Round(time.Microsecond))
			return nil
		},
	}

	cmd.Flags().StringVarP(&server, "server", "s", "127.0.0.1:9053", "Relay address")
	cmd.Flags().StringVarP(&qtype, "type", "t", "A", "Record type")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "How long to wait for an answer")

	return cmd
}
