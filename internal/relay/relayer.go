package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/postalsys/dnsrelay/internal/logging"
	"github.com/postalsys/dnsrelay/internal/metrics"
	"github.com/postalsys/dnsrelay/internal/recovery"
	"github.com/postalsys/dnsrelay/internal/upstream"
)

// Forwarder performs one upstream exchange for a raw query.
type Forwarder interface {
	Forward(ctx context.Context, query []byte) ([]byte, error)
}

// Query is one datagram received from a local client. Payload is owned by the
// query and never aliases the listener's receive buffer.
type Query struct {
	Client  netip.AddrPort
	Payload []byte
}

// packetWriter is the send side of the shared listening socket.
// *net.UDPConn is safe for concurrent use, so relayers share it without a lock.
type packetWriter interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

// counters are the relay's running totals, shared by the accept loop and all
// relayers of a server.
type counters struct {
	received atomic.Int64
	relayed  atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64

	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

// relayer answers queries: upstream round trip, then exactly one reply to the
// client, or nothing at all on failure. Callers that see it fail should not
// retry; the client's own DNS timeout and resend is the recovery path.
type relayer struct {
	forwarder Forwarder
	conn      packetWriter
	logger    *slog.Logger
	metrics   *metrics.Metrics
	counters  *counters
}

// run is the pool task for q. Failures are logged and swallowed.
func (r *relayer) run(ctx context.Context, q Query) {
	defer recovery.RecoverWithCallback(r.logger, "relay.task", func(any) {
		r.counters.failed.Add(1)
		if r.metrics != nil {
			r.metrics.RecordDrop(metrics.DropPanic)
		}
	})

	if err := r.relay(ctx, q); err != nil {
		r.counters.failed.Add(1)
		r.logger.Debug("dropped DNS query",
			logging.KeyClient, q.Client.String(),
			logging.KeyBytes, len(q.Payload),
			logging.KeyError, err)
	}
}

func (r *relayer) relay(ctx context.Context, q Query) error {
	if r.metrics != nil {
		r.metrics.RecordRelayStart()
		defer r.metrics.RecordRelayEnd()
	}

	start := time.Now()
	resp, err := r.forwarder.Forward(ctx, q.Payload)
	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordUpstreamError(string(upstream.StageOf(err)))
		}
		return fmt.Errorf("forward query: %w", err)
	}
	latency := time.Since(start)

	n, err := r.conn.WriteToUDPAddrPort(resp, q.Client)
	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordDrop(metrics.DropSendError)
		}
		return fmt.Errorf("send reply: %w", err)
	}

	r.counters.relayed.Add(1)
	r.counters.bytesOut.Add(int64(n))
	if r.metrics != nil {
		r.metrics.RecordRelayed(n, latency.Seconds())
	}
	r.logger.Debug("relayed DNS query",
		logging.KeyClient, q.Client.String(),
		logging.KeyBytes, n,
		logging.KeyDuration, latency)
	return nil
}
