// Package relay implements the local DNS relay: a UDP listener on loopback
// whose queries are each carried to a fixed upstream resolver over their own
// TCP connection, with the raw response sent back to the querying client.
//
// The relay is byte-transparent. It never parses, validates or caches DNS
// messages; caching policy is left to the querying client.
//
// # Lifecycle
//
//  1. Start binds the UDP socket and launches the accept loop and worker pool.
//  2. The accept loop copies each datagram and submits it to the pool.
//  3. A worker forwards the query upstream and writes the reply to the client.
//  4. Stop raises the stop flag, joins the accept loop, drains the pool for
//     up to ShutdownTimeout, cancels what is left, and closes the socket.
//
// A failure anywhere affects one query only. Nothing a client sends can stop
// the server.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/dnsrelay/internal/logging"
	"github.com/postalsys/dnsrelay/internal/metrics"
	"github.com/postalsys/dnsrelay/internal/pool"
	"github.com/postalsys/dnsrelay/internal/recovery"
	"github.com/postalsys/dnsrelay/internal/upstream"
)

const (
	// DefaultMaxPacketSize is the receive buffer size; longer datagrams are truncated.
	DefaultMaxPacketSize = 1024

	// DefaultPollInterval bounds how long a receive blocks before the stop
	// flag is checked again.
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultShutdownTimeout is how long Stop waits for in-flight relays.
	DefaultShutdownTimeout = 1000 * time.Millisecond

	// DefaultWorkers is the number of concurrent upstream exchanges.
	DefaultWorkers = 10

	// DefaultLocalHost is the listen address; the relay serves local software only.
	DefaultLocalHost = "127.0.0.1"
)

// State is the server lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Config holds relay server configuration.
type Config struct {
	// Upstream locates the upstream resolver and tunes its connections.
	Upstream upstream.Config

	// LocalHost and LocalPort are the UDP listen address. Port 0 picks a free port.
	LocalHost string
	LocalPort int

	MaxPacketSize   int
	PollInterval    time.Duration
	ShutdownTimeout time.Duration

	// Workers bounds concurrent upstream connections.
	Workers int

	// QueueSize and OverflowPolicy control the backlog of queries waiting
	// for a worker.
	QueueSize      int
	OverflowPolicy pool.Policy

	// QueriesPerSecond limits accepted queries; 0 disables limiting.
	QueriesPerSecond float64
	Burst            int

	// Forwarder overrides the upstream forwarder built from Upstream.
	Forwarder Forwarder

	// Logger for logging.
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// DefaultConfig returns a Config with the relay's design values.
func DefaultConfig() Config {
	poolDefaults := pool.DefaultConfig()
	return Config{
		Upstream:        upstream.DefaultConfig(),
		LocalHost:       DefaultLocalHost,
		MaxPacketSize:   DefaultMaxPacketSize,
		PollInterval:    DefaultPollInterval,
		ShutdownTimeout: DefaultShutdownTimeout,
		Workers:         DefaultWorkers,
		QueueSize:       poolDefaults.QueueSize,
		OverflowPolicy:  poolDefaults.Policy,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.LocalHost == "" {
		c.LocalHost = d.LocalHost
	}
	if c.MaxPacketSize <= 0 {
		c.MaxPacketSize = d.MaxPacketSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.OverflowPolicy == "" {
		c.OverflowPolicy = d.OverflowPolicy
	}
	if c.Burst <= 0 {
		c.Burst = max(1, int(c.QueriesPerSecond))
	}
}

// Stats is a snapshot of relay counters.
type Stats struct {
	State    string `json:"state"`
	Received int64  `json:"received"`
	Relayed  int64  `json:"relayed"`
	Dropped  int64  `json:"dropped"`
	Failed   int64  `json:"failed"`
	InFlight int    `json:"in_flight"`
	Pending  int    `json:"pending"`
	BytesIn  int64  `json:"bytes_in"`
	BytesOut int64  `json:"bytes_out"`
}

// Server is the relay server. Start and Stop may be called from any goroutine.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	state    atomic.Int32
	counters counters

	// mu serialises Start and Stop and guards the fields below.
	mu       sync.Mutex
	conn     *net.UDPConn
	stopFlag atomic.Bool
	loopDone chan struct{}

	// pool is read without mu so Stats stays accurate during Start and Stop.
	pool atomic.Pointer[pool.Pool]
}

// New creates a relay server. It does not bind anything until Start.
func New(cfg Config) *Server {
	cfg.applyDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	return &Server{
		cfg:     cfg,
		logger:  logger.With(logging.KeyComponent, "relay"),
		metrics: cfg.Metrics,
	}
}

// StartWith sets the upstream resolver and local port, then calls Start.
func (s *Server) StartWith(remoteHost string, remotePort, localPort int) error {
	s.mu.Lock()
	s.cfg.Upstream.Host = remoteHost
	s.cfg.Upstream.Port = remotePort
	s.cfg.LocalPort = localPort
	s.mu.Unlock()

	return s.Start()
}

// Start binds the UDP listener and begins relaying. A running server is
// stopped first, so Start doubles as restart. A bind failure is returned and
// leaves the server stopped.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.setState(StateStarting)

	forwarder := s.cfg.Forwarder
	if forwarder == nil {
		f, err := upstream.New(s.cfg.Upstream)
		if err != nil {
			s.setState(StateStopped)
			return fmt.Errorf("configure upstream: %w", err)
		}
		forwarder = f
	}

	addr := net.JoinHostPort(s.cfg.LocalHost, strconv.Itoa(s.cfg.LocalPort))
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		s.setState(StateStopped)
		s.logger.Warn("failed to start DNS listener",
			logging.KeyLocalAddr, addr,
			logging.KeyError, err)
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	conn := pc.(*net.UDPConn)

	p := pool.New(pool.Config{
		Workers:   s.cfg.Workers,
		QueueSize: s.cfg.QueueSize,
		Policy:    s.cfg.OverflowPolicy,
		Logger:    s.logger,
		OnDrop:    s.onPoolDrop,
	})

	var limiter *rate.Limiter
	if s.cfg.QueriesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.QueriesPerSecond), s.cfg.Burst)
	}

	r := &relayer{
		forwarder: forwarder,
		conn:      conn,
		logger:    s.logger,
		metrics:   s.metrics,
		counters:  &s.counters,
	}

	s.conn = conn
	s.pool.Store(p)
	s.stopFlag.Store(false)
	s.loopDone = make(chan struct{})

	go s.acceptLoop(conn, p, r, limiter, s.loopDone)

	s.setState(StateRunning)
	if s.metrics != nil {
		s.metrics.RecordServerStart()
	}
	s.logger.Info("DNS relay started",
		logging.KeyLocalAddr, conn.LocalAddr().String(),
		logging.KeyWorkers, p.Workers())

	return nil
}

// Stop stops the relay and waits for the accept loop to exit. In-flight
// relays get up to ShutdownTimeout to finish; the rest are cancelled and
// their clients get no reply. Stop on a stopped server is a no-op.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
}

func (s *Server) stopLocked() {
	if s.conn == nil {
		return
	}
	s.setState(StateStopping)

	s.stopFlag.Store(true)
	// Wake a blocked receive now rather than at the next poll deadline.
	s.conn.SetReadDeadline(time.Now())
	<-s.loopDone

	// Cancelled stragglers close their upstream connections at once; give
	// them one poll interval to exit before the socket goes away.
	p := s.pool.Load()
	select {
	case <-p.Done():
	case <-time.After(s.cfg.PollInterval):
	}

	s.conn.Close()
	s.conn = nil
	s.pool.Store(nil)
	s.loopDone = nil
	if s.metrics != nil {
		s.metrics.SetQueueDepth(0)
	}

	s.setState(StateStopped)
	s.logger.Info("DNS relay stopped")
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// IsRunning returns true while the server is accepting queries.
func (s *Server) IsRunning() bool {
	return s.State() == StateRunning
}

// LocalAddr returns the bound UDP address, or nil when stopped.
func (s *Server) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stats returns a snapshot of the relay counters. Counters accumulate across
// restarts.
func (s *Server) Stats() Stats {
	st := Stats{
		State:    s.State().String(),
		Received: s.counters.received.Load(),
		Relayed:  s.counters.relayed.Load(),
		Dropped:  s.counters.dropped.Load(),
		Failed:   s.counters.failed.Load(),
		BytesIn:  s.counters.bytesIn.Load(),
		BytesOut: s.counters.bytesOut.Load(),
	}

	if p := s.pool.Load(); p != nil {
		st.InFlight = p.Active()
		st.Pending = p.Pending()
	}
	return st
}

func (s *Server) setState(st State) {
	s.state.Store(int32(st))
}

// acceptLoop receives datagrams until the stop flag is raised, then drains
// the pool. It owns the receive side of conn.
func (s *Server) acceptLoop(conn *net.UDPConn, p *pool.Pool, r *relayer, limiter *rate.Limiter, done chan struct{}) {
	defer close(done)
	defer func() {
		if !p.Shutdown(s.cfg.ShutdownTimeout) {
			s.logger.Warn("in-flight DNS relays cancelled at shutdown",
				logging.KeyDuration, s.cfg.ShutdownTimeout)
		}
	}()
	defer recovery.RecoverWithLog(s.logger, "relay.acceptLoop")

	buf := make([]byte, s.cfg.MaxPacketSize)
	for !s.stopFlag.Load() {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PollInterval))

		n, client, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				s.logger.Warn("DNS listener closed unexpectedly", logging.KeyError, err)
				return
			}
			if s.metrics != nil {
				s.metrics.RecordReceiveError()
			}
			s.logger.Debug("failed to receive DNS request", logging.KeyError, err)
			continue
		}

		s.dispatch(p, r, limiter, client, buf[:n])
	}
}

// dispatch hands one datagram to the pool. data aliases the receive buffer
// and is copied before the task is queued.
func (s *Server) dispatch(p *pool.Pool, r *relayer, limiter *rate.Limiter, client netip.AddrPort, data []byte) {
	s.counters.received.Add(1)
	s.counters.bytesIn.Add(int64(len(data)))
	if s.metrics != nil {
		s.metrics.RecordQueryReceived(len(data))
		defer func() { s.metrics.SetQueueDepth(p.Pending()) }()
	}

	if limiter != nil && !limiter.Allow() {
		s.recordDrop(metrics.DropRateLimited)
		s.logger.Debug("rate limit exceeded, dropping DNS query",
			logging.KeyClient, client.String())
		return
	}

	q := Query{Client: client, Payload: bytes.Clone(data)}
	err := p.Submit(func(ctx context.Context) {
		if s.metrics != nil {
			s.metrics.SetQueueDepth(p.Pending())
		}
		r.run(ctx, q)
	})
	if err != nil {
		reason := metrics.DropQueueFull
		if errors.Is(err, pool.ErrPoolClosed) {
			reason = metrics.DropShutdown
		}
		s.recordDrop(reason)
		s.logger.Debug("dropping DNS query",
			logging.KeyClient, client.String(),
			logging.KeyPending, p.Pending(),
			logging.KeyError, err)
	}
}

func (s *Server) onPoolDrop(reason string) {
	switch reason {
	case pool.DropEvicted:
		s.recordDrop(metrics.DropEvicted)
	default:
		s.recordDrop(metrics.DropShutdown)
	}
}

func (s *Server) recordDrop(reason string) {
	s.counters.dropped.Add(1)
	if s.metrics != nil {
		s.metrics.RecordDrop(reason)
	}
}
