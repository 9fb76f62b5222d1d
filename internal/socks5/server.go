package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/dnsrelay/internal/logging"
	"github.com/postalsys/dnsrelay/internal/recovery"
)

// Version is the SOCKS protocol version.
const Version = 0x05

const cmdConnect = 0x01

// Address types.
const (
	addrIPv4   = 0x01
	addrDomain = 0x03
	addrIPv6   = 0x04
)

// Reply codes.
const (
	replySucceeded         = 0x00
	replyServerFailure     = 0x01
	replyHostUnreachable   = 0x04
	replyConnectionRefused = 0x05
	replyCmdNotSupported   = 0x07
	replyAddrNotSupported  = 0x08
)

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Address to listen on, e.g. "127.0.0.1:1080".
	Address string

	// Credentials enables username/password authentication when non-empty.
	Credentials Credentials

	// ConnectTimeout bounds the outbound dial.
	ConnectTimeout time.Duration

	// HandshakeTimeout bounds greeting, authentication and request.
	HandshakeTimeout time.Duration

	Logger *slog.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:          "127.0.0.1:1080",
		ConnectTimeout:   10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Server is a SOCKS5 proxy server supporting CONNECT only.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger

	ln      net.Listener
	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	running atomic.Bool
	wg      sync.WaitGroup

	connects atomic.Int64
}

// NewServer creates a new SOCKS5 server.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Server{
		cfg:    cfg,
		logger: logger.With(logging.KeyComponent, "socks5"),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	if s.running.Load() {
		return errors.New("socks5: server already running")
	}
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.ln = ln
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and every open connection, then waits for the
// handlers to exit.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	err := s.ln.Close()

	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// Address returns the listening address.
func (s *Server) Address() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Connects returns the number of CONNECT requests that reached their target.
func (s *Server) Connects() int64 {
	return s.connects.Load()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "socks5.acceptLoop")

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("accept failed", logging.KeyError, err)
			continue
		}
		s.track(conn, true)
		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer s.track(conn, false)
	defer conn.Close()
	defer recovery.RecoverWithLog(s.logger, "socks5.handle")

	if err := s.serve(conn); err != nil {
		s.logger.Debug("connection ended",
			logging.KeyClient, conn.RemoteAddr().String(),
			logging.KeyError, err)
	}
}

func (s *Server) serve(conn net.Conn) error {
	if s.cfg.HandshakeTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	}
	if err := negotiate(conn, s.cfg.Credentials); err != nil {
		return err
	}

	target, err := readRequest(conn)
	if err != nil {
		var re *requestError
		if errors.As(err, &re) {
			sendReply(conn, re.reply, nil)
		}
		return err
	}

	ctx := context.Background()
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}
	var d net.Dialer
	out, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		sendReply(conn, replyFor(err), nil)
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer out.Close()
	s.connects.Add(1)

	if err := sendReply(conn, replySucceeded, out.LocalAddr().(*net.TCPAddr)); err != nil {
		return err
	}
	conn.SetDeadline(time.Time{})

	s.logger.Debug("connected", logging.KeyClient, conn.RemoteAddr().String(), logging.KeyUpstream, target)
	return pipe(conn, out)
}

type requestError struct {
	reply byte
	err   error
}

func (e *requestError) Error() string { return e.err.Error() }

// readRequest parses a CONNECT request and returns the target host:port.
func readRequest(r io.Reader) (string, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return "", err
	}
	if header[0] != Version {
		return "", fmt.Errorf("socks5: unsupported version %d", header[0])
	}
	if header[1] != cmdConnect {
		return "", &requestError{replyCmdNotSupported, fmt.Errorf("socks5: unsupported command %d", header[1])}
	}

	var host string
	switch header[3] {
	case addrIPv4, addrIPv6:
		size := net.IPv4len
		if header[3] == addrIPv6 {
			size = net.IPv6len
		}
		ip := make(net.IP, size)
		if _, err := io.ReadFull(r, ip); err != nil {
			return "", err
		}
		host = ip.String()
	case addrDomain:
		n := make([]byte, 1)
		if _, err := io.ReadFull(r, n); err != nil {
			return "", err
		}
		name := make([]byte, n[0])
		if _, err := io.ReadFull(r, name); err != nil {
			return "", err
		}
		host = string(name)
	default:
		return "", &requestError{replyAddrNotSupported, fmt.Errorf("socks5: unsupported address type %d", header[3])}
	}

	port := make([]byte, 2)
	if _, err := io.ReadFull(r, port); err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(port)))), nil
}

// sendReply writes a reply carrying the bound address, or 0.0.0.0:0 when
// bound is nil.
func sendReply(w io.Writer, code byte, bound *net.TCPAddr) error {
	ip := net.IPv4zero.To4()
	port := 0
	atyp := byte(addrIPv4)
	if bound != nil {
		port = bound.Port
		if v4 := bound.IP.To4(); v4 != nil {
			ip = v4
		} else {
			ip = bound.IP.To16()
			atyp = addrIPv6
		}
	}

	msg := make([]byte, 0, 6+len(ip))
	msg = append(msg, Version, code, 0x00, atyp)
	msg = append(msg, ip...)
	msg = binary.BigEndian.AppendUint16(msg, uint16(port))
	_, err := w.Write(msg)
	return err
}

func replyFor(err error) byte {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return replyHostUnreachable
		}
		return replyConnectionRefused
	}
	return replyServerFailure
}

type closeWriter interface {
	CloseWrite() error
}

// pipe copies both directions until each side has finished, propagating
// half-closes so a peer that reads until EOF sees one.
func pipe(a, b net.Conn) error {
	errc := make(chan error, 2)
	cp := func(dst, src net.Conn) {
		_, err := io.Copy(dst, src)
		if cw, ok := dst.(closeWriter); ok {
			cw.CloseWrite()
		} else {
			dst.Close()
		}
		errc <- err
	}
	go cp(b, a)
	go cp(a, b)

	err1 := <-errc
	err2 := <-errc
	if err1 != nil {
		return err1
	}
	return err2
}
