// Package upstream carries a single DNS query to the upstream resolver over a
// fresh, length-prefixed TCP connection and returns the raw response.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
)

// Stage names the step of an exchange that failed.
type Stage string

const (
	StageDial  Stage = "dial"
	StageWrite Stage = "write"
	StageRead  Stage = "read"
)

var (
	// ErrResponseTooLarge is returned when the upstream sends more than
	// Config.MaxResponseSize bytes before closing.
	ErrResponseTooLarge = errors.New("upstream response too large")

	// ErrEmptyResponse is returned when the upstream closes without sending
	// anything and Config.RejectEmpty is set.
	ErrEmptyResponse = errors.New("upstream closed without a response")
)

// StageError wraps a failure with the stage it happened in.
type StageError struct {
	Stage Stage
	Addr  string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("upstream %s %s: %v", e.Stage, e.Addr, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StageOf returns the stage of err, or "" if err did not come from a Forwarder.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// Config holds upstream resolver settings.
type Config struct {
	// Host and Port locate the upstream DNS server. It must accept TCP.
	Host string
	Port int

	// DialTimeout bounds connection setup. 0 means no timeout beyond the context.
	DialTimeout time.Duration

	// IOTimeout bounds the write and read-until-close exchange.
	IOTimeout time.Duration

	// MaxResponseSize caps the bytes accepted before the upstream closes.
	MaxResponseSize int

	// RejectEmpty turns a response of zero bytes into ErrEmptyResponse.
	// By default it is returned as is and relayed as an empty datagram.
	RejectEmpty bool

	// Proxy optionally routes the connection through a SOCKS5 proxy,
	// e.g. "socks5://127.0.0.1:1080".
	Proxy string

	// Dialer overrides the dialer built from DialTimeout and Proxy.
	Dialer proxy.ContextDialer
}

// DefaultConfig returns sensible defaults for everything but the endpoint.
func DefaultConfig() Config {
	return Config{
		DialTimeout:     5 * time.Second,
		IOTimeout:       5 * time.Second,
		MaxResponseSize: MaxQueryLength + LengthPrefixSize,
	}
}

// Forwarder performs query exchanges with one upstream. It holds no per-query
// state and is safe for concurrent use; every call opens its own connection.
type Forwarder struct {
	cfg    Config
	addr   string
	dialer proxy.ContextDialer
}

// New creates a Forwarder for cfg.
func New(cfg Config) (*Forwarder, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("upstream host is required")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid upstream port: %d", cfg.Port)
	}
	if cfg.MaxResponseSize <= 0 {
		cfg.MaxResponseSize = DefaultConfig().MaxResponseSize
	}

	dialer := cfg.Dialer
	if dialer == nil {
		var err error
		dialer, err = newDialer(cfg)
		if err != nil {
			return nil, err
		}
	}

	return &Forwarder{
		cfg:    cfg,
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		dialer: dialer,
	}, nil
}

func newDialer(cfg Config) (proxy.ContextDialer, error) {
	direct := &net.Dialer{Timeout: cfg.DialTimeout}
	if cfg.Proxy == "" {
		return direct, nil
	}

	u, err := url.Parse(cfg.Proxy)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	d, err := proxy.FromURL(u, direct)
	if err != nil {
		return nil, fmt.Errorf("create proxy dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("proxy scheme %q does not support context dialing", u.Scheme)
	}
	return cd, nil
}

// Address returns the upstream host:port.
func (f *Forwarder) Address() string {
	return f.addr
}

// Forward sends query upstream and returns everything the upstream writes
// back before closing the connection. The connection is closed on return, and
// cancelling ctx closes it immediately to unblock a pending read.
func (f *Forwarder) Forward(ctx context.Context, query []byte) ([]byte, error) {
	frame, err := AppendFrame(make([]byte, 0, LengthPrefixSize+len(query)), query)
	if err != nil {
		return nil, err
	}

	dialCtx := ctx
	if f.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, f.cfg.DialTimeout)
		defer cancel()
	}

	conn, err := f.dialer.DialContext(dialCtx, "tcp", f.addr)
	if err != nil {
		return nil, f.stageError(ctx, StageDial, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	if f.cfg.IOTimeout > 0 {
		conn.SetDeadline(time.Now().Add(f.cfg.IOTimeout))
	}

	if _, err := conn.Write(frame); err != nil {
		return nil, f.stageError(ctx, StageWrite, err)
	}

	// Read one byte past the cap so an oversized response is detectable.
	resp, err := io.ReadAll(io.LimitReader(conn, int64(f.cfg.MaxResponseSize)+1))
	if err != nil {
		return nil, f.stageError(ctx, StageRead, err)
	}
	if len(resp) > f.cfg.MaxResponseSize {
		return nil, f.stageError(ctx, StageRead, ErrResponseTooLarge)
	}
	if len(resp) == 0 && f.cfg.RejectEmpty {
		return nil, f.stageError(ctx, StageRead, ErrEmptyResponse)
	}

	return resp, nil
}

func (f *Forwarder) stageError(ctx context.Context, stage Stage, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	return &StageError{Stage: stage, Addr: f.addr, Err: err}
}
