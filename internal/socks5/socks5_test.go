package socks5

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/net/proxy"
)

func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().String()
}

func startServer(t *testing.T, creds Credentials) *Server {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.Credentials = creds
	s := NewServer(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func dialThrough(t *testing.T, s *Server, auth *proxy.Auth, target string) (net.Conn, error) {
	t.Helper()
	d, err := proxy.SOCKS5("tcp", s.Address().String(), auth, proxy.Direct)
	if err != nil {
		t.Fatalf("proxy.SOCKS5() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return d.(proxy.ContextDialer).DialContext(ctx, "tcp", target)
}

func roundTrip(t *testing.T, conn net.Conn, msg []byte) {
	t.Helper()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("echo = %q, want %q", got, msg)
	}
}

func TestServer_Connect(t *testing.T) {
	target := startEcho(t)
	s := startServer(t, nil)

	conn, err := dialThrough(t, s, nil, target)
	if err != nil {
		t.Fatalf("dial through proxy: %v", err)
	}
	defer conn.Close()

	roundTrip(t, conn, []byte("hello through the tunnel"))
	if s.Connects() != 1 {
		t.Errorf("Connects() = %d, want 1", s.Connects())
	}
}

func TestServer_UserPass(t *testing.T) {
	target := startEcho(t)
	s := startServer(t, Credentials{"relay": "secret"})

	conn, err := dialThrough(t, s, &proxy.Auth{User: "relay", Password: "secret"}, target)
	if err != nil {
		t.Fatalf("dial with valid credentials: %v", err)
	}
	defer conn.Close()
	roundTrip(t, conn, []byte{0x0C, 0x00, 0xAB})

	if _, err := dialThrough(t, s, &proxy.Auth{User: "relay", Password: "wrong"}, target); err == nil {
		t.Error("dial with wrong password should fail")
	}
	if _, err := dialThrough(t, s, nil, target); err == nil {
		t.Error("dial without credentials should fail")
	}
}

func TestServer_TargetRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	target := ln.Addr().String()
	ln.Close()

	s := startServer(t, nil)
	if _, err := dialThrough(t, s, nil, target); err == nil {
		t.Fatal("dial to a closed port should fail")
	}
	if s.Connects() != 0 {
		t.Errorf("Connects() = %d, want 0", s.Connects())
	}
}

func TestServer_RejectsBind(t *testing.T) {
	s := startServer(t, nil)

	conn, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	conn.Write([]byte{Version, 1, MethodNoAuth})
	method := make([]byte, 2)
	if _, err := io.ReadFull(conn, method); err != nil {
		t.Fatalf("read method: %v", err)
	}
	if method[1] != MethodNoAuth {
		t.Fatalf("method = %#x, want no-auth", method[1])
	}

	// BIND 127.0.0.1:53
	conn.Write([]byte{Version, 0x02, 0x00, addrIPv4, 127, 0, 0, 1, 0, 53})
	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != replyCmdNotSupported {
		t.Errorf("reply code = %#x, want %#x", reply[1], replyCmdNotSupported)
	}
}

func TestReadRequest_Domain(t *testing.T) {
	req := []byte{Version, cmdConnect, 0x00, addrDomain, 9}
	req = append(req, "localhost"...)
	req = append(req, 0x23, 0x55) // 9045

	got, err := readRequest(bytes.NewReader(req))
	if err != nil {
		t.Fatalf("readRequest() error = %v", err)
	}
	if got != "localhost:9045" {
		t.Errorf("readRequest() = %q, want localhost:9045", got)
	}
}

func TestServer_StopClosesConnections(t *testing.T) {
	target := startEcho(t)
	s := startServer(t, nil)

	conn, err := dialThrough(t, s, nil, target)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return with an open tunnel")
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("read after Stop should fail")
	}
}
