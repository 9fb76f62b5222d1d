// Package socks5 implements a small CONNECT-only SOCKS5 server (RFC 1928,
// with RFC 1929 username/password authentication). It stands in for the
// stream tunnel that sits in front of the upstream resolver.
package socks5

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
)

// Authentication methods.
const (
	MethodNoAuth       = 0x00
	MethodUserPass     = 0x02
	MethodNoAcceptable = 0xFF
)

const userPassVersion = 0x01

// ErrAuthFailed is returned when a client presents wrong credentials.
var ErrAuthFailed = errors.New("socks5: authentication failed")

// Credentials maps usernames to passwords. A nil or empty map disables
// authentication.
type Credentials map[string]string

func (c Credentials) valid(user, pass string) bool {
	stored, ok := c[user]
	if !ok {
		subtle.ConstantTimeCompare([]byte(pass), []byte(pass))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(pass)) == 1
}

// negotiate reads the client greeting and selects a method.
func negotiate(rw io.ReadWriter, creds Credentials) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(rw, header); err != nil {
		return err
	}
	if header[0] != Version {
		return fmt.Errorf("socks5: unsupported version %d", header[0])
	}
	methods := make([]byte, header[1])
	if _, err := io.ReadFull(rw, methods); err != nil {
		return err
	}

	want := byte(MethodNoAuth)
	if len(creds) > 0 {
		want = MethodUserPass
	}
	offered := false
	for _, m := range methods {
		if m == want {
			offered = true
			break
		}
	}
	if !offered {
		rw.Write([]byte{Version, MethodNoAcceptable})
		return fmt.Errorf("socks5: client did not offer method %d", want)
	}
	if _, err := rw.Write([]byte{Version, want}); err != nil {
		return err
	}

	if want == MethodUserPass {
		return authenticate(rw, creds)
	}
	return nil
}

// authenticate runs the RFC 1929 sub-negotiation.
func authenticate(rw io.ReadWriter, creds Credentials) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(rw, header); err != nil {
		return err
	}
	if header[0] != userPassVersion {
		return fmt.Errorf("socks5: unsupported auth version %d", header[0])
	}
	user := make([]byte, header[1])
	if _, err := io.ReadFull(rw, user); err != nil {
		return err
	}
	plen := make([]byte, 1)
	if _, err := io.ReadFull(rw, plen); err != nil {
		return err
	}
	pass := make([]byte, plen[0])
	if _, err := io.ReadFull(rw, pass); err != nil {
		return err
	}

	if !creds.valid(string(user), string(pass)) {
		rw.Write([]byte{userPassVersion, 0x01})
		return ErrAuthFailed
	}
	_, err := rw.Write([]byte{userPassVersion, 0x00})
	return err
}
