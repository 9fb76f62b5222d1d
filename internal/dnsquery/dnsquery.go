// Package dnsquery is a minimal UDP DNS client for checking a running relay
// from the command line. The relay itself never parses DNS messages; this
// package exists only on the client side.
package dnsquery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"strings"
	"time"

	"golang.org/x/net/dns/dnsmessage"
)

const maxMsgSize = 65535

// ErrTimeout is returned when no matching response arrives in time.
var ErrTimeout = errors.New("dns query timed out")

var typeNames = map[string]dnsmessage.Type{
	"A":     dnsmessage.TypeA,
	"AAAA":  dnsmessage.TypeAAAA,
	"CNAME": dnsmessage.TypeCNAME,
	"MX":    dnsmessage.TypeMX,
	"NS":    dnsmessage.TypeNS,
	"PTR":   dnsmessage.TypePTR,
	"SOA":   dnsmessage.TypeSOA,
	"SRV":   dnsmessage.TypeSRV,
	"TXT":   dnsmessage.TypeTXT,
}

// ParseType converts a record type name such as "AAAA" to its dnsmessage.Type.
func ParseType(s string) (dnsmessage.Type, error) {
	t, ok := typeNames[strings.ToUpper(s)]
	if !ok {
		return 0, fmt.Errorf("unsupported record type: %s", s)
	}
	return t, nil
}

// NewQuestion builds an IN-class question for domain. A missing trailing dot
// is added.
func NewQuestion(domain string, qtype dnsmessage.Type) (dnsmessage.Question, error) {
	if !strings.HasSuffix(domain, ".") {
		domain += "."
	}
	name, err := dnsmessage.NewName(domain)
	if err != nil {
		return dnsmessage.Question{}, fmt.Errorf("cannot parse domain name: %w", err)
	}
	return dnsmessage.Question{
		Name:  name,
		Type:  qtype,
		Class: dnsmessage.ClassINET,
	}, nil
}

// Result is a completed exchange.
type Result struct {
	Message dnsmessage.Message
	Size    int
	RTT     time.Duration
}

// Exchange sends q to server over UDP and waits for the response with the
// matching ID. Responses with other IDs are ignored. ctx bounds the wait.
func Exchange(ctx context.Context, server string, q dnsmessage.Question) (*Result, error) {
	id := uint16(rand.Intn(1 << 16))
	query := dnsmessage.Message{
		Header: dnsmessage.Header{
			ID:               id,
			RecursionDesired: true,
		},
		Questions: []dnsmessage.Question{q},
	}
	packed, err := query.Pack()
	if err != nil {
		return nil, fmt.Errorf("pack query: %w", err)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", server)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", server, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	start := time.Now()
	if _, err := conn.Write(packed); err != nil {
		return nil, fmt.Errorf("send query: %w", err)
	}

	buf := make([]byte, maxMsgSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, ErrTimeout
			}
			return nil, fmt.Errorf("read response: %w", err)
		}

		var msg dnsmessage.Message
		if err := msg.Unpack(buf[:n]); err != nil {
			continue
		}
		if !msg.Header.Response || msg.Header.ID != id {
			continue
		}
		return &Result{Message: msg, Size: n, RTT: time.Since(start)}, nil
	}
}

// FormatResource renders a resource record as a single zone-file style line.
func FormatResource(r dnsmessage.Resource) string {
	return fmt.Sprintf("%s\t%d\t%s\t%s\t%s",
		r.Header.Name.String(),
		r.Header.TTL,
		strings.TrimPrefix(r.Header.Class.String(), "Class"),
		strings.TrimPrefix(r.Header.Type.String(), "Type"),
		formatBody(r.Body))
}

func formatBody(body dnsmessage.ResourceBody) string {
	switch b := body.(type) {
	case *dnsmessage.AResource:
		return netip.AddrFrom4(b.A).String()
	case *dnsmessage.AAAAResource:
		return netip.AddrFrom16(b.AAAA).String()
	case *dnsmessage.CNAMEResource:
		return b.CNAME.String()
	case *dnsmessage.NSResource:
		return b.NS.String()
	case *dnsmessage.PTRResource:
		return b.PTR.String()
	case *dnsmessage.MXResource:
		return fmt.Sprintf("%d %s", b.Pref, b.MX.String())
	case *dnsmessage.SRVResource:
		return fmt.Sprintf("%d %d %d %s", b.Priority, b.Weight, b.Port, b.Target.String())
	case *dnsmessage.TXTResource:
		quoted := make([]string, len(b.TXT))
		for i, s := range b.TXT {
			quoted[i] = fmt.Sprintf("%q", s)
		}
		return strings.Join(quoted, " ")
	case *dnsmessage.SOAResource:
		return fmt.Sprintf("%s %s %d %d %d %d %d",
			b.NS.String(), b.MBox.String(), b.Serial, b.Refresh, b.Retry, b.Expire, b.MinTTL)
	default:
		return fmt.Sprintf("%v", body)
	}
}
