package upstream

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// LengthPrefixSize is the size of the length field preceding every query
	// written upstream.
	LengthPrefixSize = 2

	// MaxQueryLength is the largest payload the length field can describe.
	MaxQueryLength = 0xFFFF
)

var (
	// ErrQueryTooLarge is returned when a query does not fit the 16-bit length field.
	ErrQueryTooLarge = errors.New("query exceeds maximum framed length")

	// ErrShortPrefix is returned when decoding fewer than LengthPrefixSize bytes.
	ErrShortPrefix = errors.New("length prefix too short")
)

// The upstream expects the length low byte first. This is not the big-endian
// framing of RFC 1035 section 4.2.2 and must not be "corrected".

// EncodeLength returns the length prefix for a payload of n bytes.
func EncodeLength(n int) ([LengthPrefixSize]byte, error) {
	var prefix [LengthPrefixSize]byte
	if n < 0 || n > MaxQueryLength {
		return prefix, fmt.Errorf("%w: %d bytes", ErrQueryTooLarge, n)
	}
	binary.LittleEndian.PutUint16(prefix[:], uint16(n))
	return prefix, nil
}

// AppendFrame appends the length prefix followed by payload to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxQueryLength {
		return dst, fmt.Errorf("%w: %d bytes", ErrQueryTooLarge, len(payload))
	}
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(payload)))
	return append(dst, payload...), nil
}

// DecodeLength reads the payload length from the first two bytes of b.
func DecodeLength(b []byte) (int, error) {
	if len(b) < LengthPrefixSize {
		return 0, ErrShortPrefix
	}
	return int(binary.LittleEndian.Uint16(b)), nil
}
