package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// HeaderSize is the size of the packed stgen header: seq (4) + send_time_us (8).
const HeaderSize = 12

// MaxDatagramSize is the largest UDP payload deliverable over IPv4.
const MaxDatagramSize = 65507

// MaxPayloadSize is the largest payload that fits after the header.
const MaxPayloadSize = MaxDatagramSize - HeaderSize

const (
	seqOffset      = 0
	sendTimeOffset = 4
)

var (
	// ErrShortDatagram is returned when a buffer cannot hold a full header
	ErrShortDatagram = errors.New("datagram shorter than stgen header")
	// ErrPayloadTooLarge is returned when header plus payload exceed a UDP datagram
	ErrPayloadTooLarge = errors.New("payload exceeds maximum datagram size")
)

// Header is the fixed part of every stgen datagram.
type Header struct {
	Seq        uint32 `json:"seq"`
	SendTimeUS uint64 `json:"send_time_us"`
}

// Datagram is a parsed stgen datagram. Payload aliases the buffer passed to Parse.
type Datagram struct {
	Header
	Payload []byte
}

// Size returns the encoded length of the datagram.
func (d Datagram) Size() int {
	return HeaderSize + len(d.Payload)
}

// ByteOrder names the byte order used for header fields.
type ByteOrder string

const (
	OrderNative ByteOrder = "native"
	OrderLittle ByteOrder = "little"
	OrderBig    ByteOrder = "big"
)

// ParseByteOrder accepts native, little, big (and the aliases host, le, be, network).
func ParseByteOrder(s string) (ByteOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "native", "host":
		return OrderNative, nil
	case "little", "le", "little-endian":
		return OrderLittle, nil
	case "big", "be", "big-endian", "network":
		return OrderBig, nil
	default:
		return "", fmt.Errorf("unknown byte order %q", s)
	}
}

// Order is implemented by binary.LittleEndian, binary.BigEndian and binary.NativeEndian.
type Order interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// Binary returns the encoding/binary implementation for the order.
func (o ByteOrder) Binary() Order {
	switch o {
	case OrderLittle:
		return binary.LittleEndian
	case OrderBig:
		return binary.BigEndian
	default:
		return binary.NativeEndian
	}
}

// Codec encodes and decodes stgen headers at fixed offsets.
type Codec struct {
	order Order
}

// NewCodec creates a codec for the given byte order.
func NewCodec(order ByteOrder) *Codec {
	return &Codec{order: order.Binary()}
}

// PutHeader writes h into the first HeaderSize bytes of dst.
func (c *Codec) PutHeader(dst []byte, h Header) error {
	if len(dst) < HeaderSize {
		return ErrShortDatagram
	}
	c.order.PutUint32(dst[seqOffset:], h.Seq)
	c.order.PutUint64(dst[sendTimeOffset:], h.SendTimeUS)
	return nil
}

// AppendDatagram appends the encoded header followed by payload to dst.
func (c *Codec) AppendDatagram(dst []byte, h Header, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return dst, ErrPayloadTooLarge
	}
	dst = c.order.AppendUint32(dst, h.Seq)
	dst = c.order.AppendUint64(dst, h.SendTimeUS)
	return append(dst, payload...), nil
}

// ParseHeader decodes the header from the start of b.
func (c *Codec) ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: got %d bytes", ErrShortDatagram, len(b))
	}
	return Header{
		Seq:        c.order.Uint32(b[seqOffset:]),
		SendTimeUS: c.order.Uint64(b[sendTimeOffset:]),
	}, nil
}

// Parse decodes a full datagram. The payload is the remainder of b after the header.
func (c *Codec) Parse(b []byte) (Datagram, error) {
	h, err := c.ParseHeader(b)
	if err != nil {
		return Datagram{}, err
	}
	return Datagram{Header: h, Payload: b[HeaderSize:]}, nil
}

// Restamp overwrites the send time of an already encoded datagram in place.
func (c *Codec) Restamp(b []byte, sendTimeUS uint64) error {
	if len(b) < HeaderSize {
		return ErrShortDatagram
	}
	c.order.PutUint64(b[sendTimeOffset:], sendTimeUS)
	return nil
}

// SeqDistance returns a - b using 32-bit serial number arithmetic (RFC 1982).
// Positive means a is ahead of b.
func SeqDistance(a, b uint32) int64 {
	return int64(int32(a - b))
}
