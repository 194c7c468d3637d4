package sniff

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
)

const (
	recordHandshake   = 0x16
	handshakeHello    = 0x01
	extServerName     = 0x0000
	maxRecordLen      = 16384
	recordHeaderLen   = 5
	serverNameHostKey = 0
)

// ServerName peeks a TLS ClientHello and returns its SNI. ok is false when
// the data is not a ClientHello; a ClientHello without SNI gives ok with an
// empty name.
func ServerName(br *bufio.Reader) (name string, ok bool, err error) {
	header, err := br.Peek(recordHeaderLen)
	if err != nil {
		return "", false, err
	}
	if header[0] != recordHandshake || header[1] != 0x03 || header[2] < 0x01 || header[2] > 0x04 {
		return "", false, nil
	}
	n := int(binary.BigEndian.Uint16(header[3:5]))
	if n == 0 || n > maxRecordLen {
		return "", false, nil
	}
	record, err := br.Peek(recordHeaderLen + n)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return "", false, err
		}
		// Truncated stream: parse what arrived.
		record, _ = br.Peek(br.Buffered())
	}
	hello, ok := clientHello(record[recordHeaderLen:])
	if !ok {
		return "", false, nil
	}
	return serverName(hello), true, nil
}

// cursor reads length-prefixed fields and goes empty on the first overrun.
type cursor []byte

func (c *cursor) bytes(n int) []byte {
	if n < 0 || n > len(*c) {
		*c = nil
		return nil
	}
	b := (*c)[:n]
	*c = (*c)[n:]
	return b
}

func (c *cursor) u8() int {
	b := c.bytes(1)
	if b == nil {
		return -1
	}
	return int(b[0])
}

func (c *cursor) u16() int {
	b := c.bytes(2)
	if b == nil {
		return -1
	}
	return int(binary.BigEndian.Uint16(b))
}

func (c *cursor) u24() int {
	b := c.bytes(3)
	if b == nil {
		return -1
	}
	return int(b[0])<<16 | int(b[1])<<8 | int(b[2])
}

// clientHello strips the handshake header and returns the ClientHello body,
// clipped to what is present.
func clientHello(data []byte) (cursor, bool) {
	c := cursor(data)
	if c.u8() != handshakeHello {
		return nil, false
	}
	n := c.u24()
	if n < 0 {
		return nil, false
	}
	if n > len(c) {
		n = len(c)
	}
	return c[:n], true
}

func serverName(c cursor) string {
	c.bytes(2 + 32) // version, random
	c.bytes(c.u8()) // session id
	c.bytes(c.u16())
	c.bytes(c.u8())
	n := c.u16()
	if n < 0 {
		return ""
	}
	if n > len(c) {
		n = len(c)
	}
	exts := c[:n]
	for len(exts) >= 4 {
		typ := exts.u16()
		body := cursor(exts.bytes(exts.u16()))
		if body == nil {
			return ""
		}
		if typ == extServerName {
			return hostName(body)
		}
	}
	return ""
}

func hostName(c cursor) string {
	list := cursor(c.bytes(c.u16()))
	for len(list) >= 3 {
		typ := list.u8()
		name := list.bytes(list.u16())
		if name == nil {
			return ""
		}
		if typ == serverNameHostKey && validHostname(name) {
			return string(name)
		}
	}
	return ""
}

func validHostname(b []byte) bool {
	if len(b) == 0 || len(b) > 253 {
		return false
	}
	for _, ch := range b {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '.' || ch == '-' || ch == '_':
		default:
			return false
		}
	}
	return true
}
