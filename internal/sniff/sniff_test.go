package sniff

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

func u16(n int) []byte {
	return binary.BigEndian.AppendUint16(nil, uint16(n))
}

// clientHelloRecord builds a TLS 1.2 ClientHello record, with an SNI
// extension when sni is not empty.
func clientHelloRecord(sni string) []byte {
	var exts []byte
	// An unrelated extension first so the walk has to skip it.
	exts = append(exts, 0x00, 0x17, 0x00, 0x00)
	if sni != "" {
		entry := append([]byte{0x00}, u16(len(sni))...)
		entry = append(entry, sni...)
		list := append(u16(len(entry)), entry...)
		exts = append(exts, 0x00, 0x00)
		exts = append(exts, u16(len(list))...)
		exts = append(exts, list...)
	}

	var body []byte
	body = append(body, 0x03, 0x03)
	body = append(body, make([]byte, 32)...)
	body = append(body, 0x00)
	body = append(body, 0x00, 0x02, 0x13, 0x01)
	body = append(body, 0x01, 0x00)
	body = append(body, u16(len(exts))...)
	body = append(body, exts...)

	hs := []byte{0x01, byte(len(body) >> 16), byte(len(body) >> 8), byte(len(body))}
	hs = append(hs, body...)

	rec := []byte{0x16, 0x03, 0x01}
	rec = append(rec, u16(len(hs))...)
	return append(rec, hs...)
}

func reader(b []byte) *bufio.Reader {
	return bufio.NewReader(bytes.NewReader(b))
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name       string
		input      []byte
		want       Protocol
		serverName string
	}{
		{"http get", []byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n"), HTTP, ""},
		{"http options", []byte("OPTIONS * HTTP/1.0\r\n\r\n"), HTTP, ""},
		{"http partial line", []byte("POST /upload"), HTTP, ""},
		{"http/2 preface", []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"), TCP, ""},
		{"wrong proto", []byte("GET / SPDY/3\r\n"), TCP, ""},
		{"lowercase method", []byte("get / HTTP/1.1\r\n"), TCP, ""},
		{"tls with sni", clientHelloRecord("example.com"), TLS, "example.com"},
		{"tls without sni", clientHelloRecord(""), TLS, ""},
		{"ssh", []byte("SSH-2.0-OpenSSH_9.6\r\n"), SSH, ""},
		{"opaque", []byte("ping"), TCP, ""},
		{"empty", nil, TCP, ""},
		{"short", []byte("GE"), TCP, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			br := reader(tt.input)
			got, err := Detect(br)
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if got.Protocol != tt.want || got.ServerName != tt.serverName {
				t.Errorf("Detect = %+v, want %s %q", got, tt.want, tt.serverName)
			}
			if br.Buffered() != len(tt.input) {
				t.Errorf("Detect consumed input: %d of %d bytes still buffered", br.Buffered(), len(tt.input))
			}
		})
	}
}

func TestServerNameRejectsGarbage(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"not a handshake", []byte{0x17, 0x03, 0x03, 0x00, 0x05, 1, 2, 3, 4, 5}},
		{"bad version", []byte{0x16, 0x02, 0x00, 0x00, 0x05, 1, 2, 3, 4, 5}},
		{"server hello", append([]byte{0x16, 0x03, 0x03, 0x00, 0x04}, 0x02, 0x00, 0x00, 0x00)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok, err := ServerName(reader(tt.input))
			if err != nil || ok {
				t.Errorf("ServerName = (%v, %v), want not a ClientHello", ok, err)
			}
		})
	}
}

func TestServerNameTruncated(t *testing.T) {
	rec := clientHelloRecord("truncated.example")
	// Drop the tail of the SNI so the extension overruns.
	name, ok, err := ServerName(reader(rec[:len(rec)-5]))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || name != "" {
		t.Errorf("ServerName = (%q, %v), want ClientHello without a usable name", name, ok)
	}
}

func TestServerNameInvalidHost(t *testing.T) {
	name, ok, err := ServerName(reader(clientHelloRecord("bad host!")))
	if err != nil || !ok || name != "" {
		t.Errorf("ServerName = (%q, %v, %v)", name, ok, err)
	}
}

func TestIsHTTPLongLine(t *testing.T) {
	line := "GET /" + strings.Repeat("a", 300) + " HTTP/1.1\r\n"
	ok, err := IsHTTP(reader([]byte(line)))
	if err != nil || !ok {
		t.Errorf("IsHTTP = (%v, %v), want true for a line longer than the peek window", ok, err)
	}
}
