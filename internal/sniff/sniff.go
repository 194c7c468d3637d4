// Package sniff classifies the first client bytes of a CONNECT tunnel so the
// proxy can tell plaintext HTTP from TLS and other opaque streams.
package sniff

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

type Protocol string

const (
	TCP  Protocol = "tcp"
	HTTP Protocol = "http"
	TLS  Protocol = "tls"
	SSH  Protocol = "ssh"
)

// Result is what Detect learned about a stream.
type Result struct {
	Protocol Protocol
	// ServerName is the TLS SNI, when the ClientHello carries one.
	ServerName string
}

// Detect peeks br without consuming anything. A stream that ends before it
// can be classified is reported as TCP with a nil error; other read errors
// (a deadline, for instance) are returned alongside TCP.
func Detect(br *bufio.Reader) (Result, error) {
	head, err := br.Peek(1)
	if err != nil {
		return Result{Protocol: TCP}, eofOK(err)
	}
	switch {
	case head[0] == recordHandshake:
		name, ok, err := ServerName(br)
		if err != nil {
			return Result{Protocol: TCP}, eofOK(err)
		}
		if ok {
			return Result{Protocol: TLS, ServerName: name}, nil
		}
	case head[0] == 'S':
		prefix, err := br.Peek(4)
		if err != nil {
			return Result{Protocol: TCP}, eofOK(err)
		}
		if string(prefix) == "SSH-" {
			return Result{Protocol: SSH}, nil
		}
	default:
		ok, err := IsHTTP(br)
		if err != nil {
			return Result{Protocol: TCP}, eofOK(err)
		}
		if ok {
			return Result{Protocol: HTTP}, nil
		}
	}
	return Result{Protocol: TCP}, nil
}

func eofOK(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// peekLine returns the first buffered line without CRLF, looking at most
// max bytes and never blocking for more input.
func peekLine(br *bufio.Reader, max int) ([]byte, bool) {
	n := br.Buffered()
	if n > max {
		n = max
	}
	buf, err := br.Peek(n)
	if err != nil {
		return nil, false
	}
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		return nil, false
	}
	return bytes.TrimSuffix(buf[:i], []byte("\r")), true
}
