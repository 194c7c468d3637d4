package http

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"sort"
	"strconv"
	"strings"

	"github.com/ruleflow/ruleflow/internal/common"
)

var headerEnd = []byte("\r\n\r\n")

// peekRawHeaders returns the header names and values of the next message in
// br with their wire spelling, without consuming anything. A nil list means
// the block could not be captured; parsing then falls back to canonical names.
func peekRawHeaders(br *bufio.Reader) ([]string, error) {
	if _, err := br.Peek(1); err != nil {
		return nil, err
	}
	for {
		n := br.Buffered()
		buf, _ := br.Peek(n)
		if i := bytes.Index(buf, headerEnd); i >= 0 {
			return parseRawHeaders(buf[:i]), nil
		}
		if n >= br.Size() {
			return nil, nil
		}
		if _, err := br.Peek(n + 1); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, err
		}
	}
}

func parseRawHeaders(block []byte) []string {
	lines := strings.Split(string(block), "\r\n")
	raw := make([]string, 0, 2*len(lines))
	for _, line := range lines[1:] {
		if line == "" || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			continue
		}
		raw = append(raw, line[:i], strings.TrimSpace(line[i+1:]))
	}
	return raw
}

// hop-by-hop headers the proxy writes itself or never forwards.
var skipHeaders = map[string]bool{
	"Connection":        true,
	"Proxy-Connection":  true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Content-Length":    true,
	"Host":              true,
}

// writeHeader writes h using the wire spelling in names. Keys are sorted so
// the output is stable.
func writeHeader(w io.Writer, h http.Header, names map[string]string) error {
	keys := make([]string, 0, len(h))
	for k := range h {
		if !skipHeaders[http.CanonicalHeaderKey(k)] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := common.RawName(names, k)
		for _, v := range h[k] {
			v = strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
			if _, err := fmt.Fprintf(w, "%s: %s\r\n", name, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeField(w io.Writer, names map[string]string, key, value string) error {
	_, err := fmt.Fprintf(w, "%s: %s\r\n", common.RawName(names, key), value)
	return err
}

// writeFraming writes the length headers and the blank line ending the header
// block. A negative length selects chunked encoding.
func writeFraming(w io.Writer, names map[string]string, length int64) error {
	var err error
	if length >= 0 {
		err = writeField(w, names, "Content-Length", strconv.FormatInt(length, 10))
	} else {
		err = writeField(w, names, "Transfer-Encoding", "chunked")
	}
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, "\r\n")
	return err
}

// writeBody copies body using the framing chosen by writeFraming.
func writeBody(w io.Writer, body io.Reader, length int64) error {
	if length >= 0 {
		n, err := io.Copy(w, io.LimitReader(body, length))
		if err == nil && n < length {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	cw := httputil.NewChunkedWriter(w)
	if _, err := io.Copy(cw, body); err != nil {
		return err
	}
	if err := cw.Close(); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

func writeError(w io.Writer, code int, msg string) {
	text := http.StatusText(code)
	_, _ = fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, text, len(msg), msg)
}

// bufferedConn serves reads from a reader that may hold bytes already pulled
// off the connection.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *bufferedConn) CloseRead() error {
	if cr, ok := c.Conn.(interface{ CloseRead() error }); ok {
		return cr.CloseRead()
	}
	return c.Conn.Close()
}

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}
