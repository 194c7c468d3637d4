// Package socks5 is a no-auth SOCKS5 front end. CONNECT requests are dialed
// here and then handed to the HTTP front end, which serves plaintext HTTP
// through the pipeline and relays everything else.
package socks5

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ruleflow/ruleflow/internal/config"
	"github.com/ruleflow/ruleflow/internal/log"
	shttp "github.com/ruleflow/ruleflow/internal/server/http"
)

const (
	socksVer5   = 0x05
	authNone    = 0x00
	authNoMatch = 0xff

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSuccess         = 0x00
	repFailure         = 0x01
	repHostUnreachable = 0x04
	repCmdNotSupported = 0x07
	repAtypUnsupported = 0x08

	readBufferSize = 64 * 1024
	dialTimeout    = 10 * time.Second
	handshakeWait  = 10 * time.Second
)

var (
	ErrInvalidVersion = errors.New("invalid socks version")
	ErrNoAcceptedAuth = errors.New("no acceptable auth method")
)

// cmdError carries the reply code for a request that cannot be served.
type cmdError struct {
	rep byte
	err error
}

func (e *cmdError) Error() string { return e.err.Error() }
func (e *cmdError) Unwrap() error { return e.err }

// Tunneler takes over a client connection once its upstream is dialed.
type Tunneler interface {
	ServeTunnel(client net.Conn, br *bufio.Reader, upstream net.Conn, addr, kind string)
}

type Server struct {
	cfg    *config.Config
	tunnel Tunneler
	dialer *net.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func New(cfg *config.Config, tunnel Tunneler) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		tunnel: tunnel,
		dialer: &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second},
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[net.Conn]struct{}),
	}
}

func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.SOCKS5ListenAddr())
	if err != nil {
		return fmt.Errorf("net.Listen: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	slog.Info("SOCKS5 server listening", slog.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server not listening")
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("ln.Accept: %w", err)
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				_ = conn.Close()
			}()
			s.handleClient(conn)
		}()
	}
}

func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	return err
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.cfg.SOCKS5ListenAddr()
	}
	return s.listener.Addr().String()
}

func (s *Server) handleClient(client net.Conn) {
	remote := client.RemoteAddr().String()
	br := bufio.NewReaderSize(client, readBufferSize)

	_ = client.SetDeadline(time.Now().Add(handshakeWait))
	if err := negotiate(br, client); err != nil {
		log.LogDebugWithAddr(remote, "", fmt.Sprintf("socks5 negotiate: %v", err))
		return
	}
	addr, err := readRequest(br)
	if err != nil {
		log.LogDebugWithAddr(remote, addr, fmt.Sprintf("socks5 request: %v", err))
		var ce *cmdError
		if errors.As(err, &ce) {
			_ = reply(client, ce.rep)
		}
		return
	}

	upstream, err := s.dialer.DialContext(s.ctx, "tcp", addr)
	if err != nil {
		log.LogDebugWithAddr(remote, addr, fmt.Sprintf("dial: %v", err))
		_ = reply(client, dialReply(err))
		return
	}
	if err := reply(client, repSuccess); err != nil {
		_ = upstream.Close()
		return
	}
	_ = client.SetDeadline(time.Time{})

	log.LogInfoWithAddr(remote, addr, "SOCKS5 CONNECT request")
	s.tunnel.ServeTunnel(client, br, upstream, addr, shttp.KindSOCKS5)
}

// negotiate reads the greeting and selects no-auth, the only method offered.
func negotiate(r io.Reader, w io.Writer) error {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if head[0] != socksVer5 {
		return ErrInvalidVersion
	}
	methods := make([]byte, head[1])
	if _, err := io.ReadFull(r, methods); err != nil {
		return fmt.Errorf("read methods: %w", err)
	}
	for _, m := range methods {
		if m == authNone {
			_, err := w.Write([]byte{socksVer5, authNone})
			return err
		}
	}
	_, _ = w.Write([]byte{socksVer5, authNoMatch})
	return ErrNoAcceptedAuth
}

// readRequest reads one request and returns its host:port target.
func readRequest(r io.Reader) (string, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return "", fmt.Errorf("read header: %w", err)
	}
	if head[0] != socksVer5 {
		return "", ErrInvalidVersion
	}

	var host string
	switch head[3] {
	case atypIPv4, atypIPv6:
		size := net.IPv4len
		if head[3] == atypIPv6 {
			size = net.IPv6len
		}
		ip := make(net.IP, size)
		if _, err := io.ReadFull(r, ip); err != nil {
			return "", fmt.Errorf("read address: %w", err)
		}
		host = ip.String()
	case atypDomain:
		var n [1]byte
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return "", fmt.Errorf("read hostname length: %w", err)
		}
		name := make([]byte, n[0])
		if _, err := io.ReadFull(r, name); err != nil {
			return "", fmt.Errorf("read hostname: %w", err)
		}
		host = string(name)
	default:
		return "", &cmdError{rep: repAtypUnsupported, err: fmt.Errorf("address type %#x", head[3])}
	}

	var port [2]byte
	if _, err := io.ReadFull(r, port[:]); err != nil {
		return "", fmt.Errorf("read port: %w", err)
	}
	addr := net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(port[:]))))
	if head[1] != cmdConnect {
		return addr, &cmdError{rep: repCmdNotSupported, err: fmt.Errorf("command %#x", head[1])}
	}
	return addr, nil
}

// reply answers with the given code and a zero IPv4 bind address.
func reply(w io.Writer, rep byte) error {
	_, err := w.Write([]byte{socksVer5, rep, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0})
	return err
}

func dialReply(err error) byte {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return repHostUnreachable
	}
	var oe *net.OpError
	if errors.As(err, &oe) && oe.Op == "dial" {
		return repHostUnreachable
	}
	return repFailure
}
