// Package http is the forward proxy front end. It reads requests off raw
// client connections so the wire spelling of headers survives and runs each
// transaction through the pipeline. CONNECT tunnels that carry plaintext
// HTTP are served the same way; anything else is relayed untouched.
package http

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruleflow/ruleflow/internal/common"
	"github.com/ruleflow/ruleflow/internal/config"
	"github.com/ruleflow/ruleflow/internal/log"
	"github.com/ruleflow/ruleflow/internal/pipeline"
	"github.com/ruleflow/ruleflow/internal/sniff"
	"github.com/ruleflow/ruleflow/internal/statistics"
	"github.com/ruleflow/ruleflow/internal/urlutil"
)

const (
	readBufferSize = 64 * 1024
	dialTimeout    = 10 * time.Second
	sniffTimeout   = 300 * time.Millisecond
)

// Connection record kinds.
const (
	KindHTTP    = "http"
	KindTunnel  = "tunnel"
	KindUpgrade = "upgrade"
	KindSOCKS5  = "socks5"
)

type Server struct {
	cfg      *config.Config
	pipeline *pipeline.Pipeline
	recorder *statistics.Recorder
	dialer   *net.Dialer
	// TLSConfig is cloned for https upstreams; nil uses the system roots.
	TLSConfig *tls.Config

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func New(cfg *config.Config, p *pipeline.Pipeline, recorder *statistics.Recorder) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		pipeline: p,
		recorder: recorder,
		dialer:   &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second},
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Listen binds the configured address without serving it yet.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("net.Listen: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	slog.Info("HTTP proxy listening", slog.String("addr", ln.Addr().String()))
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
		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConn(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
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
		return s.cfg.ListenAddr()
	}
	return s.listener.Addr().String()
}

func (s *Server) handleConn(conn net.Conn) {
	br := bufio.NewReaderSize(conn, readBufferSize)
	s.serveConn(conn, br, "")
}

// serveConn reads requests off conn until it closes. authority is the CONNECT
// target when conn is a tunnel carrying plaintext HTTP; it fills in a missing
// Host and forbids nested tunnels.
func (s *Server) serveConn(conn net.Conn, br *bufio.Reader, authority string) {
	remote := conn.RemoteAddr().String()
	for {
		raw, err := peekRawHeaders(br)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.LogDebugWithAddr(remote, authority, fmt.Sprintf("peekRawHeaders: %v", err))
			}
			return
		}
		hreq, err := http.ReadRequest(br)
		if err != nil {
			log.LogDebugWithAddr(remote, authority, fmt.Sprintf("http.ReadRequest: %v", err))
			writeError(conn, http.StatusBadRequest, "malformed request\n")
			return
		}
		hreq.RemoteAddr = remote

		if hreq.Method == http.MethodConnect {
			if authority != "" {
				writeError(conn, http.StatusMethodNotAllowed, "nested CONNECT\n")
				return
			}
			s.tunnel(conn, br, hreq)
			return
		}
		if hreq.Host == "" {
			hreq.Host = authority
		}
		keep, err := s.serveHTTP(conn, br, hreq, raw)
		if err != nil {
			log.LogDebugWithAddr(remote, hreq.Host, fmt.Sprintf("serveHTTP: %v", err))
			return
		}
		if !keep {
			return
		}
	}
}

// serveHTTP runs one transaction and reports whether the client connection
// can carry another request.
func (s *Server) serveHTTP(conn net.Conn, br *bufio.Reader, hreq *http.Request, raw []string) (bool, error) {
	if hreq.URL.Host == "" {
		hreq.URL.Host = hreq.Host
	}
	if hreq.URL.Scheme == "" {
		hreq.URL.Scheme = "http"
	}
	req := common.NewRequest(hreq, raw)
	req.ID = uuid.New().String()
	res := common.NewResponse(req)
	req.OnError(func(err error) {
		log.LogWarnWithReq(req, "request stream", slog.Any("error", err))
	})
	res.OnError(func(err error) {
		log.LogWarnWithReq(req, "response stream", slog.Any("error", err))
	})

	t := &transaction{
		server:  s,
		client:  conn,
		clientR: br,
		hreq:    hreq,
		keep:    !hreq.Close,
	}
	err := s.pipeline.Serve(s.ctx, req, res, t.roundTrip)
	if hreq.Body != nil {
		_ = hreq.Body.Close()
	}
	return t.keep && err == nil, err
}

type transaction struct {
	server  *Server
	client  net.Conn
	clientR *bufio.Reader
	hreq    *http.Request
	keep    bool
}

func (t *transaction) roundTrip(ctx context.Context, req *common.Request, res *common.Response) error {
	s := t.server
	target := req.Options
	if target == nil {
		writeError(t.client, http.StatusBadRequest, "no target\n")
		t.keep = false
		return errors.New("request has no target")
	}
	addr := urlutil.TargetAddr(target)
	record := &statistics.ConnectionRecord{
		ID:        req.ID,
		Kind:      KindHTTP,
		SrcAddr:   req.RemoteAddr,
		DestAddr:  addr,
		StartTime: time.Now(),
	}
	if s.recorder != nil {
		s.recorder.AddConnectionRecord(record)
		defer s.recorder.RemoveConnectionRecord(record)
	}
	log.LogInfoWithReq(req, "HTTP request", slog.String("method", req.Method), slog.String("target", target.String()))

	upstream, err := s.dial(ctx, target)
	if err != nil {
		writeError(t.client, http.StatusBadGateway, err.Error()+"\n")
		t.keep = false
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer func() { _ = upstream.Close() }()

	if err := t.writeRequest(ctx, upstream, req, target); err != nil {
		writeError(t.client, http.StatusBadGateway, err.Error()+"\n")
		t.keep = false
		return err
	}

	ubr := bufio.NewReaderSize(upstream, readBufferSize)
	resp, raw, err := readResponse(ubr, req.Method)
	if err != nil {
		writeError(t.client, http.StatusBadGateway, err.Error()+"\n")
		t.keep = false
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	res.SetHeader(resp.Header, raw)
	res.StatusCode = resp.StatusCode
	res.Status = resp.Status
	res.Proto = resp.Proto
	res.Body = resp.Body

	if resp.StatusCode == http.StatusSwitchingProtocols {
		t.keep = false
		return t.upgrade(req, res, upstream, ubr)
	}
	return t.writeResponse(ctx, req, res, resp)
}

func readResponse(br *bufio.Reader, method string) (*http.Response, []string, error) {
	for {
		raw, err := peekRawHeaders(br)
		if err != nil {
			return nil, nil, fmt.Errorf("peekRawHeaders: %w", err)
		}
		resp, err := http.ReadResponse(br, &http.Request{Method: method})
		if err != nil {
			return nil, nil, fmt.Errorf("http.ReadResponse: %w", err)
		}
		if resp.StatusCode >= 100 && resp.StatusCode < 200 && resp.StatusCode != http.StatusSwitchingProtocols {
			_ = resp.Body.Close()
			continue
		}
		return resp, raw, nil
	}
}

func (s *Server) dial(ctx context.Context, u *url.URL) (net.Conn, error) {
	addr := urlutil.TargetAddr(u)
	switch u.Scheme {
	case "https", "wss":
		cfg := &tls.Config{}
		if s.TLSConfig != nil {
			cfg = s.TLSConfig.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = u.Hostname()
		}
		d := &tls.Dialer{NetDialer: s.dialer, Config: cfg}
		return d.DialContext(ctx, "tcp", addr)
	}
	return s.dialer.DialContext(ctx, "tcp", addr)
}

func hasRequestBody(hreq *http.Request) bool {
	return hreq.Body != nil && hreq.Body != http.NoBody
}

func (t *transaction) writeRequest(ctx context.Context, upstream net.Conn, req *common.Request, target *url.URL) error {
	var (
		body   io.Reader
		length int64 = -1
	)
	hasBody := hasRequestBody(t.hreq)
	if hasBody {
		out, changed, err := pipeline.Transform(ctx, &req.Message, req.Body)
		if err != nil {
			return fmt.Errorf("pipeline.Transform: %w", err)
		}
		body = out
		if !changed && req.Header.Get("Content-Length") != "" && t.hreq.ContentLength >= 0 {
			length = t.hreq.ContentLength
		}
	}

	names := req.RawHeaderNames
	w := bufio.NewWriter(upstream)
	if _, err := fmt.Fprintf(w, "%s %s HTTP/1.1\r\n", req.Method, target.RequestURI()); err != nil {
		return err
	}
	if err := writeField(w, names, "Host", target.Host); err != nil {
		return err
	}
	if err := writeHeader(w, req.Header, names); err != nil {
		return err
	}
	connection := "close"
	if req.Header.Get("Upgrade") != "" {
		connection = "Upgrade"
	}
	if err := writeField(w, names, "Connection", connection); err != nil {
		return err
	}
	if hasBody {
		if err := writeFraming(w, names, length); err != nil {
			return err
		}
		if err := writeBody(w, body, length); err != nil {
			abort(body, err)
			return fmt.Errorf("write request body: %w", err)
		}
	} else if _, err := io.WriteString(w, "\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func noResponseBody(method string, code int) bool {
	return method == http.MethodHead || code == http.StatusNoContent || code == http.StatusNotModified
}

func (t *transaction) writeResponse(ctx context.Context, req *common.Request, res *common.Response, resp *http.Response) error {
	w := bufio.NewWriter(t.client)
	names := res.RawHeaderNames
	if _, err := fmt.Fprintf(w, "HTTP/1.1 %s\r\n", res.Status); err != nil {
		return err
	}

	if noResponseBody(req.Method, res.StatusCode) {
		if err := writeHeader(w, res.Header, names); err != nil {
			return err
		}
		if cl := res.Header.Get("Content-Length"); cl != "" {
			if err := writeField(w, names, "Content-Length", cl); err != nil {
				return err
			}
		}
		if err := t.writeConnection(w, names); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\r\n"); err != nil {
			return err
		}
		return w.Flush()
	}

	out, changed, err := pipeline.Transform(ctx, &res.Message, resp.Body)
	if err != nil {
		return fmt.Errorf("pipeline.Transform: %w", err)
	}
	var length int64 = -1
	if !changed && res.Header.Get("Content-Length") != "" && resp.ContentLength >= 0 {
		length = resp.ContentLength
	}
	if err := writeHeader(w, res.Header, names); err != nil {
		return err
	}
	if err := t.writeConnection(w, names); err != nil {
		return err
	}
	if err := writeFraming(w, names, length); err != nil {
		return err
	}
	if err := writeBody(w, out, length); err != nil {
		abort(out, err)
		t.keep = false
		return fmt.Errorf("write response body: %w", err)
	}
	return w.Flush()
}

func (t *transaction) writeConnection(w io.Writer, names map[string]string) error {
	value := "keep-alive"
	if !t.keep {
		value = "close"
	}
	return writeField(w, names, "Connection", value)
}

// upgrade forwards a 101 response and relays both directions raw.
func (t *transaction) upgrade(req *common.Request, res *common.Response, upstream net.Conn, ubr *bufio.Reader) error {
	w := bufio.NewWriter(t.client)
	names := res.RawHeaderNames
	if _, err := fmt.Fprintf(w, "HTTP/1.1 %s\r\n", res.Status); err != nil {
		return err
	}
	if err := writeHeader(w, res.Header, names); err != nil {
		return err
	}
	if v := res.Header.Get("Connection"); v != "" {
		if err := writeField(w, names, "Connection", v); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	s := t.server
	record := &statistics.ConnectionRecord{
		ID:        req.ID,
		Kind:      KindUpgrade,
		SrcAddr:   req.RemoteAddr,
		DestAddr:  upstream.RemoteAddr().String(),
		StartTime: time.Now(),
	}
	if s.recorder != nil {
		s.recorder.AddConnectionRecord(record)
		defer s.recorder.RemoveConnectionRecord(record)
	}
	link := common.NewConnLink(req.ID, &bufferedConn{Conn: t.client, r: t.clientR}, &bufferedConn{Conn: upstream, r: ubr}, record.DestAddr)
	link.LogInfo("protocol upgraded, relaying raw")
	link.Relay()
	return nil
}

func (s *Server) tunnel(client net.Conn, br *bufio.Reader, hreq *http.Request) {
	addr := hreq.Host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "443")
	}
	log.LogInfoWithAddr(hreq.RemoteAddr, addr, "HTTP CONNECT request")

	upstream, err := s.dialer.DialContext(s.ctx, "tcp", addr)
	if err != nil {
		writeError(client, http.StatusBadGateway, err.Error()+"\n")
		return
	}
	if _, err := io.WriteString(client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		log.LogWarnWithAddr(hreq.RemoteAddr, addr, fmt.Sprintf("write CONNECT response: %v", err))
		_ = upstream.Close()
		return
	}

	s.ServeTunnel(client, br, upstream, addr, KindTunnel)
}

// ServeTunnel owns an established client/upstream pair. Plaintext HTTP from
// the client goes through the pipeline, each request dialing its own upstream
// from the resolved target; anything else is relayed raw and recorded as kind.
func (s *Server) ServeTunnel(client net.Conn, br *bufio.Reader, upstream net.Conn, addr, kind string) {
	remote := client.RemoteAddr().String()
	sniffed := s.sniffTunnel(client, br)
	if sniffed.Protocol == sniff.HTTP {
		_ = upstream.Close()
		log.LogDebugWithAddr(remote, addr, "tunnel carries HTTP")
		s.serveConn(client, br, addr)
		return
	}

	id := uuid.New().String()
	record := &statistics.ConnectionRecord{
		ID:         id,
		Kind:       kind,
		SrcAddr:    remote,
		DestAddr:   addr,
		Protocol:   string(sniffed.Protocol),
		ServerName: sniffed.ServerName,
		StartTime:  time.Now(),
	}
	if s.recorder != nil {
		s.recorder.AddConnectionRecord(record)
		defer s.recorder.RemoveConnectionRecord(record)
	}
	link := common.NewConnLink(id, &bufferedConn{Conn: client, r: br}, upstream, addr)
	up, down := link.Relay()
	_ = link.Close()
	slog.Info("tunnel closed", "ConnLink", link,
		slog.String("protocol", record.Protocol),
		slog.String("sni", record.ServerName),
		slog.Int64("up", up), slog.Int64("down", down))
}

// sniffTunnel classifies the first client bytes of a tunnel. Clients of
// server-first protocols send nothing, so the peek is bounded by sniffTimeout.
func (s *Server) sniffTunnel(client net.Conn, br *bufio.Reader) sniff.Result {
	_ = client.SetReadDeadline(time.Now().Add(sniffTimeout))
	res, err := sniff.Detect(br)
	_ = client.SetReadDeadline(time.Time{})
	if err != nil {
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			log.LogDebugWithAddr(client.RemoteAddr().String(), "", fmt.Sprintf("sniff.Detect: %v", err))
		}
	}
	return res
}

func abort(r io.Reader, err error) {
	if c, ok := r.(interface{ CloseWithError(error) error }); ok {
		_ = c.CloseWithError(err)
	}
}
