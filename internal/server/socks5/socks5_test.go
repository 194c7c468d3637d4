package socks5

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/ruleflow/ruleflow/internal/config"
	"github.com/ruleflow/ruleflow/internal/pipeline"
	"github.com/ruleflow/ruleflow/internal/rule"
	shttp "github.com/ruleflow/ruleflow/internal/server/http"
	"github.com/ruleflow/ruleflow/internal/statistics"
	"github.com/ruleflow/ruleflow/internal/values"
	"golang.org/x/net/proxy"
)

type echoServer struct {
	listener net.Listener
	server   *http.Server
	addr     string
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create echo server listener: %v", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/query", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(r.URL.RawQuery))
	})
	es := &echoServer{
		listener: listener,
		server:   &http.Server{Handler: mux},
		addr:     listener.Addr().String(),
	}
	go func() {
		_ = es.server.Serve(listener)
	}()
	t.Cleanup(func() {
		_ = es.server.Close()
		_ = es.listener.Close()
	})
	return es
}

// tcpEcho copies every connection back to itself.
func tcpEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { _ = conn.Close() }()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

func startServer(t *testing.T, rules []config.Rule) (*Server, *statistics.Recorder) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{BindAddress: "127.0.0.1", Port: 1, SOCKS5Port: 0}
	recorder := statistics.New(func(name string) string { return filepath.Join(dir, name) })
	recorder.Run()
	t.Cleanup(func() { _ = recorder.Close() })
	p := pipeline.New(pipeline.Options{
		Rules:    rule.NewManager(&config.Config{Rules: rules}),
		Parser:   values.NewParser(nil),
		Recorder: recorder,
	})
	front := shttp.New(cfg, p, recorder)
	t.Cleanup(func() { _ = front.Close() })

	srv := New(cfg, front)
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { _ = srv.Close() })
	return srv, recorder
}

func socksClient(t *testing.T, srv *Server) *http.Client {
	t.Helper()
	dialer, err := proxy.SOCKS5("tcp", srv.Addr(), nil, proxy.Direct)
	if err != nil {
		t.Fatal(err)
	}
	cd, ok := dialer.(proxy.ContextDialer)
	if !ok {
		t.Fatal("SOCKS5 dialer has no DialContext")
	}
	return &http.Client{
		Transport: &http.Transport{DialContext: cd.DialContext, DisableCompression: true},
		Timeout:   5 * time.Second,
	}
}

func TestSOCKS5ServesHTTPThroughPipeline(t *testing.T) {
	echo := newEchoServer(t)
	srv, _ := startServer(t, []config.Rule{
		{Type: "DOMAIN", MatchValue: "127.0.0.1", Directive: "urlParams", Value: "{b: 2}"},
	})
	client := socksClient(t, srv)

	for i := 0; i < 2; i++ {
		resp, err := client.Get("http://" + echo.addr + "/query?a=1")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		data, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if string(data) != "a=1&b=2" {
			t.Errorf("request %d: upstream query = %q, want a=1&b=2", i, data)
		}
	}
}

func TestSOCKS5RelaysOpaqueStream(t *testing.T) {
	target := tcpEcho(t)
	srv, recorder := startServer(t, nil)

	dialer, err := proxy.SOCKS5("tcp", srv.Addr(), nil, proxy.Direct)
	if err != nil {
		t.Fatal(err)
	}
	conn, err := dialer.Dial("tcp", target)
	if err != nil {
		t.Fatalf("Dial through SOCKS5: %v", err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	payload := bytes.Repeat([]byte{0x00, 0x01, 0xfe}, 1000)
	if _, err := conn.Write(payload); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("relayed payload differs")
	}

	conns := recorder.Connections.List()
	if len(conns) != 1 || conns[0].Kind != shttp.KindSOCKS5 || conns[0].Protocol != "tcp" || conns[0].DestAddr != target {
		t.Errorf("connection records = %+v", conns)
	}
}

func TestSOCKS5Handshake(t *testing.T) {
	srv, _ := startServer(t, nil)

	dial := func(t *testing.T) net.Conn {
		t.Helper()
		conn, err := net.Dial("tcp", srv.Addr())
		if err != nil {
			t.Fatalf("failed to connect: %v", err)
		}
		t.Cleanup(func() { _ = conn.Close() })
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		return conn
	}

	t.Run("InvalidVersion", func(t *testing.T) {
		conn := dial(t)
		_, _ = conn.Write([]byte{0x04, 0x01, 0x00})
		buf := make([]byte, 2)
		if _, err := io.ReadFull(conn, buf); err == nil {
			t.Errorf("server answered a SOCKS4 greeting with %v", buf)
		}
	})

	t.Run("NoAcceptableMethod", func(t *testing.T) {
		conn := dial(t)
		_, _ = conn.Write([]byte{0x05, 0x01, 0x02})
		buf := make([]byte, 2)
		if _, err := io.ReadFull(conn, buf); err != nil {
			t.Fatal(err)
		}
		if buf[0] != 0x05 || buf[1] != authNoMatch {
			t.Errorf("method selection = %v, want [5 255]", buf)
		}
	})

	t.Run("BindNotSupported", func(t *testing.T) {
		conn := dial(t)
		_, _ = conn.Write([]byte{0x05, 0x01, 0x00})
		buf := make([]byte, 10)
		if _, err := io.ReadFull(conn, buf[:2]); err != nil {
			t.Fatal(err)
		}
		_, _ = conn.Write([]byte{0x05, 0x02, 0x00, atypIPv4, 127, 0, 0, 1, 0x00, 0x50})
		if _, err := io.ReadFull(conn, buf); err != nil {
			t.Fatal(err)
		}
		if buf[1] != repCmdNotSupported {
			t.Errorf("reply = %#x, want %#x", buf[1], repCmdNotSupported)
		}
	})

	t.Run("UnreachableTarget", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		port := ln.Addr().(*net.TCPAddr).Port
		_ = ln.Close()

		conn := dial(t)
		_, _ = conn.Write([]byte{0x05, 0x01, 0x00})
		buf := make([]byte, 10)
		if _, err := io.ReadFull(conn, buf[:2]); err != nil {
			t.Fatal(err)
		}
		_, _ = conn.Write([]byte{0x05, 0x01, 0x00, atypIPv4, 127, 0, 0, 1, byte(port >> 8), byte(port)})
		if _, err := io.ReadFull(conn, buf); err != nil {
			t.Fatal(err)
		}
		if buf[1] == repSuccess {
			t.Error("dial to a closed port reported success")
		}
	})
}

func TestReadRequest(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		want    string
		wantRep byte
	}{
		{"ipv4", []byte{5, 1, 0, atypIPv4, 10, 0, 0, 1, 0x1f, 0x90}, "10.0.0.1:8080", 0},
		{"ipv6", append(append([]byte{5, 1, 0, atypIPv6}, net.ParseIP("2001:db8::1")...), 0x01, 0xbb), "[2001:db8::1]:443", 0},
		{"domain", append(append([]byte{5, 1, 0, atypDomain, 11}, "example.com"...), 0x00, 0x50), "example.com:80", 0},
		{"udp associate", []byte{5, 3, 0, atypIPv4, 0, 0, 0, 0, 0, 0}, "0.0.0.0:0", repCmdNotSupported},
		{"bad atyp", []byte{5, 1, 0, 0x09}, "", repAtypUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readRequest(bytes.NewReader(tt.input))
			if got != tt.want {
				t.Errorf("addr = %q, want %q", got, tt.want)
			}
			var ce *cmdError
			switch {
			case tt.wantRep == 0 && err != nil:
				t.Errorf("err = %v", err)
			case tt.wantRep != 0 && (!errors.As(err, &ce) || ce.rep != tt.wantRep):
				t.Errorf("err = %v, want reply %#x", err, tt.wantRep)
			}
		})
	}

	if _, err := readRequest(bytes.NewReader([]byte{4, 1, 0, 1})); !errors.Is(err, ErrInvalidVersion) {
		t.Errorf("err = %v, want ErrInvalidVersion", err)
	}
}

func TestServerClose(t *testing.T) {
	srv, _ := startServer(t, nil)
	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	done := make(chan error, 1)
	go func() { done <- srv.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Close: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close hung on an idle client")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if c, err := (&net.Dialer{}).DialContext(ctx, "tcp", srv.Addr()); err == nil {
		_ = c.Close()
		t.Errorf("listener %s still accepting after Close", srv.Addr())
	}
}
