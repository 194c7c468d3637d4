package common

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
)

// ConnLink pairs a client connection with its upstream connection for a
// CONNECT tunnel. L is the client side, R the upstream side.
type ConnLink struct {
	ID    string
	LConn net.Conn
	RConn net.Conn
	LAddr string
	RAddr string

	mu        sync.Mutex
	upBytes   int64
	downBytes int64
}

func NewConnLink(id string, lconn, rconn net.Conn, raddr string) *ConnLink {
	return &ConnLink{
		ID:    id,
		LConn: lconn,
		RConn: rconn,
		LAddr: lconn.RemoteAddr().String(),
		RAddr: raddr,
	}
}

// Relay copies both directions until each side has finished and returns the
// byte counts client to upstream and upstream to client.
func (c *ConnLink) Relay() (up, down int64) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.CopyLR()
	}()
	go func() {
		defer wg.Done()
		c.CopyRL()
	}()
	wg.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upBytes, c.downBytes
}

func (c *ConnLink) CopyLR() {
	defer c.CloseLR()
	n, _ := io.Copy(c.RConn, c.LConn)
	c.mu.Lock()
	c.upBytes = n
	c.mu.Unlock()
	c.LogDebugf("CopyLR done, bytes copied: %d", n)
}

func (c *ConnLink) CopyRL() {
	defer c.CloseRL()
	n, _ := io.Copy(c.LConn, c.RConn)
	c.mu.Lock()
	c.downBytes = n
	c.mu.Unlock()
	c.LogDebugf("CopyRL done, bytes copied: %d", n)
}

func (c *ConnLink) CloseLR() error {
	closeRead(c.LConn)
	closeWrite(c.RConn)
	return nil
}

func (c *ConnLink) CloseRL() error {
	closeRead(c.RConn)
	closeWrite(c.LConn)
	return nil
}

func (c *ConnLink) Close() error {
	if c.LConn != nil {
		_ = c.LConn.Close()
	}
	if c.RConn != nil {
		_ = c.RConn.Close()
	}
	return nil
}

func closeRead(conn net.Conn) {
	if conn == nil {
		return
	}
	if tc, ok := conn.(interface{ CloseRead() error }); ok {
		_ = tc.CloseRead()
		return
	}
	_ = conn.Close()
}

func closeWrite(conn net.Conn) {
	if conn == nil {
		return
	}
	if tc, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = tc.CloseWrite()
		return
	}
	_ = conn.Close()
}

func (c *ConnLink) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", c.ID),
		slog.String("LAddr", c.LAddr),
		slog.String("RAddr", c.RAddr),
	)
}

func (c *ConnLink) LogDebug(msg string) {
	slog.Debug(msg, "ConnLink", c)
}

func (c *ConnLink) LogInfo(msg string) {
	slog.Info(msg, "ConnLink", c)
}

func (c *ConnLink) LogWarn(msg string) {
	slog.Warn(msg, "ConnLink", c)
}

func (c *ConnLink) LogDebugf(format string, args ...interface{}) {
	c.LogDebug(fmt.Sprintf(format, args...))
}

func (c *ConnLink) LogWarnf(format string, args ...interface{}) {
	c.LogWarn(fmt.Sprintf(format, args...))
}
