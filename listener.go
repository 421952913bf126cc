package sentinel

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// recordTypeHandshake is the first byte of a TLS ClientHello record.
const recordTypeHandshake = 0x16

// sessionConn is an accepted client connection. Reads go through r so the
// first byte can be peeked for protocol detection. Close runs onClose once.
type sessionConn struct {
	net.Conn
	r       *bufio.Reader
	sess    *session
	once    sync.Once
	onClose func()
}

func (c *sessionConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

func (c *sessionConn) Close() error {
	err := c.Conn.Close()
	if c.onClose != nil {
		c.once.Do(c.onClose)
	}
	return err
}

// isTLS reports whether the connection starts with a TLS handshake record.
func (c *sessionConn) isTLS(timeout time.Duration) (bool, error) {
	if timeout > 0 {
		_ = c.SetReadDeadline(time.Now().Add(timeout))
		defer func() { _ = c.SetReadDeadline(time.Time{}) }()
	}
	b, err := c.r.Peek(1)
	if err != nil {
		return false, err
	}
	return b[0] == recordTypeHandshake, nil
}

// replayConn serves reads from r, which holds already-consumed bytes
// followed by the connection itself.
type replayConn struct {
	net.Conn
	r io.Reader
}

func (c *replayConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

// unwrapTCPConn finds the TCP connection beneath the proxy's wrappers.
func unwrapTCPConn(c net.Conn) (*net.TCPConn, bool) {
	for {
		switch v := c.(type) {
		case *net.TCPConn:
			return v, true
		case *sessionConn:
			c = v.Conn
		case *replayConn:
			c = v.Conn
		default:
			return nil, false
		}
	}
}

// closeWrite half-closes c when the transport supports it.
func closeWrite(c net.Conn) {
	if tc, ok := unwrapTCPConn(c); ok {
		_ = tc.CloseWrite()
		return
	}
	_ = c.Close()
}

// connListener hands connections accepted elsewhere to an http.Server.
type connListener struct {
	addr  net.Addr
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func newConnListener(addr net.Addr) *connListener {
	return &connListener{
		addr:  addr,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *connListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *connListener) Addr() net.Addr {
	return l.addr
}

// deliver queues c for Accept. It returns false once the listener is closed.
func (l *connListener) deliver(c net.Conn) bool {
	select {
	case l.conns <- c:
		return true
	case <-l.done:
		return false
	}
}

var errHelloCaptured = errors.New("client hello captured")

// sniffConn feeds a throwaway TLS server during ClientHello inspection.
// Writes are refused so nothing reaches the client.
type sniffConn struct {
	r io.Reader
	net.Conn
}

func (c sniffConn) Read(b []byte) (int, error)       { return c.r.Read(b) }
func (c sniffConn) Write([]byte) (int, error)        { return 0, io.ErrClosedPipe }
func (c sniffConn) Close() error                     { return nil }
func (c sniffConn) SetDeadline(time.Time) error      { return nil }
func (c sniffConn) SetReadDeadline(time.Time) error  { return nil }
func (c sniffConn) SetWriteDeadline(time.Time) error { return nil }
func (c sniffConn) LocalAddr() net.Addr              { return c.Conn.LocalAddr() }
func (c sniffConn) RemoteAddr() net.Addr             { return c.Conn.RemoteAddr() }

// peekServerName reads the ClientHello from conn and returns its SNI value
// together with a connection that replays the consumed bytes. An empty
// name means the client sent no SNI.
func peekServerName(conn net.Conn, timeout time.Duration) (string, net.Conn, error) {
	var (
		buf  bytes.Buffer
		name string
		seen bool
	)
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	}

	err := tls.Server(sniffConn{r: io.TeeReader(conn, &buf), Conn: conn}, &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			name, seen = hello.ServerName, true
			return nil, errHelloCaptured
		},
	}).Handshake()
	if !seen {
		return "", nil, fmt.Errorf("read client hello: %w", err)
	}
	return name, &replayConn{Conn: conn, r: io.MultiReader(&buf, conn)}, nil
}
