package sentinel

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// DialTunnel opens a raw TCP connection to authority for a connection that
// is relayed without interception. With an UpstreamProxy configured the
// connection is a CONNECT tunnel through the parent proxy.
func (tp *TransportPool) DialTunnel(ctx context.Context, authority string) (net.Conn, error) {
	timeout := tp.DialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if tp.UpstreamProxy == nil {
		d := net.Dialer{Timeout: timeout}
		return d.DialContext(ctx, "tcp", authority)
	}
	return dialConnect(ctx, tp.UpstreamProxy, authority, timeout)
}

// dialConnect establishes a CONNECT tunnel to addr through the parent proxy
// at parent.
func dialConnect(ctx context.Context, parent *url.URL, addr string, timeout time.Duration) (net.Conn, error) {
	host := parent.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		if parent.Scheme == "https" {
			host = host + ":443"
		} else {
			host = host + ":3128"
		}
	}

	dialer := &net.Dialer{Timeout: timeout}
	var (
		conn net.Conn
		err  error
	)
	if parent.Scheme == "https" {
		h, _, _ := net.SplitHostPort(host)
		td := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: h}}
		conn, err = td.DialContext(ctx, "tcp", host)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", host)
	}
	if err != nil {
		return nil, fmt.Errorf("dial upstream proxy: %w", err)
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if auth := proxyAuthorization(parent); auth != "" {
		connectReq.Header.Set("Proxy-Authorization", auth)
	}

	_ = conn.SetDeadline(time.Now().Add(timeout))
	if err := connectReq.Write(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("write CONNECT request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	_ = resp.Body.Close()
	_ = conn.SetDeadline(time.Time{})

	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, fmt.Errorf("upstream CONNECT to %s returned %d", addr, resp.StatusCode)
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, reader: br}, nil
	}
	return conn, nil
}

// proxyAuthorization returns the Basic credentials carried in the parent
// proxy URL, or "".
func proxyAuthorization(parent *url.URL) string {
	if parent.User == nil {
		return ""
	}
	pass, _ := parent.User.Password()
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(parent.User.Username()+":"+pass))
}

// bufferedConn wraps a net.Conn with buffered data that was read during
// the CONNECT handshake but not yet consumed.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}
