package sentinel

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
)

// TransportPool builds the upstream transport used to re-originate
// intercepted requests. It keeps genuine TLS to the real destination,
// negotiates HTTP/2 where the origin supports it, and can chain through a
// parent proxy.
type TransportPool struct {
	// MaxIdleConns is the total maximum number of idle connections
	// across all hosts.
	MaxIdleConns int

	// MaxIdleConnsPerHost is the maximum number of idle connections
	// per host.
	MaxIdleConnsPerHost int

	// IdleConnTimeout is how long an idle connection remains in the
	// pool before being closed.
	IdleConnTimeout time.Duration

	// DialTimeout is the maximum time to wait for a TCP dial to complete.
	DialTimeout time.Duration

	// TLSHandshakeTimeout is the maximum time to wait for an upstream
	// TLS handshake.
	TLSHandshakeTimeout time.Duration

	// ResponseHeaderTimeout is the maximum time to wait for response
	// headers after the request has been written. Zero means no timeout.
	ResponseHeaderTimeout time.Duration

	// EnableHTTP2 negotiates h2 with upstream servers via ALPN.
	EnableHTTP2 bool

	// InsecureSkipVerify disables upstream certificate verification.
	// Useful against test targets with self-signed certificates.
	InsecureSkipVerify bool

	// TLSConfig provides custom TLS settings for upstream connections.
	TLSConfig *tls.Config

	// UpstreamProxy chains every request through a parent HTTP proxy.
	// Credentials in the URL are sent as Proxy-Authorization.
	UpstreamProxy *url.URL

	transport atomic.Pointer[http.Transport]

	stats transportStats
}

type transportStats struct {
	totalRequests  atomic.Int64
	activeRequests atomic.Int64
	failures       atomic.Int64
}

// NewTransportPool creates a TransportPool with proxy defaults.
func NewTransportPool() *TransportPool {
	return &TransportPool{
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		DialTimeout:           30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		EnableHTTP2:           true,
	}
}

// ParseUpstreamProxy validates a parent proxy URL.
func ParseUpstreamProxy(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream proxy URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported upstream proxy scheme: %s", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream proxy URL %q has no host", rawURL)
	}
	return u, nil
}

// Build creates the underlying [http.Transport]. Each call creates a fresh
// transport and closes idle connections on the previous one.
func (tp *TransportPool) Build() (*http.Transport, error) {
	tlsCfg := tp.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	if tp.InsecureSkipVerify {
		tlsCfg.InsecureSkipVerify = true
	}

	dialTimeout := tp.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 30 * time.Second
	}

	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsCfg,
		MaxIdleConns:          tp.MaxIdleConns,
		MaxIdleConnsPerHost:   tp.MaxIdleConnsPerHost,
		IdleConnTimeout:       tp.IdleConnTimeout,
		TLSHandshakeTimeout:   tp.TLSHandshakeTimeout,
		ResponseHeaderTimeout: tp.ResponseHeaderTimeout,
		// Bodies are forwarded byte for byte; never ask for a re-encoding.
		DisableCompression: true,
	}

	if tp.UpstreamProxy != nil {
		t.Proxy = http.ProxyURL(tp.UpstreamProxy)
		if auth := proxyAuthorization(tp.UpstreamProxy); auth != "" {
			t.ProxyConnectHeader = http.Header{"Proxy-Authorization": {auth}}
		}
	}

	if tp.EnableHTTP2 {
		h2, err := http2.ConfigureTransports(t)
		if err != nil {
			return nil, fmt.Errorf("configure http2: %w", err)
		}
		h2.ReadIdleTimeout = 30 * time.Second
		h2.PingTimeout = 15 * time.Second
	}

	if old := tp.transport.Swap(t); old != nil {
		old.CloseIdleConnections()
	}

	return t, nil
}

// Transport returns an [http.RoundTripper] that wraps the pooled transport
// with request counting. If Build has not been called, it is called
// automatically.
func (tp *TransportPool) Transport() http.RoundTripper {
	return &pooledRoundTripper{pool: tp}
}

// CloseIdleConnections closes all idle connections in the pool.
func (tp *TransportPool) CloseIdleConnections() {
	if t := tp.transport.Load(); t != nil {
		t.CloseIdleConnections()
	}
}

// Stats returns a snapshot of transport statistics.
func (tp *TransportPool) Stats() TransportPoolStats {
	return TransportPoolStats{
		TotalRequests:  tp.stats.totalRequests.Load(),
		ActiveRequests: tp.stats.activeRequests.Load(),
		Failures:       tp.stats.failures.Load(),
	}
}

// TransportPoolStats holds a snapshot of upstream transport statistics.
type TransportPoolStats struct {
	TotalRequests  int64 `json:"total_requests"`
	ActiveRequests int64 `json:"active_requests"`
	Failures       int64 `json:"failures"`
}

// pooledRoundTripper wraps the underlying transport with stats tracking.
type pooledRoundTripper struct {
	pool *TransportPool
}

func (rt *pooledRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.pool.stats.totalRequests.Add(1)
	rt.pool.stats.activeRequests.Add(1)
	defer rt.pool.stats.activeRequests.Add(-1)

	t := rt.pool.transport.Load()
	if t == nil {
		var err error
		if t, err = rt.pool.Build(); err != nil {
			rt.pool.stats.failures.Add(1)
			return nil, err
		}
	}

	resp, err := t.RoundTrip(req)
	if err != nil {
		rt.pool.stats.failures.Add(1)
	}
	return resp, err
}
