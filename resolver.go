package sentinel

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// ErrNoServerName is returned when neither the Client Hello nor the
// CONNECT request names a host to certify.
var ErrNoServerName = errors.New("no server name to certify")

const (
	// DefaultCertCacheSize bounds the number of cached leaf certificates.
	DefaultCertCacheSize = 1000

	// DefaultCertCacheTTL is half the leaf validity, so a cached leaf is
	// never served close to its expiry.
	DefaultCertCacheTTL = LeafValidity / 2
)

// CertResolver selects the host to certify for each TLS handshake and
// caches forged certificates per host.
//
// Hosts are taken from the SNI extension when present, otherwise from the
// CONNECT authority the tunnel was opened for. The fallback trusts the
// CONNECT target: proxy-chaining clients often CONNECT to a virtual IP
// while still expecting a certificate for the real domain.
type CertResolver struct {
	CA      *CertificateAuthority
	Metrics *Metrics
	Logger  *slog.Logger

	cache    *expirable.LRU[string, *tls.Certificate]
	inflight singleflight.Group
}

// ResolverOption configures a CertResolver.
type ResolverOption func(*resolverOptions)

type resolverOptions struct {
	size    int
	ttl     time.Duration
	metrics *Metrics
	logger  *slog.Logger
}

// WithCacheSize sets the maximum number of cached certificates.
func WithCacheSize(n int) ResolverOption {
	return func(o *resolverOptions) { o.size = n }
}

// WithCacheTTL sets how long a forged certificate is served from cache.
func WithCacheTTL(d time.Duration) ResolverOption {
	return func(o *resolverOptions) { o.ttl = d }
}

// WithResolverMetrics records cache hits, misses and signing latency.
func WithResolverMetrics(m *Metrics) ResolverOption {
	return func(o *resolverOptions) { o.metrics = m }
}

// WithResolverLogger sets the resolver logger.
func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(o *resolverOptions) { o.logger = l }
}

// NewCertResolver creates a CertResolver backed by ca.
func NewCertResolver(ca *CertificateAuthority, opts ...ResolverOption) *CertResolver {
	o := resolverOptions{
		size:   DefaultCertCacheSize,
		ttl:    DefaultCertCacheTTL,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.size <= 0 {
		o.size = DefaultCertCacheSize
	}
	if o.ttl <= 0 {
		o.ttl = DefaultCertCacheTTL
	}

	return &CertResolver{
		CA:      ca,
		Metrics: o.metrics,
		Logger:  o.logger,
		cache:   expirable.NewLRU[string, *tls.Certificate](o.size, nil, o.ttl),
	}
}

// Resolve returns the certificate for a handshake. connectAuthority is the
// host[:port] the client sent in CONNECT, or "" for transparent connections.
func (r *CertResolver) Resolve(hello *tls.ClientHelloInfo, connectAuthority string) (*tls.Certificate, error) {
	host := ""
	if hello != nil {
		host = hello.ServerName
	}
	if host == "" {
		host = hostFromAuthority(connectAuthority)
	}
	if host == "" {
		return nil, ErrNoServerName
	}
	return r.ResolveHost(host)
}

// ResolveHost returns the certificate for host, forging it on a cache miss.
// Concurrent misses for the same host share one signing operation; misses
// for different hosts sign in parallel.
func (r *CertResolver) ResolveHost(host string) (*tls.Certificate, error) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	if cert, ok := r.cache.Get(host); ok {
		if r.Metrics != nil {
			r.Metrics.RecordCertCacheHit()
		}
		return cert, nil
	}
	if r.Metrics != nil {
		r.Metrics.RecordCertCacheMiss()
	}

	v, err, _ := r.inflight.Do(host, func() (any, error) {
		if cert, ok := r.cache.Get(host); ok {
			return cert, nil
		}
		start := time.Now()
		cert, err := r.CA.Certificate(host)
		if err != nil {
			return nil, err
		}
		r.cache.Add(host, cert)
		if r.Metrics != nil {
			r.Metrics.RecordLeafSigned(time.Since(start))
			r.Metrics.SetCertCacheSize(r.cache.Len())
		}
		r.Logger.Debug("forged leaf certificate", "host", host, "duration", time.Since(start))
		return cert, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

// GetCertificateFunc returns a tls.Config.GetCertificate callback bound to
// the CONNECT authority of one tunnel.
func (r *CertResolver) GetCertificateFunc(connectAuthority string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		return r.Resolve(hello, connectAuthority)
	}
}

// TLSConfig returns the server-side TLS configuration for one intercepted
// connection. Both h2 and http/1.1 are offered via ALPN.
func (r *CertResolver) TLSConfig(connectAuthority string) *tls.Config {
	return &tls.Config{
		GetCertificate: r.GetCertificateFunc(connectAuthority),
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
	}
}

// Len returns the number of cached certificates.
func (r *CertResolver) Len() int {
	return r.cache.Len()
}

// Purge drops every cached certificate.
func (r *CertResolver) Purge() {
	r.cache.Purge()
	if r.Metrics != nil {
		r.Metrics.SetCertCacheSize(0)
	}
}

// hostFromAuthority strips an optional port and IPv6 brackets.
func hostFromAuthority(authority string) string {
	if authority == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(authority); err == nil {
		return h
	}
	return strings.TrimSuffix(strings.TrimPrefix(authority, "["), "]")
}
