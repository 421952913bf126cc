package sentinel

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

func TestResolverSNIFallback(t *testing.T) {
	r := NewCertResolver(newTestCA(t))

	tests := []struct {
		name      string
		sni       string
		authority string
		want      string
	}{
		{"sni wins", "real.example.com", "10.0.0.1:443", "real.example.com"},
		{"connect authority with port", "", "example.com:443", "example.com"},
		{"connect authority without port", "", "example.org", "example.org"},
		{"ipv6 authority", "", "[::1]:8443", "::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert, err := r.Resolve(&tls.ClientHelloInfo{ServerName: tt.sni}, tt.authority)
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if cert.Leaf.Subject.CommonName != tt.want {
				t.Errorf("certified %q, want %q", cert.Leaf.Subject.CommonName, tt.want)
			}
		})
	}
}

func TestResolverNoName(t *testing.T) {
	r := NewCertResolver(newTestCA(t))
	if _, err := r.Resolve(&tls.ClientHelloInfo{}, ""); !errors.Is(err, ErrNoServerName) {
		t.Errorf("Resolve error = %v, want ErrNoServerName", err)
	}
}

func TestResolverCacheIdempotence(t *testing.T) {
	r := NewCertResolver(newTestCA(t))

	cert1, err := r.ResolveHost("cached.example.com")
	if err != nil {
		t.Fatalf("first ResolveHost failed: %v", err)
	}
	cert2, err := r.ResolveHost("CACHED.example.com.")
	if err != nil {
		t.Fatalf("second ResolveHost failed: %v", err)
	}
	if cert1 != cert2 {
		t.Error("certificate was not cached - got different pointers")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestResolverCacheExpiry(t *testing.T) {
	r := NewCertResolver(newTestCA(t), WithCacheTTL(50*time.Millisecond))

	cert1, err := r.ResolveHost("expiring.example.com")
	if err != nil {
		t.Fatalf("ResolveHost failed: %v", err)
	}

	time.Sleep(120 * time.Millisecond)

	cert2, err := r.ResolveHost("expiring.example.com")
	if err != nil {
		t.Fatalf("ResolveHost after expiry failed: %v", err)
	}
	if cert1 == cert2 {
		t.Error("expected a re-signed certificate after TTL expiry")
	}
	if cert1.Leaf.SerialNumber.Cmp(cert2.Leaf.SerialNumber) == 0 {
		t.Error("re-signed certificate reused the serial number")
	}
}

func TestResolverCacheEviction(t *testing.T) {
	r := NewCertResolver(newTestCA(t), WithCacheSize(2))

	for _, h := range []string{"a.example.com", "b.example.com", "c.example.com"} {
		if _, err := r.ResolveHost(h); err != nil {
			t.Fatalf("ResolveHost(%q) failed: %v", h, err)
		}
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}

	r.Purge()
	if r.Len() != 0 {
		t.Errorf("Len() after Purge = %d, want 0", r.Len())
	}
}

func TestResolverConcurrentSameHost(t *testing.T) {
	r := NewCertResolver(newTestCA(t))

	const n = 32
	certs := make([]*tls.Certificate, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cert, err := r.ResolveHost("shared.example.com")
			if err != nil {
				t.Errorf("ResolveHost failed: %v", err)
				return
			}
			certs[i] = cert
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if certs[i] != certs[0] {
			t.Fatal("concurrent resolutions for one host produced different certificates")
		}
	}
}

func TestResolverConcurrentDistinctHosts(t *testing.T) {
	r := NewCertResolver(newTestCA(t))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := r.ResolveHost(fmt.Sprintf("host%d.example.com", i)); err != nil {
				t.Errorf("ResolveHost failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if r.Len() != 20 {
		t.Errorf("Len() = %d, want 20", r.Len())
	}
}

func TestResolverHandshakeChain(t *testing.T) {
	ca := newTestCA(t)
	r := NewCertResolver(ca)

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	errc := make(chan error, 1)
	go func() {
		srv := tls.Server(serverConn, r.TLSConfig("ignored.example.com:443"))
		errc <- srv.Handshake()
	}()

	roots := x509.NewCertPool()
	roots.AddCert(ca.caCert)
	client := tls.Client(clientConn, &tls.Config{
		ServerName: "secure.example.com",
		RootCAs:    roots,
		NextProtos: []string{"h2", "http/1.1"},
	})
	if err := client.Handshake(); err != nil {
		t.Fatalf("client handshake failed: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("server handshake failed: %v", err)
	}

	state := client.ConnectionState()
	if len(state.PeerCertificates) != 2 {
		t.Fatalf("served chain length = %d, want 2", len(state.PeerCertificates))
	}
	leaf, issuer := state.PeerCertificates[0], state.PeerCertificates[1]
	if leaf.Subject.CommonName != "secure.example.com" {
		t.Errorf("leaf CN = %q", leaf.Subject.CommonName)
	}
	if leaf.Issuer.String() != issuer.Subject.String() {
		t.Errorf("leaf issuer %q does not match CA subject %q", leaf.Issuer, issuer.Subject)
	}
	if state.NegotiatedProtocol != "h2" {
		t.Errorf("NegotiatedProtocol = %q, want h2", state.NegotiatedProtocol)
	}
}
