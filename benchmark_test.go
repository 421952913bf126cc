//nolint:errcheck // Benchmarks intentionally ignore errors for performance measurement
package sentinel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// =============================================================================
// Certificate Benchmarks
// =============================================================================

func BenchmarkSignLeaf(b *testing.B) {
	ca := newTestCA(b)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := ca.SignLeaf(fmt.Sprintf("bench%d.example.com", i)); err != nil {
			b.Fatalf("SignLeaf failed: %v", err)
		}
	}
}

func BenchmarkResolveHost_Cached(b *testing.B) {
	r := NewCertResolver(newTestCA(b), WithResolverLogger(discardLogger()))
	if _, err := r.ResolveHost("cached.example.com"); err != nil {
		b.Fatalf("ResolveHost failed: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.ResolveHost("cached.example.com")
	}
}

func BenchmarkResolveHost_Parallel(b *testing.B) {
	r := NewCertResolver(newTestCA(b), WithResolverLogger(discardLogger()))
	hosts := make([]string, 16)
	for i := range hosts {
		hosts[i] = fmt.Sprintf("host%d.example.com", i)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			r.ResolveHost(hosts[i%len(hosts)])
			i++
		}
	})
}

// =============================================================================
// Finding Benchmarks
// =============================================================================

func BenchmarkSignature(b *testing.B) {
	for i := 0; i < b.N; i++ {
		Signature("security-headers", "missing-header", "https://app.example", "header:Strict-Transport-Security", "Missing HSTS header")
	}
}

func BenchmarkParseRawFindings(b *testing.B) {
	data := []byte(`[{"title":"Server version disclosed","severity":"low","vuln_type":"info-disclosure","evidence":"Apache/2.4.41"},` +
		`{"title":"Cookie without Secure","severity":"medium","vuln_type":"cookie-flags","location":"cookie:session"}]`)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ParseRawFindings(data); err != nil {
			b.Fatalf("ParseRawFindings failed: %v", err)
		}
	}
}

func BenchmarkDeduplicator_Seen(b *testing.B) {
	d := NewDeduplicator(nil)
	sigs := make([]string, 1024)
	for i := range sigs {
		sigs[i] = Signature("p", "t", fmt.Sprintf("https://h%d.example", i), "", "")
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.Seen(ctx, sigs[i%len(sigs)])
	}
}

// =============================================================================
// Pipeline Benchmarks
// =============================================================================

func BenchmarkPipeline_ScanBuiltins(b *testing.B) {
	reg := NewRegistry()
	if err := RegisterBuiltinPlugins(reg); err != nil {
		b.Fatal(err)
	}
	p := NewPipeline(reg, nil)
	p.Logger = discardLogger()

	h := http.Header{}
	h.Set("Server", "Apache/2.4.41")
	h.Add("Set-Cookie", "session=abc; Path=/")
	tx := htmlTransaction(b, true, 500, h, strings.Repeat("<p>filler</p>", 200)+"Traceback (most recent call last):")
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.Dedup.Reset()
		p.Scan(ctx, tx)
	}
}

// =============================================================================
// Rule Engine Benchmarks
// =============================================================================

func BenchmarkRuleEngine_InterceptRequest(b *testing.B) {
	rules := make([]EditRule, 100)
	for i := range rules {
		rules[i] = EditRule{
			ID:      fmt.Sprintf("rule-%d", i),
			Match:   RuleMatch{Host: fmt.Sprintf("*.site%d.example", i), Methods: []string{"POST"}},
			Actions: []RuleAction{{Type: ActionSetHeader, Name: "X-Rule", Value: "1"}},
		}
	}
	e := NewRuleEngine(&StaticRuleLoader{Rules: rules})
	if err := e.Load(context.Background()); err != nil {
		b.Fatal(err)
	}
	req := NewRequestContext(httptest.NewRequest("POST", "https://api.site99.example/v1", nil))
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.InterceptRequest(ctx, req)
	}
}

// =============================================================================
// Rate Limiter Benchmarks
// =============================================================================

func BenchmarkRateLimiter_Allow(b *testing.B) {
	rl := NewRateLimiter(1e9, 1<<30)
	defer rl.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rl.Allow("192.0.2.1:1234")
	}
}

func BenchmarkRateLimiter_Allow_MultiClient(b *testing.B) {
	rl := NewRateLimiter(1e9, 1<<30)
	defer rl.Close()
	addrs := make([]string, 256)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("10.0.0.%d:4000", i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rl.Allow(addrs[i%len(addrs)])
	}
}

// =============================================================================
// Proxy Benchmarks
// =============================================================================

func BenchmarkProxyHTTP(b *testing.B) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))
	defer backend.Close()

	proxy, _ := startTestProxy(b, nil)
	client := proxyClient(proxy, nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		resp, err := client.Get(backend.URL)
		if err != nil {
			b.Fatalf("GET failed: %v", err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

func BenchmarkProxyHTTPS(b *testing.B) {
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))
	defer backend.Close()

	proxy, ca := startTestProxy(b, nil)
	client := proxyClient(proxy, ca)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		resp, err := client.Get(backend.URL)
		if err != nil {
			b.Fatalf("GET failed: %v", err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

// =============================================================================
// Capture Benchmarks
// =============================================================================

func BenchmarkCaptureBody_Truncated(b *testing.B) {
	data := bytes.Repeat([]byte("x"), 4<<20)

	b.ResetTimer()
	b.SetBytes(int64(len(data)))
	for i := 0; i < b.N; i++ {
		_, _, fwd, err := captureBody(io.NopCloser(bytes.NewReader(data)), DefaultMaxBodySize)
		if err != nil {
			b.Fatal(err)
		}
		io.Copy(io.Discard, fwd)
		fwd.Close()
	}
}

func BenchmarkDecodeBody_Gzip(b *testing.B) {
	data := bytes.Repeat([]byte("Hello, World! This is test data for compression. "), 1000)
	compressed, err := CompressBytes(data, "gzip")
	if err != nil {
		b.Fatalf("CompressBytes failed: %v", err)
	}

	b.ResetTimer()
	b.SetBytes(int64(len(data)))
	for i := 0; i < b.N; i++ {
		if _, err := DecodeBody(compressed, "gzip", DefaultMaxBodySize); err != nil {
			b.Fatalf("DecodeBody failed: %v", err)
		}
	}
}

func BenchmarkDecodeBody_Brotli(b *testing.B) {
	data := bytes.Repeat([]byte("Hello, World! This is test data for compression. "), 1000)
	compressed, err := CompressBytes(data, "br")
	if err != nil {
		b.Fatalf("CompressBytes failed: %v", err)
	}

	b.ResetTimer()
	b.SetBytes(int64(len(data)))
	for i := 0; i < b.N; i++ {
		if _, err := DecodeBody(compressed, "br", DefaultMaxBodySize); err != nil {
			b.Fatalf("DecodeBody failed: %v", err)
		}
	}
}
