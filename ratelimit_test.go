package sentinel

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_Allow_Basic(t *testing.T) {
	rl := NewRateLimiter(10, 5)
	defer rl.Close()

	for range 5 {
		if !rl.Allow("192.168.1.1:1234") {
			t.Fatal("first 5 requests should be allowed (burst)")
		}
	}

	if rl.Allow("192.168.1.1:1234") {
		t.Fatal("6th request should be denied (burst exhausted)")
	}
}

func TestRateLimiter_Allow_Refill(t *testing.T) {
	rl := NewRateLimiter(100, 2)
	defer rl.Close()

	rl.Allow("10.0.0.1:5000")
	rl.Allow("10.0.0.1:5000")

	if rl.Allow("10.0.0.1:5000") {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(25 * time.Millisecond)

	if !rl.Allow("10.0.0.1:5000") {
		t.Fatal("should be allowed after refill")
	}
}

func TestRateLimiter_Allow_PerClient(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	defer rl.Close()

	if !rl.Allow("client-a:1") {
		t.Fatal("client A first request should be allowed")
	}
	if !rl.Allow("client-b:1") {
		t.Fatal("client B first request should be allowed (independent bucket)")
	}
	if rl.Allow("client-a:2") {
		t.Fatal("client A second request should be denied")
	}
	if rl.ClientCount() != 2 {
		t.Errorf("expected 2 clients, got %d", rl.ClientCount())
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(10, 1)
	defer rl.Close()

	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest("GET", "/api/status", nil)
	req.RemoteAddr = "192.168.1.1:9999"

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("first request: got %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Error("expected Retry-After header")
	}
}

func TestRateLimiter_ForgetIdle(t *testing.T) {
	rl := NewRateLimiter(10, 10)
	defer rl.Close()

	rl.Allow("1.1.1.1:1")
	rl.forgetIdle(time.Now().Add(-time.Hour))
	if rl.ClientCount() != 1 {
		t.Fatal("recent client should be kept")
	}

	rl.forgetIdle(time.Now().Add(time.Second))
	if rl.ClientCount() != 0 {
		t.Errorf("idle client should be forgotten, have %d", rl.ClientCount())
	}
}

func TestRateLimiter_Close_Idempotent(t *testing.T) {
	rl := NewRateLimiter(10, 10)
	rl.Close()
	rl.Close()
}
