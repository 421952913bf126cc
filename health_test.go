package sentinel

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker()

	if h.IsAlive() {
		t.Error("expected not alive by default")
	}
	h.SetAlive(true)
	if !h.IsAlive() {
		t.Error("expected alive after SetAlive(true)")
	}
	h.SetAlive(false)
	if h.IsAlive() {
		t.Error("expected not alive after SetAlive(false)")
	}
}

func TestHealthChecker_Readiness(t *testing.T) {
	t.Run("not ready by default", func(t *testing.T) {
		if NewHealthChecker().IsReady() {
			t.Error("expected not ready by default")
		}
	})

	t.Run("ready when all checks pass", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady(true)
		h.AddCheck("a", func() error { return nil })
		h.AddCheck("b", func() error { return nil })
		if !h.IsReady() {
			t.Error("expected ready when all checks pass")
		}
	})

	t.Run("not ready when one check fails", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady(true)
		h.AddCheck("a", func() error { return nil })
		h.AddCheck("store", func() error { return errors.New("db down") })
		if h.IsReady() {
			t.Error("expected not ready when one check fails")
		}
	})
}

func TestHealthChecker_HandleHealthz(t *testing.T) {
	tests := []struct {
		name       string
		alive      bool
		wantStatus int
		wantBody   string
	}{
		{"alive", true, http.StatusOK, "ok"},
		{"not alive", false, http.StatusServiceUnavailable, "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker()
			h.SetAlive(tt.alive)

			w := httptest.NewRecorder()
			h.HandleHealthz(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}

			var resp HealthResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if resp.Status != tt.wantBody {
				t.Errorf("status = %q, want %q", resp.Status, tt.wantBody)
			}
			if resp.Uptime == "" {
				t.Error("expected uptime in response")
			}
		})
	}
}

func TestHealthChecker_HandleReadyz(t *testing.T) {
	t.Run("not started", func(t *testing.T) {
		h := NewHealthChecker()
		w := httptest.NewRecorder()
		h.HandleReadyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
		}
		var resp HealthResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if resp.Reason != "proxy not started" {
			t.Errorf("reason = %q", resp.Reason)
		}
	})

	t.Run("failing checks are named", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady(true)
		h.AddCheck("proxy", func() error { return errors.New("proxy is not listening") })
		h.AddCheck("store", func() error { return errors.New("unreachable") })

		w := httptest.NewRecorder()
		h.HandleReadyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
		}
		var resp HealthResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(resp.Details) != 2 {
			t.Fatalf("details = %d items, want 2", len(resp.Details))
		}
		if !strings.HasPrefix(resp.Details[0], "proxy: ") {
			t.Errorf("details[0] = %q, want proxy prefix", resp.Details[0])
		}
	})

	t.Run("ready", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady(true)
		w := httptest.NewRecorder()
		h.HandleReadyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
		}
	})
}
