package sentinel

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func htmlTransaction(t testing.TB, tls bool, status int, headers http.Header, body string) *HTTPTransaction {
	t.Helper()
	scheme := "http"
	if tls {
		scheme = "https"
	}
	tx := NewHTTPTransaction(&RequestContext{
		ID:      "r",
		Method:  "GET",
		URL:     scheme + "://app.example/account/settings",
		Headers: http.Header{},
		TLS:     tls,
	})
	if headers.Get("Content-Type") == "" {
		headers.Set("Content-Type", "text/html; charset=utf-8")
	}
	require.NoError(t, tx.SetResponse(&ResponseContext{Status: status, Headers: headers, Body: []byte(body)}))
	return tx
}

func titles(raws []RawFinding) []string {
	out := make([]string, 0, len(raws))
	for _, r := range raws {
		out = append(out, r.Title)
	}
	return out
}

func TestRegisterBuiltinPlugins(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltinPlugins(r))

	var ids []string
	for _, p := range r.List() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{PluginSecurityHeaders, PluginCookieFlags, PluginServerDisclosure, PluginErrorDisclosure}, ids)

	assert.ErrorIs(t, RegisterBuiltinPlugins(r), ErrDuplicatePlugin)
}

func TestScanSecurityHeaders(t *testing.T) {
	t.Run("bare https page", func(t *testing.T) {
		raws, err := scanSecurityHeaders(context.Background(), htmlTransaction(t, true, 200, http.Header{}, "<html></html>"))
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{
			"Missing Strict-Transport-Security header",
			"Missing Content-Security-Policy header",
			"Missing X-Content-Type-Options header",
			"Missing anti-framing protection",
		}, titles(raws))
		for _, r := range raws {
			assert.Equal(t, "https://app.example/", r.URL, "reported per origin")
		}
	})

	t.Run("hsts only over tls", func(t *testing.T) {
		raws, err := scanSecurityHeaders(context.Background(), htmlTransaction(t, false, 200, http.Header{}, ""))
		require.NoError(t, err)
		assert.NotContains(t, titles(raws), "Missing Strict-Transport-Security header")
	})

	t.Run("hardened page", func(t *testing.T) {
		h := http.Header{}
		h.Set("Strict-Transport-Security", "max-age=31536000")
		h.Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'")
		h.Set("X-Content-Type-Options", "nosniff")
		raws, err := scanSecurityHeaders(context.Background(), htmlTransaction(t, true, 200, h, ""))
		require.NoError(t, err)
		assert.Empty(t, raws)
	})

	t.Run("non html and errors ignored", func(t *testing.T) {
		h := http.Header{"Content-Type": {"application/json"}}
		raws, _ := scanSecurityHeaders(context.Background(), htmlTransaction(t, true, 200, h, "{}"))
		assert.Empty(t, raws)
		raws, _ = scanSecurityHeaders(context.Background(), htmlTransaction(t, true, 404, http.Header{}, ""))
		assert.Empty(t, raws)
	})

	t.Run("no response", func(t *testing.T) {
		raws, err := scanSecurityHeaders(context.Background(), getTransaction("https://a.example/"))
		require.NoError(t, err)
		assert.Empty(t, raws)
	})
}

func TestScanCookieFlags(t *testing.T) {
	h := http.Header{}
	h.Add("Set-Cookie", "session=abc123; Path=/")
	h.Add("Set-Cookie", "prefs=dark; Path=/; Secure; HttpOnly; SameSite=Lax")
	h.Add("Set-Cookie", "tracker=1; SameSite=None; HttpOnly")
	h.Add("Set-Cookie", "old=; Max-Age=0")

	raws, err := scanCookieFlags(context.Background(), htmlTransaction(t, true, 200, h, ""))
	require.NoError(t, err)

	byCookie := map[string][]string{}
	for _, r := range raws {
		byCookie[r.ParamName] = append(byCookie[r.ParamName], r.VulnType)
	}
	assert.ElementsMatch(t, []string{"cookie_missing_secure", "cookie_missing_httponly"}, byCookie["session"])
	assert.ElementsMatch(t, []string{"cookie_missing_secure", "cookie_samesite_none_insecure"}, byCookie["tracker"])
	assert.NotContains(t, byCookie, "prefs")
	assert.NotContains(t, byCookie, "old")

	f := Normalize(PluginCookieFlags, nil, raws[0])
	assert.Equal(t, "param:session", f.Location)
}

func TestScanServerDisclosure(t *testing.T) {
	h := http.Header{}
	h.Set("Server", "Apache/2.4.41 (Ubuntu)")
	h.Set("X-Powered-By", "PHP/7.4.3")
	raws, err := scanServerDisclosure(context.Background(), htmlTransaction(t, true, 200, h, ""))
	require.NoError(t, err)
	require.Len(t, raws, 2)
	assert.Equal(t, "Server: Apache/2.4.41 (Ubuntu)", raws[0].Evidence)
	assert.Equal(t, string(SeverityInfo), raws[0].Severity)

	h = http.Header{}
	h.Set("Server", "nginx")
	raws, err = scanServerDisclosure(context.Background(), htmlTransaction(t, true, 200, h, ""))
	require.NoError(t, err)
	assert.Empty(t, raws)
}

func TestScanErrorDisclosure(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantType string
	}{
		{"mysql", "<p>You have an error in your SQL syntax; check the manual</p>", "sql_error_disclosure"},
		{"postgres", "PG::SyntaxError: ERROR: syntax error at or near", "sql_error_disclosure"},
		{"python", "Traceback (most recent call last):\n  File \"app.py\", line 3", "stack_trace_disclosure"},
		{"php", "Warning: include(): Failed in /var/www/index.php on line 12", "stack_trace_disclosure"},
		{"clean", "<html><body>Welcome</body></html>", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raws, err := scanErrorDisclosure(context.Background(), htmlTransaction(t, true, 500, http.Header{}, tt.body))
			require.NoError(t, err)
			if tt.wantType == "" {
				assert.Empty(t, raws)
				return
			}
			require.Len(t, raws, 1)
			assert.Equal(t, tt.wantType, raws[0].VulnType)
			assert.NotEmpty(t, raws[0].Evidence)
		})
	}
}

func TestBuiltinPluginsThroughPipeline(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltinPlugins(r))
	p := NewPipeline(r, nil)

	h := http.Header{}
	h.Set("Server", "Apache/2.4.41")
	first := p.Scan(context.Background(), htmlTransaction(t, true, 200, h.Clone(), "ok"))
	require.NotEmpty(t, first)

	// A second page on the same host raises nothing new.
	second := p.Scan(context.Background(), htmlTransaction(t, true, 200, h.Clone(), "ok"))
	assert.Empty(t, second)
}
