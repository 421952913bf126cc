package sentinel

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Built-in plugin IDs.
const (
	PluginSecurityHeaders  = "security-headers"
	PluginCookieFlags      = "cookie-flags"
	PluginServerDisclosure = "server-disclosure"
	PluginErrorDisclosure  = "error-disclosure"
)

// RegisterBuiltinPlugins registers the passive checks shipped with
// sentinel.
func RegisterBuiltinPlugins(r *Registry) error {
	builtins := []struct {
		id      string
		scanner Scanner
		meta    PluginMeta
	}{
		{PluginSecurityHeaders, ScannerFunc(scanSecurityHeaders), PluginMeta{
			Name:        "Security headers",
			Description: "Reports HTML responses missing HSTS, CSP, X-Frame-Options or X-Content-Type-Options.",
			Version:     "1.0.0",
		}},
		{PluginCookieFlags, ScannerFunc(scanCookieFlags), PluginMeta{
			Name:        "Cookie flags",
			Description: "Reports cookies set without Secure, HttpOnly or a safe SameSite mode.",
			Version:     "1.0.0",
		}},
		{PluginServerDisclosure, ScannerFunc(scanServerDisclosure), PluginMeta{
			Name:        "Server disclosure",
			Description: "Reports response headers that reveal server software versions.",
			Version:     "1.0.0",
		}},
		{PluginErrorDisclosure, ScannerFunc(scanErrorDisclosure), PluginMeta{
			Name:        "Error disclosure",
			Description: "Reports stack traces and database errors in response bodies.",
			Version:     "1.0.0",
		}},
	}
	for _, b := range builtins {
		if err := r.Register(b.id, b.scanner, b.meta); err != nil {
			return fmt.Errorf("register builtin plugins: %w", err)
		}
	}
	return nil
}

// origin returns scheme://host for host-wide findings, so they are reported
// once per host rather than once per path.
func origin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Scheme + "://" + u.Host + "/"
}

func isHTML(h http.Header) bool {
	mt, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	return err == nil && (mt == "text/html" || mt == "application/xhtml+xml")
}

type missingHeader struct {
	name        string
	vulnType    string
	severity    Severity
	cwe         string
	remediation string
	tlsOnly     bool
}

var securityHeaders = []missingHeader{
	{
		name:        "Strict-Transport-Security",
		vulnType:    "missing_hsts",
		severity:    SeverityMedium,
		cwe:         "CWE-319",
		remediation: "Send Strict-Transport-Security with a max-age of at least one year.",
		tlsOnly:     true,
	},
	{
		name:        "Content-Security-Policy",
		vulnType:    "missing_csp",
		severity:    SeverityLow,
		cwe:         "CWE-693",
		remediation: "Define a Content-Security-Policy that restricts script sources.",
	},
	{
		name:        "X-Content-Type-Options",
		vulnType:    "missing_x_content_type_options",
		severity:    SeverityLow,
		cwe:         "CWE-693",
		remediation: "Send X-Content-Type-Options: nosniff.",
	},
}

func scanSecurityHeaders(_ context.Context, tx *HTTPTransaction) ([]RawFinding, error) {
	resp := tx.Response()
	if resp == nil {
		return nil, nil
	}
	status := resp.EffectiveStatus()
	h := resp.EffectiveHeaders()
	if status < 200 || status >= 300 || !isHTML(h) {
		return nil, nil
	}

	target := origin(tx.Request.EffectiveURL())
	var out []RawFinding
	for _, mh := range securityHeaders {
		if mh.tlsOnly && !tx.Request.TLS {
			continue
		}
		if h.Get(mh.name) != "" {
			continue
		}
		out = append(out, RawFinding{
			Title:       "Missing " + mh.name + " header",
			Description: fmt.Sprintf("The HTML response does not set %s.", mh.name),
			Severity:    string(mh.severity),
			VulnType:    mh.vulnType,
			Confidence:  string(ConfidenceHigh),
			URL:         target,
			CWE:         mh.cwe,
			OWASP:       "A05:2021",
			Remediation: mh.remediation,
		})
	}

	// Framing is covered by either X-Frame-Options or CSP frame-ancestors.
	csp := strings.ToLower(h.Get("Content-Security-Policy"))
	if h.Get("X-Frame-Options") == "" && !strings.Contains(csp, "frame-ancestors") {
		out = append(out, RawFinding{
			Title:       "Missing anti-framing protection",
			Description: "Neither X-Frame-Options nor a CSP frame-ancestors directive is set; the page can be framed.",
			Severity:    string(SeverityMedium),
			VulnType:    "clickjacking",
			Confidence:  string(ConfidenceHigh),
			URL:         target,
			CWE:         "CWE-1021",
			OWASP:       "A05:2021",
			Remediation: "Send X-Frame-Options: DENY or a CSP frame-ancestors directive.",
		})
	}
	return out, nil
}

func scanCookieFlags(_ context.Context, tx *HTTPTransaction) ([]RawFinding, error) {
	resp := tx.Response()
	if resp == nil {
		return nil, nil
	}

	var out []RawFinding
	for _, line := range resp.EffectiveHeaders().Values("Set-Cookie") {
		c, err := http.ParseSetCookie(line)
		if err != nil {
			continue
		}
		// Deletions carry no value worth protecting.
		if c.MaxAge < 0 || c.Value == "" {
			continue
		}

		finding := func(title, vulnType, desc string, sev Severity, remediation string) RawFinding {
			return RawFinding{
				Title:       title,
				Description: desc,
				Severity:    string(sev),
				VulnType:    vulnType,
				Confidence:  string(ConfidenceHigh),
				ParamName:   c.Name,
				Evidence:    line,
				CWE:         "CWE-614",
				OWASP:       "A05:2021",
				Remediation: remediation,
			}
		}

		if tx.Request.TLS && !c.Secure {
			out = append(out, finding(
				"Cookie without Secure flag", "cookie_missing_secure",
				fmt.Sprintf("Cookie %q is set over HTTPS without the Secure attribute.", c.Name),
				SeverityMedium, "Add the Secure attribute."))
		}
		if !c.HttpOnly {
			f := finding(
				"Cookie without HttpOnly flag", "cookie_missing_httponly",
				fmt.Sprintf("Cookie %q is readable from JavaScript.", c.Name),
				SeverityLow, "Add the HttpOnly attribute unless scripts must read the cookie.")
			f.CWE = "CWE-1004"
			out = append(out, f)
		}
		if c.SameSite == http.SameSiteNoneMode && !c.Secure {
			f := finding(
				"SameSite=None cookie without Secure", "cookie_samesite_none_insecure",
				fmt.Sprintf("Cookie %q uses SameSite=None without Secure.", c.Name),
				SeverityMedium, "SameSite=None cookies must also be Secure.")
			f.CWE = "CWE-1275"
			out = append(out, f)
		}
	}
	return out, nil
}

var versionPattern = regexp.MustCompile(`\d+\.\d+`)

var disclosureHeaders = []string{"Server", "X-Powered-By", "X-AspNet-Version", "X-AspNetMvc-Version", "X-Generator"}

func scanServerDisclosure(_ context.Context, tx *HTTPTransaction) ([]RawFinding, error) {
	resp := tx.Response()
	if resp == nil {
		return nil, nil
	}
	h := resp.EffectiveHeaders()
	target := origin(tx.Request.EffectiveURL())

	var out []RawFinding
	for _, name := range disclosureHeaders {
		v := h.Get(name)
		if v == "" {
			continue
		}
		// A bare product name such as "nginx" is not worth reporting.
		if name == "Server" && !versionPattern.MatchString(v) {
			continue
		}
		out = append(out, RawFinding{
			Title:       name + " header discloses software version",
			Description: fmt.Sprintf("The %s response header reveals %q.", name, v),
			Severity:    string(SeverityInfo),
			VulnType:    "information_disclosure",
			Confidence:  string(ConfidenceHigh),
			URL:         target,
			Evidence:    name + ": " + v,
			CWE:         "CWE-200",
			OWASP:       "A05:2021",
			Remediation: "Remove or genericize the " + name + " header.",
		})
	}
	return out, nil
}

type errorSignature struct {
	vulnType string
	title    string
	severity Severity
	cwe      string
	pattern  *regexp.Regexp
}

var errorSignatures = []errorSignature{
	{"sql_error_disclosure", "Database error message in response", SeverityMedium, "CWE-209",
		regexp.MustCompile(`(?i)(you have an error in your sql syntax|warning: mysql_|unclosed quotation mark after the character string|pg::syntaxerror|ora-\d{5}|sqlite3?::|sqlstate\[\w+\])`)},
	{"stack_trace_disclosure", "Stack trace in response", SeverityLow, "CWE-209",
		regexp.MustCompile(`(?m)(Traceback \(most recent call last\)|^\s+at [\w.$]+\([\w]+\.java:\d+\)|panic: .+\n\ngoroutine \d+ \[|System\.\w+Exception: .+ at |\.php on line \d+)`)},
}

const errorScanLimit = 256 * KB

func scanErrorDisclosure(ctx context.Context, tx *HTTPTransaction) ([]RawFinding, error) {
	resp := tx.Response()
	if resp == nil {
		return nil, nil
	}
	body := resp.EffectiveBody()
	if len(body) == 0 {
		return nil, nil
	}
	if len(body) > errorScanLimit {
		body = body[:errorScanLimit]
	}

	var out []RawFinding
	for _, sig := range errorSignatures {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		loc := sig.pattern.FindIndex(body)
		if loc == nil {
			continue
		}
		out = append(out, RawFinding{
			Title:       sig.title,
			Description: fmt.Sprintf("The response to %s %s contains a server-side error message.", tx.Request.EffectiveMethod(), tx.Request.EffectiveURL()),
			Severity:    string(sig.severity),
			VulnType:    sig.vulnType,
			Confidence:  string(ConfidenceMedium),
			Evidence:    excerpt(body, loc[0], loc[1]),
			CWE:         sig.cwe,
			OWASP:       "A05:2021",
			Remediation: "Return generic error pages and log details server-side.",
		})
	}
	return out, nil
}

// excerpt returns the match with a little surrounding context.
func excerpt(b []byte, start, end int) string {
	const pad = 40
	s, e := max(start-pad, 0), min(end+pad, len(b))
	return strings.TrimSpace(string(b[s:e]))
}
