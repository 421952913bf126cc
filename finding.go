package sentinel

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Severity ranks the impact of a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// ParseSeverity maps a case-insensitive name to a Severity. Unknown or
// empty names are medium.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityCritical:
		return SeverityCritical
	case SeverityHigh:
		return SeverityHigh
	case SeverityLow:
		return SeverityLow
	case SeverityInfo:
		return SeverityInfo
	default:
		return SeverityMedium
	}
}

// Confidence is how sure a plugin is that a finding is real.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ParseConfidence maps a case-insensitive name to a Confidence. Unknown or
// empty names are medium.
func ParseConfidence(s string) Confidence {
	switch Confidence(strings.ToLower(strings.TrimSpace(s))) {
	case ConfidenceHigh:
		return ConfidenceHigh
	case ConfidenceLow:
		return ConfidenceLow
	default:
		return ConfidenceMedium
	}
}

// Finding is a normalized security finding. It is never modified after
// Normalize creates it.
type Finding struct {
	ID          string     `json:"id"`
	PluginID    string     `json:"plugin_id"`
	VulnType    string     `json:"vuln_type"`
	Severity    Severity   `json:"severity"`
	Confidence  Confidence `json:"confidence"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Evidence    string     `json:"evidence"`
	Location    string     `json:"location"`
	URL         string     `json:"url"`
	Method      string     `json:"method"`
	CWE         string     `json:"cwe,omitempty"`
	OWASP       string     `json:"owasp,omitempty"`
	Remediation string     `json:"remediation,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`

	// Snapshots of the transaction the finding was raised on.
	RequestHeaders  map[string][]string `json:"request_headers,omitempty"`
	RequestBody     string              `json:"request_body,omitempty"`
	ResponseStatus  int                 `json:"response_status,omitempty"`
	ResponseHeaders map[string][]string `json:"response_headers,omitempty"`
	ResponseBody    string              `json:"response_body,omitempty"`
}

// Signature returns the content address used for deduplication: the hex
// SHA-256 of plugin ID, vulnerability type, URL, location and title. Two
// findings with the same signature are duplicates whatever else differs.
func (f *Finding) Signature() string {
	return Signature(f.PluginID, f.VulnType, f.URL, f.Location, f.Title)
}

// Signature hashes the dedup tuple. Fields are NUL-separated so that
// ("ab", "c") and ("a", "bc") differ.
func Signature(pluginID, vulnType, url, location, title string) string {
	h := sha256.New()
	for i, field := range []string{pluginID, vulnType, url, location, title} {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// RawFinding is the permissive shape plugins report. Every field is
// optional; Normalize derives defaults.
type RawFinding struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Severity    string       `json:"severity,omitempty"`
	VulnType    string       `json:"vuln_type,omitempty"`
	Confidence  string       `json:"confidence,omitempty"`
	URL         string       `json:"url,omitempty"`
	Method      string       `json:"method,omitempty"`
	ParamName   string       `json:"param_name,omitempty"`
	ParamValue  string       `json:"param_value,omitempty"`
	Evidence    string       `json:"evidence,omitempty"`
	Request     *RawRequest  `json:"request,omitempty"`
	Response    *RawResponse `json:"response,omitempty"`
	CWE         string       `json:"cwe,omitempty"`
	OWASP       string       `json:"owasp,omitempty"`
	Remediation string       `json:"remediation,omitempty"`
}

// RawRequest is the optional request object of a RawFinding.
type RawRequest struct {
	Method string `json:"method,omitempty"`
	URL    string `json:"url,omitempty"`
}

// RawResponse is the optional response object of a RawFinding.
type RawResponse struct {
	Status int `json:"status,omitempty"`
}

// ErrInvalidRawFinding is returned for input that is not a JSON object.
var ErrInvalidRawFinding = errors.New("raw finding is not a JSON object")

// ParseRawFinding reads one raw finding from JSON. It is lenient about
// types: numbers and booleans are accepted where strings are expected
// (a numeric "cwe": 79 becomes "79"), and a string status is accepted.
func ParseRawFinding(data []byte) (RawFinding, error) {
	if !gjson.ValidBytes(data) {
		return RawFinding{}, fmt.Errorf("parse raw finding: %w", ErrInvalidRawFinding)
	}
	v := gjson.ParseBytes(data)
	if !v.IsObject() {
		return RawFinding{}, fmt.Errorf("parse raw finding: %w", ErrInvalidRawFinding)
	}
	return rawFindingFromResult(v), nil
}

// ParseRawFindings reads either one raw finding or an array of them.
func ParseRawFindings(data []byte) ([]RawFinding, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("parse raw findings: %w", ErrInvalidRawFinding)
	}
	v := gjson.ParseBytes(data)
	switch {
	case v.IsArray():
		var out []RawFinding
		for _, item := range v.Array() {
			if !item.IsObject() {
				return nil, fmt.Errorf("parse raw findings: %w", ErrInvalidRawFinding)
			}
			out = append(out, rawFindingFromResult(item))
		}
		return out, nil
	case v.IsObject():
		return []RawFinding{rawFindingFromResult(v)}, nil
	default:
		return nil, fmt.Errorf("parse raw findings: %w", ErrInvalidRawFinding)
	}
}

func rawFindingFromResult(v gjson.Result) RawFinding {
	str := func(path string) string {
		r := v.Get(path)
		switch r.Type {
		case gjson.String, gjson.Number, gjson.True, gjson.False:
			return r.String()
		default:
			return ""
		}
	}

	rf := RawFinding{
		Title:       str("title"),
		Description: str("description"),
		Severity:    str("severity"),
		VulnType:    str("vuln_type"),
		Confidence:  str("confidence"),
		URL:         str("url"),
		Method:      str("method"),
		ParamName:   str("param_name"),
		ParamValue:  str("param_value"),
		Evidence:    str("evidence"),
		CWE:         str("cwe"),
		OWASP:       str("owasp"),
		Remediation: str("remediation"),
	}
	if req := v.Get("request"); req.IsObject() {
		rf.Request = &RawRequest{Method: str("request.method"), URL: str("request.url")}
	}
	if resp := v.Get("response"); resp.IsObject() {
		rf.Response = &RawResponse{Status: int(resp.Get("status").Int())}
	}
	return rf
}

// snapshotJSON encodes the header snapshots for stores that keep them as
// JSON text.
func (f *Finding) snapshotJSON() (reqHeaders, respHeaders string) {
	if len(f.RequestHeaders) > 0 {
		b, _ := json.Marshal(f.RequestHeaders)
		reqHeaders = string(b)
	}
	if len(f.ResponseHeaders) > 0 {
		b, _ := json.Marshal(f.ResponseHeaders)
		respHeaders = string(b)
	}
	return reqHeaders, respHeaders
}
