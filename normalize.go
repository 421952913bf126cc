package sentinel

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const unknownField = "unknown"

// Normalize turns a plugin's raw finding into a Finding, filling in every
// default. tx supplies the URL and method when the plugin reports neither,
// and the request/response snapshots. tx may be nil.
func Normalize(pluginID string, tx *HTTPTransaction, raw RawFinding) Finding {
	vulnType := strings.TrimSpace(raw.VulnType)
	if vulnType == "" {
		vulnType = unknownField
	}

	f := Finding{
		ID:          uuid.NewString(),
		PluginID:    pluginID,
		VulnType:    vulnType,
		Severity:    ParseSeverity(raw.Severity),
		Confidence:  ParseConfidence(raw.Confidence),
		Title:       findingTitle(raw),
		Description: raw.Description,
		Evidence:    findingEvidence(raw),
		Location:    findingLocation(raw),
		CWE:         raw.CWE,
		OWASP:       raw.OWASP,
		Remediation: raw.Remediation,
		CreatedAt:   time.Now().UTC(),
	}

	f.URL = firstNonEmpty(rawRequestField(raw, func(r *RawRequest) string { return r.URL }), raw.URL)
	f.Method = firstNonEmpty(rawRequestField(raw, func(r *RawRequest) string { return r.Method }), raw.Method)

	if tx != nil && tx.Request != nil {
		req := tx.Request
		if f.URL == "" {
			f.URL = req.EffectiveURL()
		}
		if f.Method == "" {
			f.Method = req.EffectiveMethod()
		}
		f.RequestHeaders = cloneHeaderMap(req.EffectiveHeaders())
		f.RequestBody = snapshotBody(req.EffectiveBody())

		if resp := tx.Response(); resp != nil {
			f.ResponseStatus = resp.EffectiveStatus()
			f.ResponseHeaders = cloneHeaderMap(resp.EffectiveHeaders())
			f.ResponseBody = snapshotBody(resp.EffectiveBody())
		}
	}
	if f.ResponseStatus == 0 && raw.Response != nil {
		f.ResponseStatus = raw.Response.Status
	}
	return f
}

func findingTitle(raw RawFinding) string {
	if t := strings.TrimSpace(raw.Title); t != "" {
		return t
	}
	if line, _, _ := strings.Cut(raw.Description, "\n"); strings.TrimSpace(line) != "" {
		return strings.TrimSpace(line)
	}
	if vt := strings.TrimSpace(raw.VulnType); vt != "" {
		return vt + " detected"
	}
	return "Vulnerability detected"
}

func findingEvidence(raw RawFinding) string {
	if raw.Evidence != "" {
		return raw.Evidence
	}
	if raw.ParamValue != "" {
		return "Parameter value: " + raw.ParamValue
	}
	return ""
}

func findingLocation(raw RawFinding) string {
	if raw.ParamName != "" {
		return "param:" + raw.ParamName
	}
	return unknownField
}

func rawRequestField(raw RawFinding, get func(*RawRequest) string) string {
	if raw.Request == nil {
		return ""
	}
	return get(raw.Request)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func cloneHeaderMap(h http.Header) map[string][]string {
	if len(h) == 0 {
		return nil
	}
	return map[string][]string(h.Clone())
}

// snapshotBody keeps text bodies only; bodies containing NUL are omitted.
func snapshotBody(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if bytes.IndexByte(b, 0) >= 0 {
		return ""
	}
	return string(b)
}
