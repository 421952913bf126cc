package sentinel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSeverity(t *testing.T) {
	tests := map[string]Severity{
		"critical": SeverityCritical,
		"HIGH":     SeverityHigh,
		" Medium ": SeverityMedium,
		"low":      SeverityLow,
		"Info":     SeverityInfo,
		"":         SeverityMedium,
		"severe":   SeverityMedium,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseSeverity(in), "ParseSeverity(%q)", in)
	}
}

func TestParseConfidence(t *testing.T) {
	assert.Equal(t, ConfidenceHigh, ParseConfidence("HIGH"))
	assert.Equal(t, ConfidenceLow, ParseConfidence("low"))
	assert.Equal(t, ConfidenceMedium, ParseConfidence(""))
	assert.Equal(t, ConfidenceMedium, ParseConfidence("certain"))
}

func TestSignature(t *testing.T) {
	base := Finding{PluginID: "p", VulnType: "xss", URL: "https://a/", Location: "param:q", Title: "XSS"}

	t.Run("stable", func(t *testing.T) {
		a, b := base, base
		b.ID = "other"
		b.Evidence = "different evidence"
		b.Severity = SeverityCritical
		assert.Equal(t, a.Signature(), b.Signature())
		assert.Len(t, a.Signature(), 64)
	})

	t.Run("each tuple field matters", func(t *testing.T) {
		mutations := []func(f *Finding){
			func(f *Finding) { f.PluginID = "q" },
			func(f *Finding) { f.VulnType = "sqli" },
			func(f *Finding) { f.URL = "https://b/" },
			func(f *Finding) { f.Location = "param:x" },
			func(f *Finding) { f.Title = "Other" },
		}
		for i, mutate := range mutations {
			f := base
			mutate(&f)
			assert.NotEqual(t, base.Signature(), f.Signature(), "mutation %d", i)
		}
	})

	t.Run("fields are separated", func(t *testing.T) {
		assert.NotEqual(t, Signature("ab", "c", "", "", ""), Signature("a", "bc", "", "", ""))
	})
}

func TestParseRawFinding(t *testing.T) {
	t.Run("lenient types", func(t *testing.T) {
		raw, err := ParseRawFinding([]byte(`{
			"title": "Reflected XSS",
			"severity": "HIGH",
			"cwe": 79,
			"param_name": "q",
			"request": {"method": "POST", "url": "https://example.com/search"},
			"response": {"status": "200"}
		}`))
		require.NoError(t, err)
		assert.Equal(t, "Reflected XSS", raw.Title)
		assert.Equal(t, "HIGH", raw.Severity)
		assert.Equal(t, "79", raw.CWE)
		assert.Equal(t, "q", raw.ParamName)
		require.NotNil(t, raw.Request)
		assert.Equal(t, "POST", raw.Request.Method)
		assert.Equal(t, "https://example.com/search", raw.Request.URL)
		require.NotNil(t, raw.Response)
		assert.Equal(t, 200, raw.Response.Status)
	})

	t.Run("empty object", func(t *testing.T) {
		raw, err := ParseRawFinding([]byte(`{}`))
		require.NoError(t, err)
		assert.Equal(t, RawFinding{}, raw)
	})

	t.Run("not an object", func(t *testing.T) {
		for _, in := range []string{`[1,2]`, `"x"`, `{bad`, ``} {
			_, err := ParseRawFinding([]byte(in))
			assert.ErrorIs(t, err, ErrInvalidRawFinding, "input %q", in)
		}
	})
}

func TestParseRawFindings(t *testing.T) {
	list, err := ParseRawFindings([]byte(`[{"title":"a"},{"title":"b"}]`))
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[1].Title)

	single, err := ParseRawFindings([]byte(`{"title":"only"}`))
	require.NoError(t, err)
	require.Len(t, single, 1)

	_, err = ParseRawFindings([]byte(`[{"title":"a"}, 3]`))
	assert.ErrorIs(t, err, ErrInvalidRawFinding)
}
