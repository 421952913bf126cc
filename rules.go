package sentinel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"gopkg.in/yaml.v3"
)

// Edit rule action types.
const (
	ActionSetHeader    = "set_header"
	ActionRemoveHeader = "remove_header"
	ActionSetMethod    = "set_method"
	ActionSetURL       = "set_url"
	ActionReplaceBody  = "replace_body"
	ActionJSONSet      = "json_set"
	ActionSetStatus    = "set_status"
	ActionDrop         = "drop"
)

// EditRule rewrites matching requests or responses automatically.
type EditRule struct {
	ID      string         `yaml:"id" json:"id"`
	Name    string         `yaml:"name" json:"name,omitempty"`
	Enabled *bool          `yaml:"enabled" json:"enabled,omitempty"`
	Stage   InterceptStage `yaml:"stage" json:"stage"`
	Match   RuleMatch      `yaml:"match" json:"match"`
	Actions []RuleAction   `yaml:"actions" json:"actions"`

	urlRegex *regexp.Regexp
}

// RuleMatch lists the conditions of a rule. Every non-empty condition must
// hold.
type RuleMatch struct {
	// Host is an exact host or a "*.example.com" wildcard.
	Host      string   `yaml:"host" json:"host,omitempty"`
	URLPrefix string   `yaml:"url_prefix" json:"url_prefix,omitempty"`
	URLRegex  string   `yaml:"url_regex" json:"url_regex,omitempty"`
	Methods   []string `yaml:"methods" json:"methods,omitempty"`
	// Headers maps a header name to a substring its value must contain.
	// An empty value only requires the header to be present.
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`
	// JSONPath is a gjson path that must exist in the body.
	JSONPath string `yaml:"json_path" json:"json_path,omitempty"`
	// JSONEquals, if set, must equal the value found at JSONPath.
	JSONEquals string `yaml:"json_equals" json:"json_equals,omitempty"`
	// Status restricts response rules to these status codes.
	Status []int `yaml:"status" json:"status,omitempty"`
}

// RuleAction is one edit step.
type RuleAction struct {
	Type  string `yaml:"type" json:"type"`
	Name  string `yaml:"name" json:"name,omitempty"`
	Path  string `yaml:"path" json:"path,omitempty"`
	Value any    `yaml:"value" json:"value,omitempty"`
}

// IsEnabled reports whether the rule is active. Rules are enabled unless
// explicitly disabled.
func (r *EditRule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

func (r *EditRule) compile() error {
	if r.ID == "" {
		return fmt.Errorf("rule without id")
	}
	switch r.Stage {
	case StageRequest, StageResponse:
	case "":
		r.Stage = StageRequest
	default:
		return fmt.Errorf("rule %s: unknown stage %q", r.ID, r.Stage)
	}
	if r.Match.URLRegex != "" {
		re, err := regexp.Compile(r.Match.URLRegex)
		if err != nil {
			return fmt.Errorf("rule %s: invalid url_regex %q: %w", r.ID, r.Match.URLRegex, err)
		}
		r.urlRegex = re
	}
	for _, a := range r.Actions {
		switch a.Type {
		case ActionSetHeader, ActionRemoveHeader:
			if a.Name == "" {
				return fmt.Errorf("rule %s: %s needs a name", r.ID, a.Type)
			}
		case ActionSetMethod, ActionSetURL, ActionReplaceBody, ActionDrop:
		case ActionJSONSet:
			if a.Path == "" {
				return fmt.Errorf("rule %s: json_set needs a path", r.ID)
			}
		case ActionSetStatus:
			if r.Stage != StageResponse {
				return fmt.Errorf("rule %s: set_status only applies to responses", r.ID)
			}
		default:
			return fmt.Errorf("rule %s: unknown action type %q", r.ID, a.Type)
		}
	}
	return nil
}

// matches evaluates the rule conditions against effective message values.
func (r *EditRule) matches(method, rawURL string, header http.Header, body []byte, status int) bool {
	m := r.Match

	if m.Host != "" {
		u, err := url.Parse(rawURL)
		if err != nil || !hostMatches(u.Hostname(), m.Host) {
			return false
		}
	}
	if m.URLPrefix != "" && !strings.HasPrefix(strings.ToLower(rawURL), strings.ToLower(m.URLPrefix)) {
		return false
	}
	if r.urlRegex != nil && !r.urlRegex.MatchString(rawURL) {
		return false
	}
	if len(m.Methods) > 0 && !slices.ContainsFunc(m.Methods, func(s string) bool { return strings.EqualFold(s, method) }) {
		return false
	}
	for name, want := range m.Headers {
		got := header.Values(name)
		if len(got) == 0 {
			return false
		}
		if want != "" && !strings.Contains(strings.ToLower(strings.Join(got, ",")), strings.ToLower(want)) {
			return false
		}
	}
	if m.JSONPath != "" {
		res := gjson.GetBytes(body, m.JSONPath)
		if !res.Exists() {
			return false
		}
		if m.JSONEquals != "" && res.String() != m.JSONEquals {
			return false
		}
	}
	if len(m.Status) > 0 && !slices.Contains(m.Status, status) {
		return false
	}
	return true
}

func hostMatches(host, pattern string) bool {
	host = strings.ToLower(host)
	pattern = strings.ToLower(pattern)
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[2:]
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	}
	return host == pattern
}

// RuleLoader loads edit rules from a source.
type RuleLoader interface {
	Load(ctx context.Context) ([]EditRule, error)
}

// RuleLoaderFunc is a function adapter for RuleLoader.
type RuleLoaderFunc func(ctx context.Context) ([]EditRule, error)

// Load calls the underlying function to load rules.
func (f RuleLoaderFunc) Load(ctx context.Context) ([]EditRule, error) {
	return f(ctx)
}

// YAMLRuleLoader reads rules from a YAML file of the form
//
//	rules:
//	  - id: strip-csp
//	    stage: response
//	    match: {host: "*.example.com"}
//	    actions:
//	      - {type: remove_header, name: Content-Security-Policy}
type YAMLRuleLoader struct {
	Path string
}

// NewYAMLRuleLoader creates a loader for the YAML file at path.
func NewYAMLRuleLoader(path string) *YAMLRuleLoader {
	return &YAMLRuleLoader{Path: path}
}

// Load reads and parses the rule file.
func (l *YAMLRuleLoader) Load(ctx context.Context) ([]EditRule, error) {
	f, err := os.Open(l.Path)
	if err != nil {
		return nil, fmt.Errorf("open rules file: %w", err)
	}
	defer f.Close()
	return ParseRules(f)
}

// ParseRules decodes a YAML rule document.
func ParseRules(r io.Reader) ([]EditRule, error) {
	var doc struct {
		Rules []EditRule `yaml:"rules"`
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	return doc.Rules, nil
}

// StaticRuleLoader returns a fixed set of rules.
type StaticRuleLoader struct {
	Rules []EditRule
}

// Load returns the static rules.
func (l *StaticRuleLoader) Load(ctx context.Context) ([]EditRule, error) {
	return l.Rules, nil
}

// RuleEngine applies edit rules automatically as an Interceptor. The rule
// set is swapped atomically on Load, so in-flight messages finish against
// the rules they started with.
type RuleEngine struct {
	Loader RuleLoader

	// OnReload is called after a successful load with the rule count.
	OnReload func(count int)

	// OnError is called when a load fails.
	OnError func(err error)

	mu    sync.RWMutex
	rules []*EditRule
}

// NewRuleEngine creates a RuleEngine. Call Load before use.
func NewRuleEngine(loader RuleLoader) *RuleEngine {
	return &RuleEngine{Loader: loader}
}

// Load replaces the active rules from the loader. On any error the
// previous rules stay active.
func (e *RuleEngine) Load(ctx context.Context) error {
	rules, err := e.Loader.Load(ctx)
	if err == nil {
		var compiled []*EditRule
		compiled, err = compileRules(rules)
		if err == nil {
			e.mu.Lock()
			e.rules = compiled
			e.mu.Unlock()
			if e.OnReload != nil {
				e.OnReload(len(compiled))
			}
			return nil
		}
	}
	if e.OnError != nil {
		e.OnError(err)
	}
	return err
}

func compileRules(rules []EditRule) ([]*EditRule, error) {
	seen := make(map[string]bool, len(rules))
	out := make([]*EditRule, 0, len(rules))
	for i := range rules {
		r := rules[i]
		if err := r.compile(); err != nil {
			return nil, err
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		out = append(out, &r)
	}
	return out, nil
}

// Rules returns a copy of the active rules.
func (e *RuleEngine) Rules() []EditRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]EditRule, len(e.rules))
	for i, r := range e.rules {
		out[i] = *r
	}
	return out
}

// Count returns the number of active rules.
func (e *RuleEngine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

func (e *RuleEngine) snapshot() []*EditRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules
}

// InterceptRequest implements Interceptor.
func (e *RuleEngine) InterceptRequest(ctx context.Context, req *RequestContext) Decision {
	method, rawURL := req.EffectiveMethod(), req.EffectiveURL()
	header := req.EffectiveHeaders().Clone()
	if header == nil {
		header = http.Header{}
	}
	body := req.EffectiveBody()

	var edit RequestEdit
	for _, r := range e.snapshot() {
		if r.Stage != StageRequest || !r.IsEnabled() {
			continue
		}
		if !r.matches(method, rawURL, header, body, 0) {
			continue
		}
		for _, a := range r.Actions {
			switch a.Type {
			case ActionDrop:
				return Decision{Action: Drop}
			case ActionSetHeader:
				header.Set(a.Name, fmt.Sprint(a.Value))
				edit.Headers = header
			case ActionRemoveHeader:
				header.Del(a.Name)
				edit.Headers = header
			case ActionSetMethod:
				method = strings.ToUpper(fmt.Sprint(a.Value))
				edit.Method = &method
			case ActionSetURL:
				rawURL = fmt.Sprint(a.Value)
				edit.URL = &rawURL
			case ActionReplaceBody:
				if req.BodyTruncated {
					continue
				}
				body = []byte(fmt.Sprint(a.Value))
				edit.Body = body
			case ActionJSONSet:
				if req.BodyTruncated {
					continue
				}
				if out, err := sjson.SetBytes(bytes.Clone(body), a.Path, a.Value); err == nil {
					body = out
					edit.Body = body
				}
			}
		}
	}
	if edit.IsZero() {
		return Decision{}
	}
	return Decision{Request: &edit}
}

// InterceptResponse implements Interceptor.
func (e *RuleEngine) InterceptResponse(ctx context.Context, req *RequestContext, resp *ResponseContext) Decision {
	method, rawURL := req.EffectiveMethod(), req.EffectiveURL()
	status := resp.EffectiveStatus()
	header := resp.EffectiveHeaders().Clone()
	if header == nil {
		header = http.Header{}
	}
	body := resp.EffectiveBody()

	var edit ResponseEdit
	for _, r := range e.snapshot() {
		if r.Stage != StageResponse || !r.IsEnabled() {
			continue
		}
		if !r.matches(method, rawURL, header, body, status) {
			continue
		}
		for _, a := range r.Actions {
			switch a.Type {
			case ActionDrop:
				return Decision{Action: Drop}
			case ActionSetHeader:
				header.Set(a.Name, fmt.Sprint(a.Value))
				edit.Headers = header
			case ActionRemoveHeader:
				header.Del(a.Name)
				edit.Headers = header
			case ActionSetStatus:
				var code int
				if _, err := fmt.Sscan(fmt.Sprint(a.Value), &code); err == nil && code >= 100 && code <= 999 {
					status = code
					edit.Status = &status
				}
			case ActionReplaceBody:
				if resp.BodyTruncated {
					continue
				}
				body = []byte(fmt.Sprint(a.Value))
				edit.Body = body
			case ActionJSONSet:
				if resp.BodyTruncated {
					continue
				}
				if out, err := sjson.SetBytes(bytes.Clone(body), a.Path, a.Value); err == nil {
					body = out
					edit.Body = body
				}
			}
		}
	}
	if edit.IsZero() {
		return Decision{}
	}
	return Decision{Response: &edit}
}
