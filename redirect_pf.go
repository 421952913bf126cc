package sentinel

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

// DefaultPFAnchor is the pf anchor sentinel manages.
const DefaultPFAnchor = "sentinel-proxy"

// DefaultPFInterfaces are the interfaces pf redirects on by default.
var DefaultPFInterfaces = []string{"lo0", "en0", "en1", "en2", "bridge0", "utun0", "utun1"}

var pfTokenPattern = regexp.MustCompile(`(?m)^Token\s*:\s*(\d+)`)

// PFRedirector redirects with pf (macOS, FreeBSD). Rules live in a single
// anchor; the main ruleset must reference it with rdr-anchor and anchor.
type PFRedirector struct {
	Anchor     string
	Interfaces []string
	Runner     CommandRunner
	Logger     *slog.Logger

	mu    sync.Mutex
	token string
}

// NewPFRedirector creates a PFRedirector for the default anchor.
func NewPFRedirector(opts RedirectOptions) *PFRedirector {
	r := &PFRedirector{
		Anchor:     DefaultPFAnchor,
		Interfaces: opts.Interfaces,
		Runner:     opts.Runner,
		Logger:     opts.Logger,
	}
	return r
}

func (r *PFRedirector) anchor() string {
	if r.Anchor != "" {
		return r.Anchor
	}
	return DefaultPFAnchor
}

func (r *PFRedirector) runner() CommandRunner {
	if r.Runner != nil {
		return r.Runner
	}
	return execRunner{}
}

// GenerateRules renders one rdr rule per interface and port, followed by a
// pass rules for traffic to the proxy port only.
func (r *PFRedirector) GenerateRules(proxyPort int, redirectPorts []int) (RuleSet, error) {
	if err := validateRedirectPorts(proxyPort, redirectPorts); err != nil {
		return RuleSet{}, fmt.Errorf("generate pf rules: %w", err)
	}
	ifaces := r.Interfaces
	if len(ifaces) == 0 {
		ifaces = DefaultPFInterfaces
	}

	var b strings.Builder
	for _, iface := range ifaces {
		for _, port := range redirectPorts {
			fmt.Fprintf(&b, "rdr pass on %s inet proto tcp from any to any port %d -> 127.0.0.1 port %d\n", iface, port, proxyPort)
		}
	}
	fmt.Fprintf(&b, "pass in quick inet proto tcp from any to 127.0.0.1 port %d keep state\n", proxyPort)
	fmt.Fprintf(&b, "pass out quick inet proto tcp from any to 127.0.0.1 port %d keep state\n", proxyPort)
	return RuleSet{Anchor: r.anchor(), Text: b.String()}, nil
}

// Load replaces the anchor's rules with rs in one pfctl invocation.
func (r *PFRedirector) Load(ctx context.Context, rs RuleSet) error {
	anchor := rs.Anchor
	if anchor == "" {
		anchor = r.anchor()
	}
	_, _, err := runCommand(ctx, r.runner(), "load", []byte(rs.Text), "pfctl", "-a", anchor, "-f", "-")
	return err
}

// Enable loads the rules, then enables pf holding a reference token. If
// enabling fails the anchor is flushed again.
func (r *PFRedirector) Enable(ctx context.Context, proxyPort int, redirectPorts []int) error {
	rs, err := r.GenerateRules(proxyPort, redirectPorts)
	if err != nil {
		return err
	}
	if err := r.Load(ctx, rs); err != nil {
		return err
	}

	_, stderr, err := runCommand(ctx, r.runner(), "enable", nil, "pfctl", "-E")
	if err != nil {
		if ferr := r.Flush(ctx); ferr != nil {
			redirectLogger(r.Logger).Error("rollback pf anchor", "anchor", r.anchor(), "error", ferr)
		}
		return err
	}

	r.mu.Lock()
	if m := pfTokenPattern.FindStringSubmatch(stderr); m != nil {
		r.token = m[1]
	}
	r.mu.Unlock()

	redirectLogger(r.Logger).Info("pf redirection enabled", "anchor", r.anchor(), "proxy_port", proxyPort, "ports", redirectPorts)
	return nil
}

// Disable flushes the anchor and releases the pf enable token, if held.
func (r *PFRedirector) Disable(ctx context.Context) error {
	err := r.Flush(ctx)

	r.mu.Lock()
	token := r.token
	r.token = ""
	r.mu.Unlock()

	if token != "" {
		if _, _, terr := runCommand(ctx, r.runner(), "release", nil, "pfctl", "-X", token); terr != nil && err == nil {
			err = terr
		}
	}
	if err == nil {
		redirectLogger(r.Logger).Info("pf redirection disabled", "anchor", r.anchor())
	}
	return err
}

// Flush removes every rule in the anchor. Rules outside it are untouched.
func (r *PFRedirector) Flush(ctx context.Context) error {
	_, _, err := runCommand(ctx, r.runner(), "flush", nil, "pfctl", "-a", r.anchor(), "-F", "all")
	return err
}

// Status returns the anchor's translation and filter rules.
func (r *PFRedirector) Status(ctx context.Context) (string, error) {
	nat, _, err := runCommand(ctx, r.runner(), "status", nil, "pfctl", "-a", r.anchor(), "-s", "nat")
	if err != nil {
		return "", err
	}
	rules, _, err := runCommand(ctx, r.runner(), "status", nil, "pfctl", "-a", r.anchor(), "-s", "rules")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.TrimSpace(nat) + "\n" + strings.TrimSpace(rules)), nil
}
