package sentinel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// ErrRedirectUnsupported is returned by every operation on platforms without
// a transparent redirection backend.
var ErrRedirectUnsupported = errors.New("transparent redirection not supported on this platform")

// TransparentRedirector installs packet-filter rules that send traffic for
// selected destination ports to the local proxy. Implementations only touch
// their own anchor or table.
type TransparentRedirector interface {
	// GenerateRules renders the ruleset without applying it.
	GenerateRules(proxyPort int, redirectPorts []int) (RuleSet, error)
	// Load applies rs in a single command.
	Load(ctx context.Context, rs RuleSet) error
	// Enable generates, loads and activates the rules. On failure nothing
	// is left installed.
	Enable(ctx context.Context, proxyPort int, redirectPorts []int) error
	// Disable removes the rules. It is safe to call when nothing is
	// installed.
	Disable(ctx context.Context) error
	// Flush clears the managed anchor or table.
	Flush(ctx context.Context) error
	// Status returns the rules currently installed, or "" when none are.
	Status(ctx context.Context) (string, error)
}

// RuleSet is a rendered ruleset and the anchor or table it belongs to.
type RuleSet struct {
	Anchor string `json:"anchor"`
	Text   string `json:"text"`
}

// RedirectOptions configures NewTransparentRedirector.
type RedirectOptions struct {
	// Interfaces lists the interfaces pf redirects on. Empty means
	// DefaultPFInterfaces. Ignored by nftables.
	Interfaces []string
	// ProxyUID is the uid whose outbound traffic is never redirected, so
	// the proxy's own upstream connections do not loop. nftables only;
	// negative disables the exclusion.
	ProxyUID int
	// Runner executes pfctl or nft. Nil uses os/exec.
	Runner CommandRunner
	Logger *slog.Logger
}

// CommandRunner runs an external command with stdin and returns its output.
type CommandRunner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// RedirectError reports a failed packet-filter command.
type RedirectError struct {
	Op      string
	Command string
	Stderr  string
	Err     error
}

func (e *RedirectError) Error() string {
	msg := fmt.Sprintf("redirect %s: %s: %v", e.Op, e.Command, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *RedirectError) Unwrap() error { return e.Err }

// runCommand runs name through r and wraps a failure in a RedirectError.
func runCommand(ctx context.Context, r CommandRunner, op string, stdin []byte, name string, args ...string) (string, string, error) {
	stdout, stderr, err := r.Run(ctx, stdin, name, args...)
	if err != nil {
		return string(stdout), string(stderr), &RedirectError{
			Op:      op,
			Command: strings.TrimSpace(name + " " + strings.Join(args, " ")),
			Stderr:  strings.TrimSpace(string(stderr)),
			Err:     err,
		}
	}
	return string(stdout), string(stderr), nil
}

// validateRedirectPorts rejects empty, out of range and duplicate ports and
// a redirect of the proxy port onto itself.
func validateRedirectPorts(proxyPort int, ports []int) error {
	if proxyPort < 1 || proxyPort > 65535 {
		return fmt.Errorf("invalid proxy port %d", proxyPort)
	}
	if len(ports) == 0 {
		return errors.New("no ports to redirect")
	}
	seen := make(map[int]bool, len(ports))
	for _, p := range ports {
		switch {
		case p < 1 || p > 65535:
			return fmt.Errorf("invalid redirect port %d", p)
		case p == proxyPort:
			return fmt.Errorf("redirect port %d is the proxy port", p)
		case seen[p]:
			return fmt.Errorf("duplicate redirect port %d", p)
		}
		seen[p] = true
	}
	return nil
}

func redirectLogger(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}

// UnsupportedRedirector is the TransparentRedirector for platforms without
// a backend.
type UnsupportedRedirector struct{}

func (UnsupportedRedirector) GenerateRules(int, []int) (RuleSet, error) {
	return RuleSet{}, ErrRedirectUnsupported
}

func (UnsupportedRedirector) Load(context.Context, RuleSet) error      { return ErrRedirectUnsupported }
func (UnsupportedRedirector) Enable(context.Context, int, []int) error { return ErrRedirectUnsupported }
func (UnsupportedRedirector) Disable(context.Context) error            { return ErrRedirectUnsupported }
func (UnsupportedRedirector) Flush(context.Context) error              { return ErrRedirectUnsupported }
func (UnsupportedRedirector) Status(context.Context) (string, error)   { return "", ErrRedirectUnsupported }
