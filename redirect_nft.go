package sentinel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// DefaultNFTTable is the nftables table sentinel manages, in family ip.
const DefaultNFTTable = "sentinel_proxy"

// NFTRedirector redirects with nftables (Linux). It owns one table and
// never modifies tables it did not create.
type NFTRedirector struct {
	Table string
	// ProxyUID's locally generated traffic is not redirected. Negative
	// disables the exclusion.
	ProxyUID int
	Runner   CommandRunner
	Logger   *slog.Logger
}

// NewNFTRedirector creates an NFTRedirector for the default table.
func NewNFTRedirector(opts RedirectOptions) *NFTRedirector {
	return &NFTRedirector{
		Table:    DefaultNFTTable,
		ProxyUID: opts.ProxyUID,
		Runner:   opts.Runner,
		Logger:   opts.Logger,
	}
}

func (r *NFTRedirector) table() string {
	if r.Table != "" {
		return r.Table
	}
	return DefaultNFTTable
}

func (r *NFTRedirector) runner() CommandRunner {
	if r.Runner != nil {
		return r.Runner
	}
	return execRunner{}
}

// GenerateRules renders the table with a prerouting chain for forwarded
// traffic and an output chain for local traffic.
func (r *NFTRedirector) GenerateRules(proxyPort int, redirectPorts []int) (RuleSet, error) {
	if err := validateRedirectPorts(proxyPort, redirectPorts); err != nil {
		return RuleSet{}, fmt.Errorf("generate nft rules: %w", err)
	}
	ports := make([]string, len(redirectPorts))
	for i, p := range redirectPorts {
		ports[i] = strconv.Itoa(p)
	}
	set := "{ " + strings.Join(ports, ", ") + " }"

	var b strings.Builder
	fmt.Fprintf(&b, "table ip %s {\n", r.table())
	b.WriteString("\tchain prerouting {\n")
	b.WriteString("\t\ttype nat hook prerouting priority dstnat; policy accept;\n")
	fmt.Fprintf(&b, "\t\ttcp dport %s redirect to :%d\n", set, proxyPort)
	b.WriteString("\t}\n")
	b.WriteString("\tchain output {\n")
	b.WriteString("\t\ttype nat hook output priority -100; policy accept;\n")
	if r.ProxyUID >= 0 {
		fmt.Fprintf(&b, "\t\tmeta skuid %d return\n", r.ProxyUID)
	}
	fmt.Fprintf(&b, "\t\tip daddr != 127.0.0.0/8 tcp dport %s redirect to :%d\n", set, proxyPort)
	b.WriteString("\t}\n")
	b.WriteString("}\n")
	return RuleSet{Anchor: "ip " + r.table(), Text: b.String()}, nil
}

// Load replaces the table with rs in one nft transaction.
func (r *NFTRedirector) Load(ctx context.Context, rs RuleSet) error {
	// Declaring then deleting the table makes the replace work whether or
	// not it exists; nft -f applies the whole script atomically.
	script := fmt.Sprintf("table ip %s {}\ndelete table ip %s\n%s", r.table(), r.table(), rs.Text)
	_, _, err := runCommand(ctx, r.runner(), "load", []byte(script), "nft", "-f", "-")
	return err
}

// Enable loads the table and checks that it is installed. If the check
// fails the table is removed again.
func (r *NFTRedirector) Enable(ctx context.Context, proxyPort int, redirectPorts []int) error {
	rs, err := r.GenerateRules(proxyPort, redirectPorts)
	if err != nil {
		return err
	}
	if err := r.Load(ctx, rs); err != nil {
		return err
	}

	status, err := r.Status(ctx)
	if err == nil && status == "" {
		err = &RedirectError{Op: "verify", Command: "nft list table ip " + r.table(), Err: errors.New("table missing after load")}
	}
	if err != nil {
		if ferr := r.Flush(ctx); ferr != nil {
			redirectLogger(r.Logger).Error("rollback nft table", "table", r.table(), "error", ferr)
		}
		return err
	}

	redirectLogger(r.Logger).Info("nft redirection enabled", "table", r.table(), "proxy_port", proxyPort, "ports", redirectPorts)
	return nil
}

// Disable removes the table.
func (r *NFTRedirector) Disable(ctx context.Context) error {
	if err := r.Flush(ctx); err != nil {
		return err
	}
	redirectLogger(r.Logger).Info("nft redirection disabled", "table", r.table())
	return nil
}

// Flush deletes the managed table. A missing table is not an error.
func (r *NFTRedirector) Flush(ctx context.Context) error {
	_, stderr, err := runCommand(ctx, r.runner(), "flush", nil, "nft", "delete", "table", "ip", r.table())
	if err != nil && nftTableMissing(stderr) {
		return nil
	}
	return err
}

// Status lists the managed table, or returns "" when it is not installed.
func (r *NFTRedirector) Status(ctx context.Context) (string, error) {
	out, stderr, err := runCommand(ctx, r.runner(), "status", nil, "nft", "list", "table", "ip", r.table())
	if err != nil {
		if nftTableMissing(stderr) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func nftTableMissing(stderr string) bool {
	return strings.Contains(stderr, "No such file or directory") || strings.Contains(stderr, "does not exist")
}
