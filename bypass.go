package sentinel

import (
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultFailedConnectionHistory bounds the number of FailedConnection
// records kept by a Bypass.
const DefaultFailedConnectionHistory = 256

// FailedConnection records a client TLS handshake that could not be
// intercepted, usually because the client pins certificates or does not
// trust the CA.
type FailedConnection struct {
	ID        string    `json:"id"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Bypass tracks hosts whose TLS interception keeps failing. Once a host
// reaches Threshold failures, later CONNECTs to it are tunneled without
// interception.
//
// A Threshold of zero disables bypassing: failures are still recorded but
// every connection keeps failing closed.
//
// Usage:
//
//	b := sentinel.NewBypass(3)
//	proxy.Bypass = b
type Bypass struct {
	// Threshold is the number of handshake failures after which a host is
	// tunneled. Zero disables bypassing.
	Threshold int

	// History is the number of FailedConnection records kept. Defaults to
	// [DefaultFailedConnectionHistory].
	History int

	// Logger for bypass events. If nil, bypass is silent.
	Logger *slog.Logger

	mu       sync.RWMutex
	counts   map[string]int
	bypassed map[string]bool
	failures []FailedConnection
}

// NewBypass creates a [Bypass] with the given threshold.
func NewBypass(threshold int) *Bypass {
	return &Bypass{
		Threshold: threshold,
		History:   DefaultFailedConnectionHistory,
		counts:    make(map[string]int),
		bypassed:  make(map[string]bool),
	}
}

// RecordFailure notes one failed handshake for authority ("host:port") and
// returns the FailedConnection record. It reports whether the host has just
// crossed the threshold.
// RecordFailure is safe for concurrent use.
func (b *Bypass) RecordFailure(authority string, cause error) (FailedConnection, bool) {
	host, port := splitAuthority(authority)
	fc := FailedConnection{
		ID:        uuid.NewString(),
		Host:      host,
		Port:      port,
		Timestamp: time.Now(),
	}
	if cause != nil {
		fc.Error = cause.Error()
	}

	b.mu.Lock()
	if b.counts == nil {
		b.counts = make(map[string]int)
		b.bypassed = make(map[string]bool)
	}
	b.counts[host]++
	n := b.counts[host]

	limit := b.History
	if limit <= 0 {
		limit = DefaultFailedConnectionHistory
	}
	b.failures = append(b.failures, fc)
	if over := len(b.failures) - limit; over > 0 {
		b.failures = append(b.failures[:0:0], b.failures[over:]...)
	}

	crossed := false
	if b.Threshold > 0 && n >= b.Threshold && !b.bypassed[host] {
		b.bypassed[host] = true
		crossed = true
	}
	b.mu.Unlock()

	if b.Logger != nil {
		if crossed {
			b.Logger.Warn("interception disabled for host, future CONNECTs will be tunneled",
				"host", host,
				"failures", n,
			)
		} else {
			b.Logger.Warn("TLS interception failure",
				"host", host,
				"failures", n,
				"threshold", b.Threshold,
			)
		}
	}
	return fc, crossed
}

// ShouldBypass reports whether CONNECTs to host should be tunneled.
// host may carry a port. A nil Bypass never bypasses.
func (b *Bypass) ShouldBypass(host string) bool {
	if b == nil || b.Threshold <= 0 {
		return false
	}
	h, _ := splitAuthority(host)
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bypassed[h]
}

// Hosts returns the bypassed hosts in sorted order.
func (b *Bypass) Hosts() []string {
	b.mu.RLock()
	out := make([]string, 0, len(b.bypassed))
	for h := range b.bypassed {
		out = append(out, h)
	}
	b.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Failures returns the recorded failed connections, oldest first.
func (b *Bypass) Failures() []FailedConnection {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]FailedConnection(nil), b.failures...)
}

// Reset forgets a host's failures and re-enables interception for it.
func (b *Bypass) Reset(host string) {
	h, _ := splitAuthority(host)
	b.mu.Lock()
	delete(b.counts, h)
	delete(b.bypassed, h)
	b.mu.Unlock()
}

// ResetAll forgets every host.
func (b *Bypass) ResetAll() {
	b.mu.Lock()
	b.counts = make(map[string]int)
	b.bypassed = make(map[string]bool)
	b.failures = nil
	b.mu.Unlock()
}

// splitAuthority splits "host:port", defaulting the port to 443.
func splitAuthority(authority string) (string, int) {
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		return hostFromAuthority(authority), 443
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = 443
	}
	return host, port
}
