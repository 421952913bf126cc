package sentinel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Pipeline defaults.
const (
	DefaultPluginTimeout = 10 * time.Second
	DefaultQueueSize     = 1024
)

var (
	// ErrDuplicatePlugin is returned when registering a taken plugin ID.
	ErrDuplicatePlugin = errors.New("plugin already registered")
	// ErrUnknownPlugin is returned for an ID that is not registered.
	ErrUnknownPlugin = errors.New("unknown plugin")
)

// Scanner inspects one completed transaction and reports raw findings.
// Implementations must not modify tx.
type Scanner interface {
	Scan(ctx context.Context, tx *HTTPTransaction) ([]RawFinding, error)
}

// ScannerFunc adapts a function to the Scanner interface.
type ScannerFunc func(ctx context.Context, tx *HTTPTransaction) ([]RawFinding, error)

// Scan calls f(ctx, tx).
func (f ScannerFunc) Scan(ctx context.Context, tx *HTTPTransaction) ([]RawFinding, error) {
	return f(ctx, tx)
}

// PluginMeta describes a plugin.
type PluginMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
}

// PluginInfo is a registered plugin as reported by Registry.List.
type PluginInfo struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
	PluginMeta
}

type pluginEntry struct {
	id      string
	scanner Scanner
	meta    PluginMeta
	enabled atomic.Bool
}

// Registry holds the analysis plugins in registration order. Plugins are
// enabled when registered.
type Registry struct {
	mu      sync.RWMutex
	order   []*pluginEntry
	entries map[string]*pluginEntry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*pluginEntry)}
}

// Register adds scanner under id.
func (r *Registry) Register(id string, scanner Scanner, meta PluginMeta) error {
	if id == "" || scanner == nil {
		return fmt.Errorf("register plugin %q: id and scanner are required", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return fmt.Errorf("register plugin %q: %w", id, ErrDuplicatePlugin)
	}
	if meta.Name == "" {
		meta.Name = id
	}
	e := &pluginEntry{id: id, scanner: scanner, meta: meta}
	e.enabled.Store(true)
	r.entries[id] = e
	r.order = append(r.order, e)
	return nil
}

// Unregister removes the plugin registered under id.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("unregister plugin %q: %w", id, ErrUnknownPlugin)
	}
	delete(r.entries, id)
	for i, o := range r.order {
		if o == e {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// SetEnabled turns a plugin on or off. It takes effect for the next
// transaction scanned.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("set plugin %q enabled: %w", id, ErrUnknownPlugin)
	}
	e.enabled.Store(enabled)
	return nil
}

// List returns every plugin in registration order.
func (r *Registry) List() []PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PluginInfo, 0, len(r.order))
	for _, e := range r.order {
		out = append(out, PluginInfo{ID: e.id, Enabled: e.enabled.Load(), PluginMeta: e.meta})
	}
	return out
}

func (r *Registry) enabled() []*pluginEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*pluginEntry, 0, len(r.order))
	for _, e := range r.order {
		if e.enabled.Load() {
			out = append(out, e)
		}
	}
	return out
}

// Pipeline runs every enabled plugin over completed transactions,
// normalizes and deduplicates what they report, and hands unique findings
// to Sink.
//
// A plugin that errors, panics or exceeds PluginTimeout is logged and
// skipped; the other plugins' findings for the same transaction are
// unaffected.
type Pipeline struct {
	Registry *Registry
	Dedup    *Deduplicator
	// Sink receives unique findings (optional).
	Sink Sink

	PluginTimeout time.Duration
	Workers       int
	QueueSize     int

	Metrics *Metrics
	Logger  *slog.Logger

	dedupOnce sync.Once

	mu      sync.RWMutex
	queue   chan *HTTPTransaction
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
	scanned atomic.Int64
}

// NewPipeline creates a Pipeline over registry with an empty in-memory
// signature set.
func NewPipeline(registry *Registry, sink Sink) *Pipeline {
	return &Pipeline{
		Registry:      registry,
		Dedup:         NewDeduplicator(nil),
		Sink:          sink,
		PluginTimeout: DefaultPluginTimeout,
	}
}

type pluginResult struct {
	raw     []RawFinding
	err     error
	panicV  any
	outcome string
}

// Scan runs every enabled plugin on tx concurrently and returns the unique
// findings, ordered by plugin registration order. CONNECT transactions are
// not scanned.
func (p *Pipeline) Scan(ctx context.Context, tx *HTTPTransaction) []Finding {
	if tx == nil || tx.Request == nil || tx.Request.Method == http.MethodConnect || p.Registry == nil {
		return nil
	}
	p.scanned.Add(1)

	plugins := p.Registry.enabled()
	results := make([]pluginResult, len(plugins))

	var wg sync.WaitGroup
	for i, e := range plugins {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			results[i] = p.runPlugin(ctx, e, tx)
			if p.Metrics != nil {
				p.Metrics.RecordPluginRun(e.id, results[i].outcome, time.Since(start))
			}
		}()
	}
	wg.Wait()

	var out []Finding
	for i, e := range plugins {
		res := results[i]
		switch res.outcome {
		case "error":
			p.logger().Warn("plugin failed", "plugin", e.id, "request_id", tx.Request.ID, "error", res.err)
			continue
		case "panic":
			p.logger().Error("plugin panicked", "plugin", e.id, "request_id", tx.Request.ID, "panic", res.panicV)
			continue
		case "timeout":
			p.logger().Warn("plugin timed out", "plugin", e.id, "request_id", tx.Request.ID, "timeout", p.timeout())
			continue
		}

		for _, raw := range res.raw {
			f := Normalize(e.id, tx, raw)
			if p.dedup().Seen(ctx, f.Signature()) {
				if p.Metrics != nil {
					p.Metrics.RecordDuplicate()
				}
				continue
			}
			if p.Metrics != nil {
				p.Metrics.RecordFinding(e.id, f.Severity)
			}
			if p.Sink != nil {
				if err := p.Sink.Persist(ctx, f); err != nil {
					p.logger().Error("persist finding", "finding_id", f.ID, "plugin", e.id, "error", err)
				}
			}
			out = append(out, f)
		}
	}
	return out
}

// runPlugin calls one plugin under its own deadline. A plugin that ignores
// its context is abandoned when the deadline passes.
func (p *Pipeline) runPlugin(ctx context.Context, e *pluginEntry, tx *HTTPTransaction) pluginResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	done := make(chan pluginResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- pluginResult{panicV: r, outcome: "panic"}
			}
		}()
		raw, err := e.scanner.Scan(ctx, tx)
		if err != nil {
			outcome := "error"
			if errors.Is(err, context.DeadlineExceeded) {
				outcome = "timeout"
			}
			done <- pluginResult{err: err, outcome: outcome}
			return
		}
		done <- pluginResult{raw: raw, outcome: "ok"}
	}()

	select {
	case res := <-done:
		if res.outcome == "ok" && ctx.Err() != nil {
			return pluginResult{err: ctx.Err(), outcome: "timeout"}
		}
		return res
	case <-ctx.Done():
		return pluginResult{err: ctx.Err(), outcome: "timeout"}
	}
}

// Start launches the worker pool that serves Submit. Workers keep ctx's
// values but not its cancellation, so Close still drains the queue after
// ctx is done. They exit when Close is called.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queue != nil || p.closed {
		return
	}

	workers := p.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	size := p.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	p.queue = make(chan *HTTPTransaction, size)
	ctx = context.WithoutCancel(ctx)

	for range workers {
		p.wg.Add(1)
		go p.worker(ctx, p.queue)
	}
	p.logger().Debug("pipeline started", "workers", workers, "queue_size", size)
}

func (p *Pipeline) worker(ctx context.Context, queue <-chan *HTTPTransaction) {
	defer p.wg.Done()
	for tx := range queue {
		p.Scan(ctx, tx)
	}
}

// Submit queues tx for asynchronous scanning. It never blocks: when the
// pipeline is not running or its queue is full, tx is counted as dropped
// and false is returned.
func (p *Pipeline) Submit(tx *HTTPTransaction) bool {
	if tx == nil || tx.Request == nil || tx.Request.Method == http.MethodConnect {
		return false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed || p.queue == nil {
		p.drop(tx, "pipeline not running")
		return false
	}
	select {
	case p.queue <- tx:
		return true
	default:
		p.drop(tx, "scan queue full")
		return false
	}
}

func (p *Pipeline) drop(tx *HTTPTransaction, reason string) {
	p.dropped.Add(1)
	if p.Metrics != nil {
		p.Metrics.RecordPipelineDrop()
	}
	p.logger().Debug("transaction not scanned", "request_id", tx.Request.ID, "reason", reason)
}

// Dropped returns the number of transactions Submit refused.
func (p *Pipeline) Dropped() int64 {
	return p.dropped.Load()
}

// Scanned returns the number of transactions scanned.
func (p *Pipeline) Scanned() int64 {
	return p.scanned.Load()
}

// Close stops accepting transactions and waits for queued ones to be
// scanned. It is safe to call more than once.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.queue != nil {
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pipeline) timeout() time.Duration {
	if p.PluginTimeout > 0 {
		return p.PluginTimeout
	}
	return DefaultPluginTimeout
}

func (p *Pipeline) dedup() *Deduplicator {
	p.dedupOnce.Do(func() {
		if p.Dedup == nil {
			p.Dedup = NewDeduplicator(nil)
		}
	})
	return p.Dedup
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
