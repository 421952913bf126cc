package sentinel

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// SignatureStore answers whether a signature was persisted by an earlier
// run. SQLStore and PostgresStore implement it.
type SignatureStore interface {
	HasSignature(ctx context.Context, signature string) (bool, error)
}

// Deduplicator is the signature set shared by every plugin. A signature is
// emitted at most once for the lifetime of the set.
type Deduplicator struct {
	// Store is consulted once per signature not yet in memory. Lookup errors
	// are logged and the finding is treated as new.
	Store  SignatureStore
	Logger *slog.Logger

	seen sync.Map
	n    atomic.Int64
}

// NewDeduplicator creates a Deduplicator backed by store, which may be nil.
func NewDeduplicator(store SignatureStore) *Deduplicator {
	return &Deduplicator{Store: store}
}

// Seen inserts signature if absent. It returns true when signature was
// already present, in which case the finding must be discarded.
func (d *Deduplicator) Seen(ctx context.Context, signature string) bool {
	if _, ok := d.seen.Load(signature); ok {
		return true
	}

	persisted := false
	if d.Store != nil {
		ok, err := d.Store.HasSignature(ctx, signature)
		if err != nil {
			d.logger().Warn("signature lookup failed", "signature", signature, "error", err)
		}
		persisted = ok
	}

	if _, loaded := d.seen.LoadOrStore(signature, struct{}{}); loaded {
		return true
	}
	d.n.Add(1)
	return persisted
}

// Len returns the number of signatures held in memory.
func (d *Deduplicator) Len() int {
	return int(d.n.Load())
}

// Reset forgets every signature held in memory.
func (d *Deduplicator) Reset() {
	d.seen.Range(func(k, _ any) bool {
		d.seen.Delete(k)
		return true
	})
	d.n.Store(0)
}

func (d *Deduplicator) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
