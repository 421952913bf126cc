package sentinel

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// SIGHUPReloader watches for SIGHUP signals and runs a reload.
// Call Cancel to stop watching.
type SIGHUPReloader struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the SIGHUP watcher.
func (r *SIGHUPReloader) Cancel() {
	r.cancel()
	<-r.done
}

// ReloadFunc is called on each SIGHUP. A failed reload must leave the
// previous state active.
type ReloadFunc func(ctx context.Context) error

// ReloadRules returns a ReloadFunc that reloads the edit rules of engine
// and records the outcome in m (which may be nil).
func ReloadRules(engine *RuleEngine, m *Metrics) ReloadFunc {
	return func(ctx context.Context) error {
		err := engine.Load(ctx)
		if m != nil {
			if err != nil {
				m.RecordRuleReloadError()
			} else {
				m.RecordRuleReload()
			}
		}
		return err
	}
}

// WatchSIGHUP starts a goroutine that listens for SIGHUP signals and calls
// reload for each one. The returned SIGHUPReloader can be used to stop
// watching.
func WatchSIGHUP(reload ReloadFunc, logger *slog.Logger) *SIGHUPReloader {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer close(done)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				logger.Info("received SIGHUP, reloading...")
				if err := reload(ctx); err != nil {
					logger.Error("reload failed", "error", err)
					continue
				}
				logger.Info("reload successful")
			}
		}
	}()

	return &SIGHUPReloader{cancel: cancel, done: done}
}
