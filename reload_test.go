package sentinel

import (
	"context"
	"errors"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func waitCalls(t *testing.T, n *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for n.Load() < want {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestWatchSIGHUP_Reload(t *testing.T) {
	loader := &StaticRuleLoader{Rules: []EditRule{{ID: "old"}}}
	engine := NewRuleEngine(loader)
	if err := engine.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	loader.Rules = []EditRule{{ID: "new-a"}, {ID: "new-b"}}

	var called atomic.Int32
	reload := ReloadRules(engine, nil)
	reloader := WatchSIGHUP(func(ctx context.Context) error {
		defer called.Add(1)
		return reload(ctx)
	}, discardLogger())

	_ = syscall.Kill(syscall.Getpid(), syscall.SIGHUP)
	waitCalls(t, &called, 1)
	reloader.Cancel()

	if got := engine.Count(); got != 2 {
		t.Errorf("want 2 rules after reload, got %d", got)
	}
}

func TestWatchSIGHUP_ReloadError(t *testing.T) {
	var called atomic.Int32
	reloader := WatchSIGHUP(func(context.Context) error {
		called.Add(1)
		return errors.New("rules file unreadable")
	}, discardLogger())

	_ = syscall.Kill(syscall.Getpid(), syscall.SIGHUP)
	waitCalls(t, &called, 1)

	// the watcher keeps running after a failed reload
	_ = syscall.Kill(syscall.Getpid(), syscall.SIGHUP)
	waitCalls(t, &called, 2)
	reloader.Cancel()
}

func TestWatchSIGHUP_Cancel(t *testing.T) {
	reloader := WatchSIGHUP(func(context.Context) error { return nil }, discardLogger())

	done := make(chan struct{})
	go func() {
		reloader.Cancel()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel did not return")
	}
}

func TestReloadRules_Metrics(t *testing.T) {
	m := NewMetrics()
	loader := &StaticRuleLoader{Rules: []EditRule{{ID: "a"}}}
	reload := ReloadRules(NewRuleEngine(loader), m)

	if err := reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	loader.Rules = []EditRule{{ID: "a"}, {ID: "a"}}
	if err := reload(context.Background()); err == nil {
		t.Fatal("expected duplicate id error")
	}

	if got := testutil.ToFloat64(m.ruleReloads); got != 1 {
		t.Errorf("ruleReloads = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ruleReloadErrors); got != 1 {
		t.Errorf("ruleReloadErrors = %v, want 1", got)
	}
}
