package sentinel

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleFinding(title string) Finding {
	f := Normalize("security-headers", nil, RawFinding{
		Title:    title,
		VulnType: "missing_hsts",
		URL:      "https://a.example/",
		Severity: "medium",
		CWE:      "CWE-319",
	})
	f.RequestHeaders = http.Header{"Accept": {"text/html"}}
	f.ResponseStatus = 200
	return f
}

func TestSQLStore(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLStore(filepath.Join(t.TempDir(), "findings.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Ping(ctx))

	f := sampleFinding("Missing HSTS")
	ok, err := store.HasSignature(ctx, f.Signature())
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Persist(ctx, f))
	ok, err = store.HasSignature(ctx, f.Signature())
	require.NoError(t, err)
	assert.True(t, ok)

	dup := sampleFinding("Missing HSTS")
	require.NoError(t, store.Persist(ctx, dup), "duplicate signature is ignored")

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, store.Persist(ctx, sampleFinding("Missing CSP")))

	list, err := store.Findings(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Missing CSP", list[0].Title, "newest first")
	assert.Equal(t, f.ID, list[1].ID)
	assert.Equal(t, SeverityMedium, list[1].Severity)
	assert.Equal(t, "CWE-319", list[1].CWE)
	assert.Equal(t, []string{"text/html"}, list[1].RequestHeaders["Accept"])

	limited, err := store.Findings(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLStore_DedupAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "findings.db")

	first, err := OpenSQLStore(path, nil)
	require.NoError(t, err)
	f := sampleFinding("Missing HSTS")
	require.NoError(t, first.Persist(ctx, f))
	require.NoError(t, first.Close())

	second, err := OpenSQLStore(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { second.Close() })

	d := NewDeduplicator(second)
	other := sampleFinding("Other")
	assert.True(t, d.Seen(ctx, f.Signature()))
	assert.False(t, d.Seen(ctx, other.Signature()))
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	s, err := OpenStore(ctx, "none", "", nil)
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = OpenStore(ctx, "sqlite", ":memory:", nil)
	require.NoError(t, err)
	require.NotNil(t, s)
	require.NoError(t, s.Persist(ctx, sampleFinding("x")))
	require.NoError(t, s.Close())

	_, err = OpenStore(ctx, "mongo", "", nil)
	assert.ErrorIs(t, err, ErrUnknownStoreDriver)
}

func TestAsyncSink(t *testing.T) {
	var mu sync.Mutex
	var got []string
	sink := NewAsyncSink(SinkFunc(func(_ context.Context, f Finding) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, f.Title)
		return nil
	}), 16)

	for _, title := range []string{"a", "b", "c"} {
		require.NoError(t, sink.Persist(context.Background(), sampleFinding(title)))
	}
	require.NoError(t, sink.Close())

	mu.Lock()
	assert.Equal(t, []string{"a", "b", "c"}, got, "close drains the buffer")
	mu.Unlock()

	assert.ErrorIs(t, sink.Persist(context.Background(), sampleFinding("late")), ErrSinkClosed)
	require.NoError(t, sink.Close())
}

func TestAsyncSink_FullBufferDrops(t *testing.T) {
	release := make(chan struct{})
	sink := NewAsyncSink(SinkFunc(func(context.Context, Finding) error {
		<-release
		return errors.New("ignored")
	}), 1)
	sink.Metrics = NewMetrics()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 10 {
			_ = sink.Persist(context.Background(), sampleFinding("x"))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Persist blocked on a full buffer")
	}
	assert.GreaterOrEqual(t, sink.Dropped(), int64(8))

	close(release)
	require.NoError(t, sink.Close())
}
