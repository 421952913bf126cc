package sentinel

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestChainInterceptors_MergesEdits(t *testing.T) {
	var sawURL string
	first := InterceptorFuncs{Request: func(context.Context, *RequestContext) Decision {
		return Decision{Request: &RequestEdit{URL: strPtr("https://b/"), Method: strPtr("POST")}}
	}}
	second := InterceptorFuncs{Request: func(_ context.Context, req *RequestContext) Decision {
		sawURL = req.URL
		return Decision{Request: &RequestEdit{Method: strPtr("PUT")}}
	}}

	rc := &RequestContext{Method: "GET", URL: "https://a/"}
	d := ChainInterceptors(first, nil, second).InterceptRequest(context.Background(), rc)

	assert.Equal(t, "https://b/", sawURL, "later interceptors see earlier edits")
	require.NotNil(t, d.Request)
	assert.Equal(t, "https://b/", *d.Request.URL)
	assert.Equal(t, "PUT", *d.Request.Method, "later interceptor wins")
	assert.Equal(t, "https://a/", rc.URL, "context is not modified")
}

func TestChainInterceptors_DropStops(t *testing.T) {
	called := false
	drop := InterceptorFuncs{Response: func(context.Context, *RequestContext, *ResponseContext) Decision {
		return Decision{Action: Drop}
	}}
	after := InterceptorFuncs{Response: func(context.Context, *RequestContext, *ResponseContext) Decision {
		called = true
		return Decision{}
	}}

	d := ChainInterceptors(drop, after).InterceptResponse(context.Background(), &RequestContext{}, &ResponseContext{Status: 200})
	assert.Equal(t, Drop, d.Action)
	assert.False(t, called)
	assert.Equal(t, "drop", d.Action.String())
}

func TestChainInterceptors_NoEdit(t *testing.T) {
	d := ChainInterceptors(InterceptorFuncs{}).InterceptRequest(context.Background(), &RequestContext{})
	assert.Equal(t, Forward, d.Action)
	assert.Nil(t, d.Request)
}

func TestInterceptQueue_DisabledPassesThrough(t *testing.T) {
	q := NewInterceptQueue()
	d := q.InterceptRequest(context.Background(), &RequestContext{URL: "https://a/"})
	assert.Equal(t, Decision{}, d)
	assert.Empty(t, q.Pending())
}

func waitPending(t *testing.T, q *InterceptQueue) PendingIntercept {
	t.Helper()
	var pending []PendingIntercept
	require.Eventually(t, func() bool {
		pending = q.Pending()
		return len(pending) == 1
	}, 2*time.Second, 5*time.Millisecond)
	return pending[0]
}

func TestInterceptQueue_Resolve(t *testing.T) {
	q := NewInterceptQueue()
	q.Logger = discardLogger()
	q.SetEnabled(true)

	done := make(chan Decision, 1)
	go func() {
		done <- q.InterceptRequest(context.Background(), &RequestContext{URL: "https://a/"})
	}()

	p := waitPending(t, q)
	assert.Equal(t, StageRequest, p.Stage)
	assert.Equal(t, "https://a/", p.Request.URL)

	status := 500
	require.NoError(t, q.Resolve(p.ID, Decision{
		Request:  &RequestEdit{Headers: http.Header{"X": {"1"}}},
		Response: &ResponseEdit{Status: &status},
	}))

	d := <-done
	require.NotNil(t, d.Request)
	assert.Nil(t, d.Response, "request stage ignores response edits")
	assert.ErrorIs(t, q.Resolve(p.ID, Decision{}), ErrUnknownIntercept)
}

func TestInterceptQueue_PendingIsSnapshot(t *testing.T) {
	q := NewInterceptQueue()
	q.Logger = discardLogger()
	q.SetEnabled(true)

	rc := &RequestContext{Method: "GET", URL: "https://a/", Headers: http.Header{"A": {"1"}}}
	done := make(chan Decision, 1)
	go func() { done <- q.InterceptRequest(context.Background(), rc) }()

	p := waitPending(t, q)
	require.NotSame(t, rc, p.Request)

	method := "POST"
	require.NoError(t, q.Resolve(p.ID, Decision{Request: &RequestEdit{Method: &method}}))
	d := <-done
	require.NoError(t, rc.ApplyEdit(d.Request))
	rc.Headers.Set("A", "2")

	assert.False(t, p.Request.WasEdited)
	assert.Equal(t, "GET", p.Request.EffectiveMethod())
	assert.Equal(t, "1", p.Request.Headers.Get("A"))
}

func TestInterceptQueue_TimeoutForwardsUnmodified(t *testing.T) {
	q := NewInterceptQueue()
	q.Logger = discardLogger()
	q.ResponseTimeout = 20 * time.Millisecond
	q.SetEnabled(true)

	start := time.Now()
	d := q.InterceptResponse(context.Background(), &RequestContext{URL: "https://a/"}, &ResponseContext{Status: 200})
	assert.Equal(t, Decision{}, d)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Empty(t, q.Pending())
}

func TestInterceptQueue_ContextCancel(t *testing.T) {
	q := NewInterceptQueue()
	q.Logger = discardLogger()
	q.SetEnabled(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Decision, 1)
	go func() { done <- q.InterceptRequest(ctx, &RequestContext{URL: "https://a/"}) }()

	waitPending(t, q)
	cancel()

	select {
	case d := <-done:
		assert.Equal(t, Decision{}, d)
	case <-time.After(2 * time.Second):
		t.Fatal("intercept did not return after cancel")
	}
	assert.Empty(t, q.Pending())
}

func TestInterceptQueue_DisableReleasesPending(t *testing.T) {
	q := NewInterceptQueue()
	q.Logger = discardLogger()
	q.SetEnabled(true)

	done := make(chan Decision, 1)
	go func() { done <- q.InterceptRequest(context.Background(), &RequestContext{URL: "https://a/"}) }()
	waitPending(t, q)

	q.SetEnabled(false)
	select {
	case d := <-done:
		assert.Equal(t, Forward, d.Action)
	case <-time.After(2 * time.Second):
		t.Fatal("disable did not release pending message")
	}
	assert.False(t, q.Enabled())
}

func TestDropResponses(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://a/", nil)

	r := dropRequestResponse(req)
	assert.Equal(t, 444, r.StatusCode)
	assert.True(t, r.Close)

	r = dropResponseResponse(req)
	assert.Equal(t, http.StatusNoContent, r.StatusCode)
	assert.False(t, r.Close)
}
