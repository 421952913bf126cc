package sentinel

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownIntercept is returned when resolving an intercept that is not
// pending, either because it never existed or because it timed out.
var ErrUnknownIntercept = errors.New("no pending intercept with that id")

// Default review windows for manual interception. A message that is not
// resolved in time is forwarded unmodified.
const (
	DefaultRequestInterceptTimeout  = 300 * time.Second
	DefaultResponseInterceptTimeout = 30 * time.Second
)

// Action is what happens to an intercepted message.
type Action int

const (
	// Forward sends the message on, with any edit applied.
	Forward Action = iota
	// Drop discards the message. A dropped request is answered with 444
	// and the connection closed; a dropped response is replaced by 204.
	Drop
)

// String returns the action name.
func (a Action) String() string {
	if a == Drop {
		return "drop"
	}
	return "forward"
}

// Decision is an interceptor's verdict for one message.
type Decision struct {
	Action   Action
	Request  *RequestEdit
	Response *ResponseEdit
}

// Interceptor inspects messages between capture and forwarding and may
// edit or drop them. Interceptors must not modify the contexts they are
// given; edits are returned in the Decision and applied by the proxy.
type Interceptor interface {
	InterceptRequest(ctx context.Context, req *RequestContext) Decision
	InterceptResponse(ctx context.Context, req *RequestContext, resp *ResponseContext) Decision
}

// InterceptorFuncs adapts plain functions to Interceptor. A nil function
// forwards unmodified.
type InterceptorFuncs struct {
	Request  func(ctx context.Context, req *RequestContext) Decision
	Response func(ctx context.Context, req *RequestContext, resp *ResponseContext) Decision
}

func (f InterceptorFuncs) InterceptRequest(ctx context.Context, req *RequestContext) Decision {
	if f.Request == nil {
		return Decision{}
	}
	return f.Request(ctx, req)
}

func (f InterceptorFuncs) InterceptResponse(ctx context.Context, req *RequestContext, resp *ResponseContext) Decision {
	if f.Response == nil {
		return Decision{}
	}
	return f.Response(ctx, req, resp)
}

type interceptorChain []Interceptor

// ChainInterceptors runs interceptors in order. Each one sees the effective
// values produced by those before it. Edits are merged field by field with
// later interceptors winning, and the first Drop ends the chain.
func ChainInterceptors(interceptors ...Interceptor) Interceptor {
	var chain interceptorChain
	for _, ic := range interceptors {
		if ic != nil {
			chain = append(chain, ic)
		}
	}
	return chain
}

func (c interceptorChain) InterceptRequest(ctx context.Context, req *RequestContext) Decision {
	merged := &RequestEdit{}
	view := req
	for _, ic := range c {
		d := ic.InterceptRequest(ctx, view)
		if d.Action == Drop {
			return Decision{Action: Drop}
		}
		if d.Request.IsZero() {
			continue
		}
		mergeRequestEdit(merged, d.Request)
		view = previewRequest(req, merged)
	}
	if merged.IsZero() {
		return Decision{}
	}
	return Decision{Request: merged}
}

func (c interceptorChain) InterceptResponse(ctx context.Context, req *RequestContext, resp *ResponseContext) Decision {
	merged := &ResponseEdit{}
	view := resp
	for _, ic := range c {
		d := ic.InterceptResponse(ctx, req, view)
		if d.Action == Drop {
			return Decision{Action: Drop}
		}
		if d.Response.IsZero() {
			continue
		}
		mergeResponseEdit(merged, d.Response)
		view = previewResponse(resp, merged)
	}
	if merged.IsZero() {
		return Decision{}
	}
	return Decision{Response: merged}
}

func mergeRequestEdit(dst, src *RequestEdit) {
	if src.Method != nil {
		dst.Method = src.Method
	}
	if src.URL != nil {
		dst.URL = src.URL
	}
	if src.Headers != nil {
		dst.Headers = src.Headers
	}
	if src.Body != nil {
		dst.Body = src.Body
	}
}

func mergeResponseEdit(dst, src *ResponseEdit) {
	if src.Status != nil {
		dst.Status = src.Status
	}
	if src.Headers != nil {
		dst.Headers = src.Headers
	}
	if src.Body != nil {
		dst.Body = src.Body
	}
}

// previewRequest returns a copy of req whose plain fields hold the values
// req would have after edit, with no overlay.
func previewRequest(req *RequestContext, edit *RequestEdit) *RequestContext {
	p := *req
	p.WasEdited, p.EditedMethod, p.EditedURL, p.EditedHeaders, p.EditedBody = false, nil, nil, nil, nil
	if edit.Method != nil {
		p.Method = *edit.Method
	}
	if edit.URL != nil {
		p.URL = *edit.URL
	}
	if edit.Headers != nil {
		p.Headers = edit.Headers
	}
	if edit.Body != nil {
		p.Body = edit.Body
	}
	return &p
}

func previewResponse(resp *ResponseContext, edit *ResponseEdit) *ResponseContext {
	p := *resp
	p.WasEdited, p.EditedStatus, p.EditedHeaders, p.EditedBody = false, nil, nil, nil
	if edit.Status != nil {
		p.Status = *edit.Status
	}
	if edit.Headers != nil {
		p.Headers = edit.Headers
	}
	if edit.Body != nil {
		p.Body = edit.Body
	}
	return &p
}

// InterceptStage names the direction of a pending intercept.
type InterceptStage string

const (
	StageRequest  InterceptStage = "request"
	StageResponse InterceptStage = "response"
)

// PendingIntercept is a message held for manual review.
type PendingIntercept struct {
	ID       string           `json:"id"`
	Stage    InterceptStage   `json:"stage"`
	Request  *RequestContext  `json:"request"`
	Response *ResponseContext `json:"response,omitempty"`
	Received time.Time        `json:"received"`
	Deadline time.Time        `json:"deadline"`
}

type pendingEntry struct {
	PendingIntercept
	decision chan Decision
}

// InterceptQueue holds messages for manual review. While enabled, each
// request and response blocks until a reviewer calls Resolve, the review
// window elapses, or the session ends. Only the last two forward the
// message unmodified.
type InterceptQueue struct {
	RequestTimeout  time.Duration
	ResponseTimeout time.Duration
	Logger          *slog.Logger

	enabled atomic.Bool

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// NewInterceptQueue creates a disabled InterceptQueue with default timeouts.
func NewInterceptQueue() *InterceptQueue {
	return &InterceptQueue{
		RequestTimeout:  DefaultRequestInterceptTimeout,
		ResponseTimeout: DefaultResponseInterceptTimeout,
		Logger:          slog.Default(),
		pending:         make(map[string]*pendingEntry),
	}
}

// SetEnabled turns manual review on or off. Disabling releases every
// pending message unmodified.
func (q *InterceptQueue) SetEnabled(on bool) {
	q.enabled.Store(on)
	if on {
		return
	}

	q.mu.Lock()
	entries := q.pending
	q.pending = make(map[string]*pendingEntry)
	q.mu.Unlock()

	for _, e := range entries {
		e.decision <- Decision{}
	}
}

// Enabled reports whether manual review is on.
func (q *InterceptQueue) Enabled() bool {
	return q.enabled.Load()
}

// InterceptRequest implements Interceptor.
func (q *InterceptQueue) InterceptRequest(ctx context.Context, req *RequestContext) Decision {
	if !q.Enabled() {
		return Decision{}
	}
	e := q.enqueue(StageRequest, req, nil, q.timeout(q.RequestTimeout, DefaultRequestInterceptTimeout))
	d := q.wait(ctx, e)
	d.Response = nil
	return d
}

// InterceptResponse implements Interceptor.
func (q *InterceptQueue) InterceptResponse(ctx context.Context, req *RequestContext, resp *ResponseContext) Decision {
	if !q.Enabled() {
		return Decision{}
	}
	e := q.enqueue(StageResponse, req, resp, q.timeout(q.ResponseTimeout, DefaultResponseInterceptTimeout))
	d := q.wait(ctx, e)
	d.Request = nil
	return d
}

func (q *InterceptQueue) timeout(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (q *InterceptQueue) enqueue(stage InterceptStage, req *RequestContext, resp *ResponseContext, window time.Duration) *pendingEntry {
	now := time.Now()
	e := &pendingEntry{
		PendingIntercept: PendingIntercept{
			ID:       uuid.NewString(),
			Stage:    stage,
			Request:  req,
			Response: resp,
			Received: now,
			Deadline: now.Add(window),
		},
		decision: make(chan Decision, 1),
	}

	q.mu.Lock()
	if q.pending == nil {
		q.pending = make(map[string]*pendingEntry)
	}
	q.pending[e.ID] = e
	q.mu.Unlock()

	q.logger().Debug("message held for review", "id", e.ID, "stage", stage, "url", req.URL)
	return e
}

func (q *InterceptQueue) wait(ctx context.Context, e *pendingEntry) Decision {
	timer := time.NewTimer(time.Until(e.Deadline))
	defer timer.Stop()

	select {
	case d := <-e.decision:
		return d
	case <-timer.C:
		q.logger().Info("review window elapsed, forwarding unmodified", "id", e.ID, "stage", e.Stage)
	case <-ctx.Done():
	}

	q.mu.Lock()
	delete(q.pending, e.ID)
	q.mu.Unlock()

	// A reviewer may have resolved it between the timeout and the delete.
	select {
	case d := <-e.decision:
		return d
	default:
		return Decision{}
	}
}

// Pending returns snapshots of the messages awaiting review, oldest first.
// The contexts are copies; the proxy may edit the originals once a message
// is resolved.
func (q *InterceptQueue) Pending() []PendingIntercept {
	q.mu.Lock()
	out := make([]PendingIntercept, 0, len(q.pending))
	for _, e := range q.pending {
		pi := e.PendingIntercept
		pi.Request = e.Request.Clone()
		pi.Response = e.Response.Clone()
		out = append(out, pi)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Received.Before(out[j].Received) })
	return out
}

// Resolve delivers a reviewer's decision for a pending message.
func (q *InterceptQueue) Resolve(id string, d Decision) error {
	q.mu.Lock()
	e, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	}
	q.mu.Unlock()

	if !ok {
		return ErrUnknownIntercept
	}
	e.decision <- d
	return nil
}

func (q *InterceptQueue) logger() *slog.Logger {
	if q.Logger != nil {
		return q.Logger
	}
	return slog.Default()
}

// dropRequestResponse is returned to the client for a dropped request.
func dropRequestResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode: 444,
		Status:     "444 No Response",
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{"Connection": {"close"}},
		Body:       http.NoBody,
		Request:    req,
		Close:      true,
	}
}

// dropResponseResponse replaces a dropped upstream response.
func dropResponseResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode: http.StatusNoContent,
		Status:     "204 No Content",
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{},
		Body:       http.NoBody,
		Request:    req,
	}
}
