package sentinel

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyEdited is returned when an edit overlay is applied twice.
var ErrAlreadyEdited = errors.New("message already edited")

// ErrResponseSet is returned when a transaction's response is set twice.
var ErrResponseSet = errors.New("transaction response already set")

// RequestContext is the captured form of one proxied request.
//
// The original values are never modified. When an interceptor edits the
// request, WasEdited is set and the Edited* fields hold the replacement
// values; the Effective* accessors return what was actually forwarded.
// When WasEdited is false all Edited* fields are nil.
type RequestContext struct {
	ID            string      `json:"id"`
	Method        string      `json:"method"`
	URL           string      `json:"url"`
	Proto         string      `json:"proto"`
	Headers       http.Header `json:"headers"`
	Body          []byte      `json:"body,omitempty"`
	BodySize      int64       `json:"body_size"`
	BodyTruncated bool        `json:"body_truncated"`
	ClientAddr    string      `json:"client_addr"`
	TLS           bool        `json:"tls"`
	Timestamp     time.Time   `json:"timestamp"`

	WasEdited     bool        `json:"was_edited"`
	EditedMethod  *string     `json:"edited_method,omitempty"`
	EditedURL     *string     `json:"edited_url,omitempty"`
	EditedHeaders http.Header `json:"edited_headers,omitempty"`
	EditedBody    []byte      `json:"edited_body,omitempty"`
}

// RequestEdit describes replacement values for a request. Nil fields keep
// the original value.
type RequestEdit struct {
	Method  *string     `json:"method,omitempty"`
	URL     *string     `json:"url,omitempty"`
	Headers http.Header `json:"headers,omitempty"`
	Body    []byte      `json:"body,omitempty"`
}

// IsZero reports whether the edit changes nothing.
func (e *RequestEdit) IsZero() bool {
	return e == nil || (e.Method == nil && e.URL == nil && e.Headers == nil && e.Body == nil)
}

// NewRequestContext captures the request line and headers of req. The body
// is attached separately once it has been read.
func NewRequestContext(req *http.Request) *RequestContext {
	return &RequestContext{
		ID:         uuid.NewString(),
		Method:     req.Method,
		URL:        req.URL.String(),
		Proto:      req.Proto,
		Headers:    req.Header.Clone(),
		ClientAddr: req.RemoteAddr,
		TLS:        req.URL.Scheme == "https",
		Timestamp:  time.Now(),
	}
}

// Clone returns a deep copy of r.
func (r *RequestContext) Clone() *RequestContext {
	if r == nil {
		return nil
	}
	c := *r
	c.Headers = r.Headers.Clone()
	c.Body = bytes.Clone(r.Body)
	c.EditedHeaders = r.EditedHeaders.Clone()
	c.EditedBody = bytes.Clone(r.EditedBody)
	if r.EditedMethod != nil {
		m := *r.EditedMethod
		c.EditedMethod = &m
	}
	if r.EditedURL != nil {
		u := *r.EditedURL
		c.EditedURL = &u
	}
	return &c
}

// EffectiveMethod returns the method forwarded upstream.
func (r *RequestContext) EffectiveMethod() string {
	if r.WasEdited && r.EditedMethod != nil {
		return *r.EditedMethod
	}
	return r.Method
}

// EffectiveURL returns the URL forwarded upstream.
func (r *RequestContext) EffectiveURL() string {
	if r.WasEdited && r.EditedURL != nil {
		return *r.EditedURL
	}
	return r.URL
}

// EffectiveHeaders returns the headers forwarded upstream.
func (r *RequestContext) EffectiveHeaders() http.Header {
	if r.WasEdited && r.EditedHeaders != nil {
		return r.EditedHeaders
	}
	return r.Headers
}

// EffectiveBody returns the captured body forwarded upstream.
func (r *RequestContext) EffectiveBody() []byte {
	if r.WasEdited && r.EditedBody != nil {
		return r.EditedBody
	}
	return r.Body
}

// ApplyEdit records edit as the request overlay. It may be called once.
// Fields equal to the original are ignored; an edit that changes nothing
// leaves WasEdited false. Body edits on a truncated capture are rejected
// with ErrBodyTruncated and nothing is applied.
func (r *RequestContext) ApplyEdit(edit *RequestEdit) error {
	if r.WasEdited {
		return ErrAlreadyEdited
	}
	if edit.IsZero() {
		return nil
	}
	if edit.Body != nil && r.BodyTruncated {
		return ErrBodyTruncated
	}

	if edit.Method != nil && *edit.Method != r.Method {
		m := *edit.Method
		r.EditedMethod = &m
	}
	if edit.URL != nil && *edit.URL != r.URL {
		u := *edit.URL
		r.EditedURL = &u
	}
	if edit.Headers != nil && !headersEqual(edit.Headers, r.Headers) {
		r.EditedHeaders = edit.Headers.Clone()
	}
	if edit.Body != nil && !bytes.Equal(edit.Body, r.Body) {
		r.EditedBody = bytes.Clone(edit.Body)
	}

	r.WasEdited = r.EditedMethod != nil || r.EditedURL != nil || r.EditedHeaders != nil || r.EditedBody != nil
	return nil
}

// ResponseContext is the captured form of one upstream response. Body holds
// the decoded body when the response was compressed.
type ResponseContext struct {
	RequestID       string        `json:"request_id"`
	Status          int           `json:"status"`
	Proto           string        `json:"proto"`
	Headers         http.Header   `json:"headers"`
	Body            []byte        `json:"body,omitempty"`
	BodySize        int64         `json:"body_size"`
	BodyTruncated   bool          `json:"body_truncated"`
	ContentEncoding string        `json:"content_encoding,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
	Duration        time.Duration `json:"duration"`

	WasEdited     bool        `json:"was_edited"`
	EditedStatus  *int        `json:"edited_status,omitempty"`
	EditedHeaders http.Header `json:"edited_headers,omitempty"`
	EditedBody    []byte      `json:"edited_body,omitempty"`
}

// ResponseEdit describes replacement values for a response. Nil fields keep
// the original value. Body is the decoded body; it is re-encoded with the
// original Content-Encoding before forwarding.
type ResponseEdit struct {
	Status  *int        `json:"status,omitempty"`
	Headers http.Header `json:"headers,omitempty"`
	Body    []byte      `json:"body,omitempty"`
}

// IsZero reports whether the edit changes nothing.
func (e *ResponseEdit) IsZero() bool {
	return e == nil || (e.Status == nil && e.Headers == nil && e.Body == nil)
}

// Clone returns a deep copy of r.
func (r *ResponseContext) Clone() *ResponseContext {
	if r == nil {
		return nil
	}
	c := *r
	c.Headers = r.Headers.Clone()
	c.Body = bytes.Clone(r.Body)
	c.EditedHeaders = r.EditedHeaders.Clone()
	c.EditedBody = bytes.Clone(r.EditedBody)
	if r.EditedStatus != nil {
		st := *r.EditedStatus
		c.EditedStatus = &st
	}
	return &c
}

// EffectiveStatus returns the status code returned to the client.
func (r *ResponseContext) EffectiveStatus() int {
	if r.WasEdited && r.EditedStatus != nil {
		return *r.EditedStatus
	}
	return r.Status
}

// EffectiveHeaders returns the headers returned to the client.
func (r *ResponseContext) EffectiveHeaders() http.Header {
	if r.WasEdited && r.EditedHeaders != nil {
		return r.EditedHeaders
	}
	return r.Headers
}

// EffectiveBody returns the decoded body returned to the client.
func (r *ResponseContext) EffectiveBody() []byte {
	if r.WasEdited && r.EditedBody != nil {
		return r.EditedBody
	}
	return r.Body
}

// ApplyEdit records edit as the response overlay. It follows the same rules
// as RequestContext.ApplyEdit.
func (r *ResponseContext) ApplyEdit(edit *ResponseEdit) error {
	if r.WasEdited {
		return ErrAlreadyEdited
	}
	if edit.IsZero() {
		return nil
	}
	if edit.Body != nil && r.BodyTruncated {
		return ErrBodyTruncated
	}

	if edit.Status != nil && *edit.Status != r.Status {
		s := *edit.Status
		r.EditedStatus = &s
	}
	if edit.Headers != nil && !headersEqual(edit.Headers, r.Headers) {
		r.EditedHeaders = edit.Headers.Clone()
	}
	if edit.Body != nil && !bytes.Equal(edit.Body, r.Body) {
		r.EditedBody = bytes.Clone(edit.Body)
	}

	r.WasEdited = r.EditedStatus != nil || r.EditedHeaders != nil || r.EditedBody != nil
	return nil
}

// HTTPTransaction pairs a captured request with its response. Response is
// nil until the upstream reply completes and is immutable once set.
type HTTPTransaction struct {
	Request *RequestContext `json:"request"`

	mu       sync.RWMutex
	response *ResponseContext
}

// NewHTTPTransaction creates a transaction for req with no response.
func NewHTTPTransaction(req *RequestContext) *HTTPTransaction {
	return &HTTPTransaction{Request: req}
}

// Response returns the captured response, or nil.
func (tx *HTTPTransaction) Response() *ResponseContext {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	return tx.response
}

// SetResponse attaches the response. It fails if one is already set.
func (tx *HTTPTransaction) SetResponse(resp *ResponseContext) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.response != nil {
		return ErrResponseSet
	}
	tx.response = resp
	return nil
}

// MarshalJSON encodes the transaction with its response, if any.
func (tx *HTTPTransaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Request  *RequestContext  `json:"request"`
		Response *ResponseContext `json:"response"`
	}{tx.Request, tx.Response()})
}

func headersEqual(a, b http.Header) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
	}
	return true
}
