package sentinel

import "sync/atomic"

// ProxyStats is a point-in-time snapshot of proxy counters. Counters only
// grow while the proxy runs and are reset by Start.
type ProxyStats struct {
	HTTPRequests         int64 `json:"http_requests"`
	HTTPSRequests        int64 `json:"https_requests"`
	Errors               int64 `json:"errors"`
	ActiveConnections    int64 `json:"active_connections"`
	TLSHandshakeFailures int64 `json:"tls_handshake_failures"`
	EditedRequests       int64 `json:"edited_requests"`
	EditedResponses      int64 `json:"edited_responses"`
	DroppedRequests      int64 `json:"dropped_requests"`
	DroppedResponses     int64 `json:"dropped_responses"`
	TruncatedBodies      int64 `json:"truncated_bodies"`
	Bypassed             int64 `json:"bypassed"`
}

// TotalRequests returns HTTP plus HTTPS requests.
func (s ProxyStats) TotalRequests() int64 {
	return s.HTTPRequests + s.HTTPSRequests
}

type proxyCounters struct {
	httpRequests         atomic.Int64
	httpsRequests        atomic.Int64
	errors               atomic.Int64
	activeConnections    atomic.Int64
	tlsHandshakeFailures atomic.Int64
	editedRequests       atomic.Int64
	editedResponses      atomic.Int64
	droppedRequests      atomic.Int64
	droppedResponses     atomic.Int64
	truncatedBodies      atomic.Int64
	bypassed             atomic.Int64
}

func (c *proxyCounters) snapshot() ProxyStats {
	return ProxyStats{
		HTTPRequests:         c.httpRequests.Load(),
		HTTPSRequests:        c.httpsRequests.Load(),
		Errors:               c.errors.Load(),
		ActiveConnections:    c.activeConnections.Load(),
		TLSHandshakeFailures: c.tlsHandshakeFailures.Load(),
		EditedRequests:       c.editedRequests.Load(),
		EditedResponses:      c.editedResponses.Load(),
		DroppedRequests:      c.droppedRequests.Load(),
		DroppedResponses:     c.droppedResponses.Load(),
		TruncatedBodies:      c.truncatedBodies.Load(),
		Bypassed:             c.bypassed.Load(),
	}
}

func (c *proxyCounters) reset() {
	for _, v := range []*atomic.Int64{
		&c.httpRequests, &c.httpsRequests, &c.errors, &c.activeConnections,
		&c.tlsHandshakeFailures, &c.editedRequests, &c.editedResponses,
		&c.droppedRequests, &c.droppedResponses, &c.truncatedBodies, &c.bypassed,
	} {
		v.Store(0)
	}
}
