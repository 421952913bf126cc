package sentinel

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
)

// ErrBindExhausted is wrapped by [BindError] when every port in the
// allowed range is taken.
var ErrBindExhausted = errors.New("no free port in range")

// ErrProxyRunning is returned by Start on a proxy that is already running.
var ErrProxyRunning = errors.New("proxy already running")

// Proxy defaults.
const (
	DefaultStartPort       = 4201
	DefaultMaxPortAttempts = 10
	DefaultMaxBodySize     = 2 * MB
	DefaultShutdownGrace   = 5 * time.Second
	DefaultReadTimeout     = 30 * time.Second
	DefaultListenHost      = "127.0.0.1"
)

// ProxyConfig holds the settings the proxy is started with. The proxy
// keeps its own copy on Start; later changes apply to the next Start.
type ProxyConfig struct {
	// ListenHost is the address to bind. Defaults to 127.0.0.1.
	ListenHost string

	// StartPort is the first port tried when Start is given no port.
	StartPort int

	// MaxPortAttempts is how many sequential ports are tried.
	MaxPortAttempts int

	// MITMEnabled enables TLS interception. When false, CONNECT tunnels
	// and transparent TLS are relayed without decryption.
	MITMEnabled bool

	// MaxRequestBodySize and MaxResponseBodySize cap the captured copy of
	// each body. Forwarded bytes are never capped.
	MaxRequestBodySize  int64
	MaxResponseBodySize int64

	// ShutdownGrace is how long Stop waits for in-flight exchanges.
	ShutdownGrace time.Duration

	// BypassFailThreshold is the number of failed handshakes after which
	// a host is tunneled without interception. Zero disables it.
	BypassFailThreshold int

	// ReadTimeout bounds reading a request head and completing a client
	// TLS handshake.
	ReadTimeout time.Duration
}

// DefaultProxyConfig returns the default proxy settings.
func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		ListenHost:          DefaultListenHost,
		StartPort:           DefaultStartPort,
		MaxPortAttempts:     DefaultMaxPortAttempts,
		MITMEnabled:         true,
		MaxRequestBodySize:  DefaultMaxBodySize,
		MaxResponseBodySize: DefaultMaxBodySize,
		ShutdownGrace:       DefaultShutdownGrace,
		ReadTimeout:         DefaultReadTimeout,
	}
}

func (c ProxyConfig) withDefaults() ProxyConfig {
	if c.ListenHost == "" {
		c.ListenHost = DefaultListenHost
	}
	if c.StartPort <= 0 {
		c.StartPort = DefaultStartPort
	}
	if c.MaxPortAttempts <= 0 {
		c.MaxPortAttempts = 1
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	return c
}

// BindError reports that no port in [StartPort, StartPort+Attempts) could
// be bound.
type BindError struct {
	Host      string
	StartPort int
	Attempts  int
	Last      error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s ports %d-%d: all %d attempts failed: %v",
		e.Host, e.StartPort, e.StartPort+e.Attempts-1, e.Attempts, e.Last)
}

func (e *BindError) Unwrap() []error {
	return []error{ErrBindExhausted, e.Last}
}

// Proxy is a TLS-intercepting proxy that captures every exchange, lets
// interceptors edit or drop it, and feeds completed transactions to the
// analysis pipeline.
//
// One listener serves explicit proxy clients (CONNECT and absolute-form
// requests) and transparently redirected traffic (raw TLS and origin-form
// HTTP). The first byte of each connection decides which.
type Proxy struct {
	// Config is copied on Start.
	Config ProxyConfig

	// Resolver issues leaf certificates for intercepted hosts.
	Resolver *CertResolver

	// Interceptor may edit or drop requests and responses (optional).
	Interceptor Interceptor

	// Pipeline receives every completed transaction (optional).
	Pipeline *Pipeline

	// Transport re-originates requests upstream.
	Transport *TransportPool

	// Redirector installs transparent redirection rules (optional).
	// Rules enabled through the proxy are removed by Stop.
	Redirector TransparentRedirector

	// Metrics collects Prometheus metrics (optional).
	Metrics *Metrics

	// AccessLog writes one record per transaction (optional).
	AccessLog *TransactionLogger

	// Health is marked live and ready while the proxy runs (optional).
	Health *HealthChecker

	// Bypass tracks hosts whose interception keeps failing. NewProxy
	// creates one from Config.BypassFailThreshold.
	Bypass *Bypass

	// Logger for proxy events.
	Logger *slog.Logger

	mu          sync.Mutex
	cfg         ProxyConfig
	running     bool
	port        int
	listener    net.Listener
	httpLn      *connListener
	srv         *http.Server
	h2          *http2.Server
	ctx         context.Context
	cancel      context.CancelFunc
	sessions    map[*session]struct{}
	redirecting bool

	stopping atomic.Bool
	nextID   atomic.Uint64
	wg       sync.WaitGroup
	stats    proxyCounters
}

type sessionKey struct{}

// NewProxy creates a proxy that signs leaf certificates through resolver.
func NewProxy(cfg ProxyConfig, resolver *CertResolver) *Proxy {
	logger := slog.Default()
	b := NewBypass(cfg.BypassFailThreshold)
	b.Logger = logger
	return &Proxy{
		Config:    cfg,
		Resolver:  resolver,
		Transport: NewTransportPool(),
		Bypass:    b,
		Logger:    logger,
	}
}

// Start binds the listener and begins serving. A preferredPort of zero
// means Config.StartPort. Ports are tried sequentially; when all
// Config.MaxPortAttempts fail, Start returns a *BindError. Start never
// falls back to an OS-chosen port.
func (p *Proxy) Start(preferredPort int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return p.port, ErrProxyRunning
	}
	if p.Resolver == nil && p.Config.MITMEnabled {
		return 0, errors.New("start proxy: interception enabled without a certificate resolver")
	}

	cfg := p.Config.withDefaults()
	start := preferredPort
	if start <= 0 {
		start = cfg.StartPort
	}

	ln, port, err := listenSequential(cfg.ListenHost, start, cfg.MaxPortAttempts)
	if err != nil {
		return 0, err
	}

	if p.Transport == nil {
		p.Transport = NewTransportPool()
	}

	p.cfg = cfg
	p.port = port
	p.listener = ln
	p.stats.reset()
	p.stopping.Store(false)
	p.sessions = make(map[*session]struct{})
	p.ctx, p.cancel = context.WithCancel(context.Background())
	baseCtx := p.ctx
	p.httpLn = newConnListener(ln.Addr())
	p.srv = &http.Server{
		Handler:           http.HandlerFunc(p.serveHTTP),
		ReadHeaderTimeout: cfg.ReadTimeout,
		IdleTimeout:       cfg.ReadTimeout,
		ErrorLog:          slog.NewLogLogger(p.logger().Handler(), slog.LevelDebug),
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			if sc, ok := c.(*sessionConn); ok {
				return context.WithValue(ctx, sessionKey{}, sc.sess)
			}
			return ctx
		},
	}
	p.h2 = &http2.Server{IdleTimeout: cfg.ReadTimeout}

	srv, httpLn := p.srv, p.httpLn
	go func() { _ = srv.Serve(httpLn) }()

	p.wg.Add(1)
	go p.acceptLoop(ln)

	p.running = true
	if p.Health != nil {
		p.Health.SetAlive(true)
		p.Health.SetReady(true)
	}

	p.logger().Info("proxy listening",
		"addr", ln.Addr().String(),
		"mitm", cfg.MITMEnabled,
		"max_request_body", cfg.MaxRequestBodySize,
		"max_response_body", cfg.MaxResponseBodySize,
	)
	return port, nil
}

// listenSequential binds host:start, host:start+1, ... until one succeeds.
func listenSequential(host string, start, attempts int) (net.Listener, int, error) {
	var last error
	for i := 0; i < attempts; i++ {
		port := start + i
		if port > 65535 {
			last = fmt.Errorf("port %d out of range", port)
			break
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return ln, port, nil
		}
		last = err
	}
	return nil, 0, &BindError{Host: host, StartPort: start, Attempts: attempts, Last: last}
}

// Stop closes the listener, gives in-flight exchanges Config.ShutdownGrace
// to finish, then closes whatever remains. Idle connections are closed
// immediately. Stop is idempotent.
func (p *Proxy) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.stopping.Store(true)
	ln, httpLn, srv, cancel := p.listener, p.httpLn, p.srv, p.cancel
	grace := p.cfg.ShutdownGrace
	redirecting := p.redirecting
	p.redirecting = false
	p.mu.Unlock()

	if p.Health != nil {
		p.Health.SetReady(false)
	}

	var errs []error
	if redirecting && p.Redirector != nil {
		ctx, c := context.WithTimeout(context.Background(), grace)
		if err := p.Redirector.Disable(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disable redirection: %w", err))
		}
		c()
	}

	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, fmt.Errorf("close listener: %w", err))
	}
	_ = httpLn.Close()
	srv.SetKeepAlivesEnabled(false)
	p.closeSessions(true)

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		p.logger().Warn("shutdown grace elapsed, closing remaining sessions", "grace", grace)
		p.closeSessions(false)
	}

	cancel()
	_ = srv.Close()
	p.closeSessions(false)
	<-drained
	p.Transport.CloseIdleConnections()

	p.logger().Info("proxy stopped", "port", p.port)
	return errors.Join(errs...)
}

// closeSessions closes tracked sessions, or only idle ones.
func (p *Proxy) closeSessions(idleOnly bool) {
	p.mu.Lock()
	var victims []*session
	for s := range p.sessions {
		if !idleOnly || s.idle() {
			victims = append(victims, s)
		}
	}
	p.mu.Unlock()

	for _, s := range victims {
		s.close()
	}
}

// Stats returns a snapshot of the proxy counters.
func (p *Proxy) Stats() ProxyStats {
	return p.stats.snapshot()
}

// Port returns the bound port, or zero if the proxy never started.
func (p *Proxy) Port() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port
}

// Running reports whether the proxy is accepting connections.
func (p *Proxy) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Redirecting reports whether redirection rules enabled through the proxy
// are installed.
func (p *Proxy) Redirecting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.redirecting
}

// CheckListening is a [ReadinessCheck] that fails while the proxy is down.
func (p *Proxy) CheckListening() error {
	if !p.Running() {
		return errors.New("proxy is not listening")
	}
	return nil
}

// EnableRedirect installs transparent redirection of ports to the running
// proxy. The rules are removed again by DisableRedirect or Stop.
func (p *Proxy) EnableRedirect(ctx context.Context, ports []int) error {
	if p.Redirector == nil {
		return ErrRedirectUnsupported
	}
	p.mu.Lock()
	running, port := p.running, p.port
	p.mu.Unlock()
	if !running {
		return errors.New("enable redirection: proxy is not running")
	}

	if err := p.Redirector.Enable(ctx, port, ports); err != nil {
		return err
	}
	p.mu.Lock()
	p.redirecting = true
	p.mu.Unlock()
	p.logger().Info("transparent redirection enabled", "proxy_port", port, "ports", ports)
	return nil
}

// DisableRedirect removes redirection rules installed by EnableRedirect.
func (p *Proxy) DisableRedirect(ctx context.Context) error {
	if p.Redirector == nil {
		return ErrRedirectUnsupported
	}
	if err := p.Redirector.Disable(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.redirecting = false
	p.mu.Unlock()
	p.logger().Info("transparent redirection disabled")
	return nil
}

func (p *Proxy) acceptLoop(ln net.Listener) {
	defer p.wg.Done()

	var backoff time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || p.stopping.Load() {
				return
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			p.logger().Warn("accept", "error", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		sc := p.track(c)
		go p.dispatch(sc)
	}
}

// track registers a new session. It must run on the accept goroutine so
// the WaitGroup never grows from zero during Stop.
func (p *Proxy) track(c net.Conn) *sessionConn {
	sc := &sessionConn{Conn: c, r: bufio.NewReader(c)}
	sess := newSession(p.nextID.Add(1), sc, p.Metrics, p.logger())
	sc.sess = sess

	p.wg.Add(1)
	p.stats.activeConnections.Add(1)
	if p.Metrics != nil {
		p.Metrics.IncActiveConns()
	}

	p.mu.Lock()
	p.sessions[sess] = struct{}{}
	p.mu.Unlock()

	sc.onClose = func() {
		sess.finish()
		p.mu.Lock()
		delete(p.sessions, sess)
		p.mu.Unlock()
		p.stats.activeConnections.Add(-1)
		if p.Metrics != nil {
			p.Metrics.DecActiveConns()
		}
		p.wg.Done()
	}
	return sc
}

func sessionFromContext(ctx context.Context) *session {
	s, _ := ctx.Value(sessionKey{}).(*session)
	return s
}

// dispatch routes a new connection by its first byte: a TLS record means
// transparently redirected HTTPS, anything else is HTTP.
func (p *Proxy) dispatch(sc *sessionConn) {
	if p.stopping.Load() {
		_ = sc.Close()
		return
	}
	isTLS, err := sc.isTLS(p.cfg.ReadTimeout)
	if err != nil {
		p.logger().Debug("peek connection", "remote", sc.RemoteAddr().String(), "error", err)
		_ = sc.Close()
		return
	}
	if isTLS {
		p.serveTransparentTLS(sc)
		return
	}
	if !p.httpLn.deliver(sc) {
		_ = sc.Close()
	}
}

// serveTransparentTLS handles a TLS connection that arrived without a
// CONNECT, via firewall redirection.
func (p *Proxy) serveTransparentTLS(sc *sessionConn) {
	sess := sc.sess
	serverName, conn, err := peekServerName(sc, p.cfg.ReadTimeout)
	if err != nil {
		p.logger().Debug("transparent TLS", "remote", sc.RemoteAddr().String(), "error", err)
		sess.fail()
		_ = sc.Close()
		return
	}

	port := "443"
	var authority string
	if dst, err := originalDestination(sc); err == nil {
		port = strconv.Itoa(int(dst.Port()))
		authority = dst.String()
	}
	if serverName != "" {
		authority = net.JoinHostPort(serverName, port)
	}
	if p.isSelf(authority) {
		p.logger().Warn("transparent TLS addressed to the proxy itself, closing", "remote", sc.RemoteAddr().String())
		sess.fail()
		_ = sc.Close()
		return
	}
	if authority == "" {
		p.logger().Warn("transparent TLS without SNI or original destination, closing",
			"remote", sc.RemoteAddr().String(),
		)
		p.stats.errors.Add(1)
		sess.fail()
		_ = sc.Close()
		return
	}
	sess.authority = authority

	if !p.cfg.MITMEnabled || p.Bypass.ShouldBypass(authority) {
		p.tunnel(sess, conn, authority)
		return
	}
	p.interceptTLS(sess, conn, authority)
}

// serveHTTP handles requests on plain HTTP connections: CONNECT,
// absolute-form proxy requests and redirected origin-form requests.
func (p *Proxy) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}

	sess := sessionFromContext(r.Context())
	if sess == nil {
		http.Error(w, "no session", http.StatusInternalServerError)
		return
	}

	if r.URL.Host == "" {
		if r.Host == "" {
			http.Error(w, "missing Host header", http.StatusBadRequest)
			return
		}
		r.URL.Host = r.Host
	}
	if r.URL.Scheme == "" {
		r.URL.Scheme = "http"
	}
	if p.isSelf(r.URL.Host) {
		http.Error(w, "refusing to proxy a request to the proxy itself", http.StatusLoopDetected)
		return
	}

	resp, _ := p.exchange(r.Context(), sess, r)
	defer func() { _ = resp.Body.Close() }()
	writeResponse(w, r, resp)
}

// isSelf reports whether authority names the proxy's own listener.
func (p *Proxy) isSelf(authority string) bool {
	host, port, err := net.SplitHostPort(authority)
	if err != nil || port != strconv.Itoa(p.port) {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

// handleConnect takes over a CONNECT tunnel and either intercepts it or
// relays it untouched.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	if sess == nil {
		http.Error(w, "no session", http.StatusInternalServerError)
		return
	}

	authority := r.Host
	if _, _, err := net.SplitHostPort(authority); err != nil {
		authority = net.JoinHostPort(hostFromAuthority(authority), "443")
	}
	if p.isSelf(authority) {
		http.Error(w, "refusing to proxy a request to the proxy itself", http.StatusLoopDetected)
		return
	}
	p.logger().Debug("CONNECT", "authority", authority, "remote", r.RemoteAddr)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, brw, err := hijacker.Hijack()
	if err != nil {
		p.logger().Error("hijack failed", "error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		p.logger().Debug("write connect response", "error", err)
		sess.fail()
		_ = clientConn.Close()
		return
	}

	conn := clientConn
	if n := brw.Reader.Buffered(); n > 0 {
		early, _ := brw.Reader.Peek(n)
		conn = &replayConn{Conn: clientConn, r: io.MultiReader(bytes.NewReader(bytes.Clone(early)), clientConn)}
	}
	sess.authority = authority

	if !p.cfg.MITMEnabled || p.Bypass.ShouldBypass(authority) {
		p.tunnel(sess, conn, authority)
		return
	}
	p.interceptTLS(sess, conn, authority)
}

// tunnel relays bytes between the client and authority without decrypting.
func (p *Proxy) tunnel(sess *session, client net.Conn, authority string) {
	defer sess.close()

	upstream, err := p.Transport.DialTunnel(p.ctx, authority)
	if err != nil {
		p.stats.errors.Add(1)
		if p.Metrics != nil {
			p.Metrics.RecordError("tunnel_dial")
		}
		p.logger().Warn("tunnel dial", "authority", authority, "error", err)
		sess.fail()
		return
	}
	defer func() { _ = upstream.Close() }()

	p.stats.bypassed.Add(1)
	if p.Metrics != nil {
		p.Metrics.RecordBypassedTunnel()
	}
	p.logger().Info("tunneling without interception", "authority", authority, "mitm", p.cfg.MITMEnabled)

	_ = sess.transition(StateEstablished)
	_ = sess.transition(StateStreaming)

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(upstream, client)
		closeWrite(upstream)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, upstream)
		closeWrite(client)
		done <- struct{}{}
	}()
	<-done
	<-done
}

// interceptTLS terminates the client's TLS with a forged certificate and
// serves the decrypted requests. A failed handshake closes the connection.
func (p *Proxy) interceptTLS(sess *session, conn net.Conn, authority string) {
	defer sess.close()

	if err := sess.transition(StateTLSHandshake); err != nil {
		return
	}

	tlsConn := tls.Server(conn, p.Resolver.TLSConfig(authority))
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.ReadTimeout)
	err := tlsConn.HandshakeContext(ctx)
	cancel()
	if err != nil {
		p.handshakeFailed(sess, tlsConn, authority, err)
		return
	}
	defer func() { _ = tlsConn.Close() }()

	if err := sess.transition(StateEstablished); err != nil {
		return
	}

	if tlsConn.ConnectionState().NegotiatedProtocol == http2.NextProtoTLS {
		p.serveH2(sess, tlsConn, authority)
		return
	}
	p.serveH1(sess, tlsConn, authority)
}

func (p *Proxy) handshakeFailed(sess *session, tlsConn *tls.Conn, authority string, err error) {
	p.stats.tlsHandshakeFailures.Add(1)
	if p.Metrics != nil {
		p.Metrics.RecordTLSHandshakeError()
	}

	failed := authority
	if name := tlsConn.ConnectionState().ServerName; name != "" {
		_, port := splitAuthority(authority)
		failed = net.JoinHostPort(name, strconv.Itoa(port))
	}
	p.logger().Warn("TLS handshake with client", "authority", failed, "error", err)
	if p.Bypass != nil {
		p.Bypass.RecordFailure(failed, err)
	}
	sess.fail()
}

// serveH1 reads HTTP/1.x requests from a decrypted connection.
func (p *Proxy) serveH1(sess *session, conn *tls.Conn, authority string) {
	reader := bufio.NewReader(conn)
	ctx := context.WithValue(p.ctx, sessionKey{}, sess)

	for !p.stopping.Load() {
		_ = conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))
		req, err := http.ReadRequest(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				p.logger().Debug("read request", "authority", authority, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Time{})

		req = req.WithContext(ctx)
		prepareMITMRequest(req, authority, conn.RemoteAddr().String())

		resp, closeConn := p.exchange(ctx, sess, req)
		err = resp.Write(conn)
		_ = resp.Body.Close()
		_, _ = io.Copy(io.Discard, req.Body)
		if err != nil {
			p.logger().Debug("write response", "error", err)
			return
		}
		if closeConn {
			return
		}
	}
}

// serveH2 serves a decrypted HTTP/2 connection.
func (p *Proxy) serveH2(sess *session, conn *tls.Conn, authority string) {
	remote := conn.RemoteAddr().String()
	p.h2.ServeConn(conn, &http2.ServeConnOpts{
		Context:    context.WithValue(p.ctx, sessionKey{}, sess),
		BaseConfig: p.srv,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			prepareMITMRequest(r, authority, remote)
			resp, _ := p.exchange(r.Context(), sess, r)
			defer func() { _ = resp.Body.Close() }()
			writeResponse(w, r, resp)
		}),
	})
}

// prepareMITMRequest makes a decrypted request absolute. The Host header
// wins over the tunnel authority so chained clients that CONNECT to a
// placeholder address still reach the named host.
func prepareMITMRequest(req *http.Request, authority, remote string) {
	req.URL.Scheme = "https"
	if req.Host == "" {
		req.Host = authority
	}
	req.URL.Host = req.Host
	req.RemoteAddr = remote
}

// exchange runs one request through capture, interception, forwarding and
// analysis. It returns the response for the client, whose body the caller
// must close, and whether the client connection must be closed afterwards.
func (p *Proxy) exchange(ctx context.Context, sess *session, req *http.Request) (*http.Response, bool) {
	sess.inflight.Add(1)
	defer sess.inflight.Add(-1)

	if sess.State() == StateConnectReceived {
		_ = sess.transition(StateEstablished)
	}
	_ = sess.transition(StateStreaming)
	defer func() { _ = sess.transition(StateEstablished) }()

	scheme := req.URL.Scheme
	if scheme == "https" {
		p.stats.httpsRequests.Add(1)
	} else {
		p.stats.httpRequests.Add(1)
	}
	if p.Metrics != nil {
		p.Metrics.RecordRequest(req.Method, scheme)
	}

	rc := NewRequestContext(req)
	reqBody, truncated, forward, err := captureBody(req.Body, p.cfg.MaxRequestBodySize)
	if err != nil {
		p.stats.errors.Add(1)
		p.logger().Debug("read request body", "url", rc.URL, "error", err)
		return errorResponse(req, http.StatusBadRequest, err), true
	}
	rc.Body = reqBody
	rc.BodyTruncated = truncated
	rc.BodySize = bodyLength(reqBody, truncated, req.ContentLength)
	if truncated {
		p.recordTruncated("request")
	}

	tx := NewHTTPTransaction(rc)

	if p.Interceptor != nil {
		d := p.Interceptor.InterceptRequest(ctx, rc)
		if d.Action == Drop {
			_ = forward.Close()
			p.stats.droppedRequests.Add(1)
			if p.Metrics != nil {
				p.Metrics.RecordDrop("request")
			}
			p.logger().Info("request dropped", "id", rc.ID, "url", rc.URL)
			p.logTransaction(ctx, tx, "dropped")
			return dropRequestResponse(req), true
		}
		if err := rc.ApplyEdit(d.Request); err != nil {
			p.logger().Warn("request edit rejected, forwarding original", "id", rc.ID, "error", err)
		}
		if rc.WasEdited {
			p.stats.editedRequests.Add(1)
			if p.Metrics != nil {
				p.Metrics.RecordEdit("request")
			}
		}
	}

	outReq, err := buildUpstreamRequest(ctx, rc, forward, req.ContentLength)
	if err != nil {
		_ = forward.Close()
		return p.upstreamFailed(ctx, tx, req, err), false
	}

	start := time.Now()
	upstream, err := p.Transport.Transport().RoundTrip(outReq)
	if err != nil {
		return p.upstreamFailed(ctx, tx, req, err), false
	}
	elapsed := time.Since(start)
	if p.Metrics != nil {
		p.Metrics.RecordRequestDuration(rc.EffectiveMethod(), upstream.StatusCode, elapsed)
	}

	respBody, truncated, respForward, err := captureBody(upstream.Body, p.cfg.MaxResponseBodySize)
	if err != nil {
		return p.upstreamFailed(ctx, tx, req, err), false
	}

	rs := &ResponseContext{
		RequestID:       rc.ID,
		Status:          upstream.StatusCode,
		Proto:           upstream.Proto,
		Headers:         upstream.Header.Clone(),
		Body:            respBody,
		BodySize:        bodyLength(respBody, truncated, upstream.ContentLength),
		BodyTruncated:   truncated,
		ContentEncoding: normalizeEncoding(upstream.Header.Get("Content-Encoding")),
		Timestamp:       time.Now(),
		Duration:        elapsed,
	}
	if truncated {
		p.recordTruncated("response")
	}
	if rs.ContentEncoding != "" && len(respBody) > 0 {
		if decoded, err := DecodeBody(respBody, rs.ContentEncoding, p.cfg.MaxResponseBodySize); err == nil {
			rs.Body = decoded
		} else {
			p.logger().Debug("decode response body", "id", rc.ID, "encoding", rs.ContentEncoding, "error", err)
		}
	}

	dropped := false
	if p.Interceptor != nil {
		d := p.Interceptor.InterceptResponse(ctx, rc, rs)
		if d.Action == Drop {
			dropped = true
		} else if err := rs.ApplyEdit(d.Response); err != nil {
			p.logger().Warn("response edit rejected, forwarding original", "id", rc.ID, "error", err)
		}
		if rs.WasEdited {
			p.stats.editedResponses.Add(1)
			if p.Metrics != nil {
				p.Metrics.RecordEdit("response")
			}
		}
	}
	_ = tx.SetResponse(rs)

	var out *http.Response
	if dropped {
		_ = respForward.Close()
		p.stats.droppedResponses.Add(1)
		if p.Metrics != nil {
			p.Metrics.RecordDrop("response")
		}
		p.logger().Info("response dropped", "id", rc.ID, "url", rc.EffectiveURL())
		out = dropResponseResponse(req)
		p.logTransaction(ctx, tx, "response dropped")
	} else {
		out = p.clientResponse(req, upstream, rs, respForward)
		p.logTransaction(ctx, tx, "")
	}

	if p.Pipeline != nil {
		p.Pipeline.Submit(tx)
	}
	return out, out.Close
}

// buildUpstreamRequest creates the request actually sent upstream from the
// effective values of rc.
func buildUpstreamRequest(ctx context.Context, rc *RequestContext, forward io.ReadCloser, declared int64) (*http.Request, error) {
	target, err := url.Parse(rc.EffectiveURL())
	if err != nil {
		return nil, fmt.Errorf("parse request URL: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("unsupported request URL scheme %q", target.Scheme)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("request URL %q has no host", target)
	}

	var (
		body   io.ReadCloser = forward
		length               = bodyLength(rc.Body, rc.BodyTruncated, declared)
	)
	if rc.WasEdited && rc.EditedBody != nil {
		_ = forward.Close()
		body = io.NopCloser(bytes.NewReader(rc.EditedBody))
		length = int64(len(rc.EditedBody))
	}
	if length == 0 {
		_ = body.Close()
		body = http.NoBody
	}

	out, err := http.NewRequestWithContext(ctx, rc.EffectiveMethod(), target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	out.ContentLength = length
	out.Header = rc.EffectiveHeaders().Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	removeHopByHopHeaders(out.Header)
	out.Host = target.Host
	return out, nil
}

// clientResponse builds the response written to the client from the
// effective values of rs. An edited body is re-encoded with the original
// Content-Encoding; otherwise the upstream stream is relayed.
func (p *Proxy) clientResponse(req *http.Request, upstream *http.Response, rs *ResponseContext, forward io.ReadCloser) *http.Response {
	out := &http.Response{
		StatusCode:    rs.EffectiveStatus(),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        rs.EffectiveHeaders().Clone(),
		Body:          forward,
		ContentLength: upstream.ContentLength,
		Request:       req,
	}
	if out.Header == nil {
		out.Header = http.Header{}
	}

	if rs.WasEdited && rs.EditedBody != nil {
		_ = forward.Close()
		body := rs.EditedBody
		if rs.ContentEncoding != "" {
			encoded, err := CompressBytes(body, rs.ContentEncoding)
			if err != nil {
				p.logger().Warn("re-encode edited body, sending identity", "encoding", rs.ContentEncoding, "error", err)
				out.Header.Del("Content-Encoding")
			} else {
				body = encoded
			}
		}
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.ContentLength = int64(len(body))
	}

	removeHopByHopHeaders(out.Header)
	out.Header.Del("Content-Length")
	if out.ContentLength < 0 && req.Method != http.MethodHead && bodyAllowedForStatus(out.StatusCode) {
		out.TransferEncoding = []string{"chunked"}
	}
	return out
}

func (p *Proxy) upstreamFailed(ctx context.Context, tx *HTTPTransaction, req *http.Request, err error) *http.Response {
	p.stats.errors.Add(1)
	if p.Metrics != nil {
		p.Metrics.RecordError("upstream")
	}
	p.logger().Error("forward request", "error", err, "url", tx.Request.EffectiveURL())
	p.logTransaction(ctx, tx, err.Error())
	if p.Pipeline != nil {
		p.Pipeline.Submit(tx)
	}
	return errorResponse(req, http.StatusBadGateway, err)
}

func (p *Proxy) recordTruncated(direction string) {
	p.stats.truncatedBodies.Add(1)
	if p.Metrics != nil {
		p.Metrics.RecordTruncated(direction)
	}
}

func (p *Proxy) logTransaction(ctx context.Context, tx *HTTPTransaction, note string) {
	if p.AccessLog != nil {
		p.AccessLog.Log(ctx, tx, note)
	}
}

func (p *Proxy) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// errorResponse builds a plain-text error response.
func errorResponse(req *http.Request, status int, err error) *http.Response {
	body := fmt.Sprintf("Proxy Error: %v", err)
	return &http.Response{
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// writeResponse copies resp onto a server ResponseWriter.
func writeResponse(w http.ResponseWriter, r *http.Request, resp *http.Response) {
	h := w.Header()
	for k, vv := range resp.Header {
		h[k] = append(h[k][:0:0], vv...)
	}
	if resp.ContentLength >= 0 && bodyAllowedForStatus(resp.StatusCode) {
		h.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	if resp.Close && r.ProtoMajor == 1 {
		h.Set("Connection", "close")
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		_, _ = io.Copy(w, resp.Body)
	}
}

func bodyAllowedForStatus(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

// Hop-by-hop headers that should not be forwarded. Upgrade is among them,
// so protocol upgrades such as WebSocket reach the origin as plain requests.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, f := range h["Connection"] {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}
