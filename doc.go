// Package sentinel is the core of a passive-scanning HTTPS proxy. It
// intercepts TLS with leaf certificates signed on demand by a local CA,
// captures every request and response, lets reviewers or rules edit and
// drop them, and feeds each completed exchange to a pipeline of analysis
// plugins that report deduplicated security findings.
//
// # Architecture
//
// One listener accepts both explicit proxy clients (CONNECT and
// absolute-form requests) and traffic redirected to it by pf or nftables
// (raw TLS and origin-form HTTP). For TLS, the proxy picks the leaf
// certificate from the SNI, falling back to the CONNECT authority, then
// re-originates the request upstream. HTTP/2 is negotiated on both sides.
//
// # Basic Proxy
//
//	ca, err := sentinel.LoadOrCreateCA(sentinel.DefaultCADir(), "Sentinel")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	proxy := sentinel.NewProxy(sentinel.DefaultProxyConfig(), sentinel.NewCertResolver(ca))
//	port, err := proxy.Start(0)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer proxy.Stop()
//
// Start tries ports sequentially from the configured start port and returns
// a *BindError when every attempt fails.
//
// # Analysis Pipeline
//
// Plugins implement [Scanner] or use [ScannerFunc]. Each runs with its own
// timeout; a plugin that fails, panics or times out does not affect the
// others.
//
//	reg := sentinel.NewRegistry()
//	sentinel.RegisterBuiltinPlugins(reg)
//
//	pipeline := sentinel.NewPipeline(reg, sink)
//	pipeline.Start(ctx)
//	proxy.Pipeline = pipeline
//
// Findings with the same signature (plugin, vulnerability type, URL,
// location and title) are reported once. Give the [Deduplicator] a
// [SignatureStore] to keep that across restarts.
//
// # Interception and Editing
//
// An [Interceptor] sees each request before it is forwarded and each
// response before it is returned. Edits are kept beside the original
// capture; the Effective accessors return the edited values.
//
//	queue := sentinel.NewInterceptQueue()
//	queue.SetEnabled(true)
//
//	rules := sentinel.NewRuleEngine(sentinel.NewYAMLRuleLoader("rules.yaml"))
//	rules.Load(ctx)
//
//	proxy.Interceptor = sentinel.ChainInterceptors(rules, queue)
//
// A dropped request is answered with 444 and the connection closed. A
// dropped response is replaced by 204 No Content.
//
// # Transparent Redirection
//
//	proxy.Redirector = sentinel.NewTransparentRedirector(sentinel.RedirectOptions{
//	    ProxyUID: os.Getuid(),
//	})
//	err := proxy.EnableRedirect(ctx, []int{80, 443})
//
// Rules live in a dedicated pf anchor or nftables table and are removed
// again by DisableRedirect or Stop.
//
// # Findings Store
//
//	store, err := sentinel.OpenStore(ctx, "sqlite", "sentinel.db", logger)
//	sink := sentinel.NewAsyncSink(store, sentinel.DefaultSinkBuffer)
//	defer sink.Close()
//
// # Admin API
//
//	admin := sentinel.NewAdminAPI(proxy)
//	http.ListenAndServe("127.0.0.1:4200", admin.Router())
//
// The router serves the control API under /api plus /metrics, /healthz
// and /readyz.
//
// # Configuration
//
// Load configuration from YAML with environment overrides (SENTINEL_
// prefix):
//
//	cfg, err := sentinel.LoadConfig("sentinel.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
//	proxy := sentinel.NewProxy(cfg.ProxyConfig(), resolver)
//
// # SIGHUP Reload
//
//	reloader := sentinel.WatchSIGHUP(sentinel.ReloadRules(rules, metrics), logger)
//	defer reloader.Cancel()
package sentinel
