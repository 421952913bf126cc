package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/acmacalister/sentinel"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (default: search ./sentinel.yaml, ~/.sentinel/sentinel.yaml, /etc/sentinel/sentinel.yaml)")
		genConfig  = flag.String("gen-config", "", "write an example config file to path and exit")
		printCA    = flag.Bool("print-ca", false, "print the CA certificate PEM and exit")
		port       = flag.Int("port", 0, "preferred proxy port (overrides config)")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *genConfig != "" {
		if err := sentinel.WriteExampleConfig(*genConfig); err != nil {
			fmt.Fprintf(os.Stderr, "generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Generated %s\n", *genConfig)
		return
	}

	cfg, err := sentinel.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if *port != 0 {
		cfg.Proxy.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()
	slog.SetDefault(logger)

	ca, err := sentinel.LoadOrCreateCA(cfg.CADir(), cfg.CA.Organization)
	if err != nil {
		logger.Error("load CA", "error", err, "dir", cfg.CADir())
		os.Exit(1)
	}
	if *printCA {
		_, _ = os.Stdout.Write(ca.CertPEM())
		return
	}
	logger.Info("certificate authority ready", "dir", cfg.CADir(), "fingerprint", ca.Fingerprint())

	if err := run(cfg, ca, logger); err != nil {
		logger.Error("sentinel exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *sentinel.Config, ca *sentinel.CertificateAuthority, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := sentinel.NewMetrics()
	health := sentinel.NewHealthChecker()
	health.SetAlive(true)

	var resolverOpts []sentinel.ResolverOption
	resolverOpts = append(resolverOpts,
		sentinel.WithResolverMetrics(metrics),
		sentinel.WithResolverLogger(logger),
	)
	if cfg.CA.CacheSize > 0 {
		resolverOpts = append(resolverOpts, sentinel.WithCacheSize(cfg.CA.CacheSize))
	}
	if cfg.CA.CacheTTL > 0 {
		resolverOpts = append(resolverOpts, sentinel.WithCacheTTL(cfg.CA.CacheTTL))
	}
	resolver := sentinel.NewCertResolver(ca, resolverOpts...)

	// Findings store and dedup
	store, err := sentinel.OpenStore(ctx, cfg.Store.Driver, cfg.Store.DSN, logger)
	if err != nil {
		return err
	}
	var sink *sentinel.AsyncSink
	dedup := sentinel.NewDeduplicator(nil)
	dedup.Logger = logger
	if store != nil {
		defer store.Close()
		dedup.Store = store
		sink = sentinel.NewAsyncSink(store, cfg.Store.Buffer)
		sink.Metrics = metrics
		sink.Logger = logger
		health.AddCheck("store", func() error {
			pctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return store.Ping(pctx)
		})
		logger.Info("finding store opened", "driver", cfg.Store.Driver)
	}

	// Analysis pipeline
	registry := sentinel.NewRegistry()
	if err := sentinel.RegisterBuiltinPlugins(registry); err != nil {
		return err
	}
	for _, id := range cfg.Pipeline.Disabled {
		if err := registry.SetEnabled(id, false); err != nil {
			return fmt.Errorf("disable plugin: %w", err)
		}
	}
	var pipelineSink sentinel.Sink
	if sink != nil {
		pipelineSink = sink
	}
	pipeline := sentinel.NewPipeline(registry, pipelineSink)
	pipeline.Dedup = dedup
	pipeline.Workers = cfg.Pipeline.Workers
	pipeline.QueueSize = cfg.Pipeline.QueueSize
	if cfg.Pipeline.PluginTimeout > 0 {
		pipeline.PluginTimeout = cfg.Pipeline.PluginTimeout
	}
	pipeline.Metrics = metrics
	pipeline.Logger = logger
	pipeline.Start(ctx)

	// Interception: edit rules run before manual review
	intercepts := sentinel.NewInterceptQueue()
	intercepts.Logger = logger
	if cfg.Intercept.RequestTimeout > 0 {
		intercepts.RequestTimeout = cfg.Intercept.RequestTimeout
	}
	if cfg.Intercept.ResponseTimeout > 0 {
		intercepts.ResponseTimeout = cfg.Intercept.ResponseTimeout
	}
	intercepts.SetEnabled(cfg.Intercept.Enabled)

	interceptors := []sentinel.Interceptor{}
	var rules *sentinel.RuleEngine
	if cfg.Intercept.RulesFile != "" {
		rules = sentinel.NewRuleEngine(sentinel.NewYAMLRuleLoader(cfg.Intercept.RulesFile))
		reload := sentinel.ReloadRules(rules, metrics)
		if err := reload(ctx); err != nil {
			return fmt.Errorf("load edit rules: %w", err)
		}
		logger.Info("edit rules loaded", "file", cfg.Intercept.RulesFile, "rules", rules.Count())
		interceptors = append(interceptors, rules)

		reloader := sentinel.WatchSIGHUP(reload, logger)
		defer reloader.Cancel()
	}
	interceptors = append(interceptors, intercepts)

	// Proxy
	proxy := sentinel.NewProxy(cfg.ProxyConfig(), resolver)
	proxy.Logger = logger
	proxy.Bypass.Logger = logger
	proxy.Metrics = metrics
	proxy.Health = health
	proxy.Pipeline = pipeline
	proxy.Interceptor = sentinel.ChainInterceptors(interceptors...)
	proxy.Redirector = sentinel.NewTransparentRedirector(sentinel.RedirectOptions{
		Interfaces: cfg.Redirect.Interfaces,
		ProxyUID:   os.Getuid(),
		Logger:     logger,
	})
	if cfg.Logging.AccessLog {
		proxy.AccessLog = sentinel.NewTransactionLogger(logger)
	}
	if err := cfg.ConfigureTransport(proxy.Transport); err != nil {
		return err
	}
	health.AddCheck("proxy", proxy.CheckListening)

	listenPort, err := proxy.Start(0)
	if err != nil {
		return err
	}

	if cfg.Redirect.Enabled {
		if err := proxy.EnableRedirect(ctx, cfg.Redirect.Ports); err != nil {
			logger.Error("enable transparent redirection", "error", err)
		}
	}

	// Admin server
	var adminSrv *http.Server
	if cfg.Admin.Enabled {
		admin := sentinel.NewAdminAPI(proxy)
		admin.Logger = logger
		admin.Intercepts = intercepts
		admin.Rules = rules
		admin.RedirectPorts = cfg.Redirect.Ports
		if store != nil {
			admin.Findings = store
		}
		admin.Limiter = sentinel.NewRateLimiter(20, 40)
		defer admin.Limiter.Close()

		adminSrv = &http.Server{
			Addr:              cfg.Admin.Addr,
			Handler:           admin.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		ln, err := net.Listen("tcp", cfg.Admin.Addr)
		if err != nil {
			_ = proxy.Stop()
			return fmt.Errorf("listen admin: %w", err)
		}
		go func() {
			if err := adminSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin server", "error", err)
			}
		}()
	}

	printBanner(cfg, listenPort, ca.Fingerprint(), proxy.Redirecting())

	<-ctx.Done()
	logger.Info("shutting down...")

	if adminSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = adminSrv.Shutdown(sctx)
		cancel()
	}
	// Release any message held for review so sessions can finish.
	intercepts.SetEnabled(false)
	if err := proxy.Stop(); err != nil {
		logger.Error("stop proxy", "error", err)
	}
	pipeline.Close()
	if sink != nil {
		if err := sink.Close(); err != nil {
			logger.Error("flush findings", "error", err)
		}
	}

	logger.Info("stopped",
		"scanned", pipeline.Scanned(),
		"unique_findings", dedup.Len(),
	)
	return nil
}

func newLogger(cfg sentinel.LoggingConfig) (*slog.Logger, func(), error) {
	level, err := sentinel.ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		w       io.Writer
		closeFn = func() {}
	)
	switch cfg.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		lj := &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		w = lj
		closeFn = func() { _ = lj.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closeFn, nil
}

func printBanner(cfg *sentinel.Config, port int, fingerprint string, redirecting bool) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	proxyAddr := net.JoinHostPort(cfg.Proxy.ListenHost, strconv.Itoa(port))

	_, _ = cyan.Println("sentinel passive scanner")
	_, _ = green.Printf("  proxy        %s\n", proxyAddr)
	if cfg.Admin.Enabled {
		_, _ = green.Printf("  admin        http://%s/api/status\n", cfg.Admin.Addr)
	}
	_, _ = green.Printf("  CA           %s\n", fingerprint)
	if !cfg.Proxy.MITM {
		_, _ = yellow.Println("  interception disabled, HTTPS is tunneled without analysis")
	}
	if redirecting {
		_, _ = green.Printf("  redirecting  ports %v\n", cfg.Redirect.Ports)
	} else if cfg.Redirect.Enabled {
		_, _ = yellow.Println("  transparent redirection failed, see log")
	}
	_, _ = yellow.Println("  trust the CA certificate (-print-ca) in your browser or system store")
}
