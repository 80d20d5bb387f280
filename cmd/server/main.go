// Guardian triages wearable glucose and heart-rate readings, raises
// emergency alerts, and investigates soft risk signals before they become
// emergencies.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	gc "github.com/linnemanlabs/guardian/internal/cfg"
	"github.com/linnemanlabs/guardian/internal/intake/mqttintake"
	"github.com/linnemanlabs/guardian/internal/ingestapi"
	"github.com/linnemanlabs/guardian/internal/investigation"
	"github.com/linnemanlabs/guardian/internal/notify/slack"
	"github.com/linnemanlabs/guardian/internal/postgres"
	"github.com/linnemanlabs/guardian/internal/resilient"
	"github.com/linnemanlabs/guardian/internal/triage"
)

const appName = "guardian"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    gc.Config
		thCfg     triage.Thresholds
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	thCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix GUARDIAN_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "GUARDIAN_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		thCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"trace_insecure", traceCfg.Insecure,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pyro_server", profCfg.PyroServer,
		"pyro_tenant", profCfg.PyroTenantID,
		"include_error_links", logCfg.IncludeErrorLinks,
		"max_error_links", logCfg.MaxErrorLinks,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
		"workers", appCfg.Workers,
		"shards", appCfg.Shards,
		"reasoning_enabled", appCfg.ClaudeAPIKey != "",
		"claude_model", appCfg.ClaudeModel,
		"mqtt_enabled", appCfg.MQTTBroker != "",
		"redis_enabled", appCfg.RedisAddr != "",
		"postgres_enabled", appCfg.DatabaseURL != "",
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	// Start profiling, returns a stop function to call for clean shutdown (flush buffers, etc)
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function to call for clean shutdown (flush buffers, etc)
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	} else {
		shutdownOtelx = func(context.Context) error { return nil }
	}

	// link spans to pyroscope profiles so a slow investigation span opens its flame graph
	if profErr == nil && profCfg.EnablePyroscope {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Initialize the store (readings, reference data, interventions, degradation log)
	st, closeStore, err := openStore(ctx, &appCfg, L)
	if err != nil {
		return err
	}
	defer closeStore()

	// Register per-query DB duration histogram and wire the observer.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "guardian_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))

	// Initialize the investigation queue
	queue, closeQueue, err := openQueue(ctx, &appCfg, L)
	if err != nil {
		return err
	}
	defer closeQueue()

	// Upstream calls share one retry policy and degradation log; reasoning gets a longer timeout.
	upstreamMetrics := resilient.NewMetrics(m.Registry())
	caller := resilient.New(upstreamPolicy(&appCfg), st, L, upstreamMetrics.Hooks())

	// Context tools: local resolvers unless a remote tool URL is configured
	locationTool, historyTool, registry := contextTools(&appCfg, st)
	L.Info(ctx, "context tools ready",
		"location", toolMode(appCfg.LocationToolURL),
		"history", toolMode(appCfg.HistoryToolURL),
		"serving", appCfg.ServeTools,
		"registered", registry.Names(),
	)

	// Reasoning provider (nil = rule-based classification only)
	reasoner, composer := reasoningProviders(&appCfg)
	if reasoner == nil {
		L.Warn(ctx, "no claude-api-key configured, classifying with fallback rule only")
	} else {
		L.Info(ctx, "initialized LLM provider", "provider", "claude", "model", appCfg.ClaudeModel, "compose_messages", composer != nil)
	}

	// Slack serves both subject notifications and emergency alerts, log only without a webhook
	notifier := slack.New(appCfg.SlackWebhookURL, L)
	if appCfg.SlackWebhookURL != "" {
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	// Investigation pipeline: gather -> classify -> communicate
	invMetrics := investigation.NewMetrics(m.Registry())
	orchestrator := investigation.NewOrchestrator(
		investigation.NewGatherer(locationTool, historyTool, caller, L),
		investigation.NewClassifier(reasoner, caller.WithPolicy(reasoningPolicy(&appCfg)), classifierConfig(&appCfg), L, invMetrics.ClassifierHooks()),
		investigation.NewCommunicator(notifier, st, composer, caller, L),
		L,
		invMetrics.OrchestratorHooks(),
	)
	workerPool := investigation.NewPool(queue, orchestrator, appCfg.Workers, L)

	// Workers get their own context so shutdown can stop them after intake has drained.
	poolCtx, stopPool := context.WithCancel(log.WithContext(context.WithoutCancel(ctx), L))
	defer stopPool()
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		workerPool.Run(poolCtx)
	}()
	stopWorkers := func(sctx context.Context) error {
		stopPool()
		select {
		case <-poolDone:
			return nil
		case <-sctx.Done():
			return sctx.Err()
		}
	}

	// Triage intake: persist -> window -> evaluate -> alert or enqueue
	windows := triage.NewWindowStore(appCfg.Shards, thCfg.WindowMaxLen, thCfg.SlopeWindow)
	// drop windows of subjects that stopped reporting
	go windows.RunSweeper(ctx, thCfg.SlopeWindow)
	triageMetrics := triage.NewMetrics(m.Registry(), windows)
	triageSvc := triage.NewService(st, windows, triage.NewEvaluator(thCfg), notifier, queue, caller, L, triageMetrics.Hooks())
	dispatcher := triage.NewDispatcher(triageSvc, appCfg.Shards, appCfg.ShardDepth, L)
	dispatcher.Start(ctx)

	// MQTT intake feeds the same dispatcher as HTTP
	var mqttStop = func(context.Context) error { return nil }
	if appCfg.MQTTBroker != "" {
		sub := mqttintake.New(mqttintake.Config{
			Broker:   appCfg.MQTTBroker,
			ClientID: appCfg.MQTTClientID,
			Username: appCfg.MQTTUsername,
			Password: appCfg.MQTTPassword,
			Topic:    appCfg.MQTTTopic,
			QoS:      byte(appCfg.MQTTQoS), //nolint:gosec // G115: bounded by Validate
		}, dispatcher, L)
		if err := sub.Start(ctx); err != nil {
			L.Error(ctx, err, "failed to start mqtt intake", "broker", appCfg.MQTTBroker)
			return err
		}
		mqttStop = func(context.Context) error {
			sub.Stop()
			return nil
		}
		L.Info(ctx, "mqtt intake subscribed", "broker", appCfg.MQTTBroker, "topic", appCfg.MQTTTopic)
	}

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	// setup readiness checks, currently just the shutdown gate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// start admin/ops listener. sg restricts inbound to internal monitoring infrastructure.
	// we reject connections from public ips and requests with x-forwarded set in middleware
	// to prevent accidental exposure if sg is misconfigured or load balancer ever sends traffic here
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// setup main api chi router and middleware stack
	r := chi.NewRouter()

	// Compress text responses (we are JSON only for now)
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Label DB queries with the HTTP method and summarize per-request DB usage
	r.Use(postgres.RequestStats)

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Limit request body size, this is a wrapper around http.MaxBytesHandler which returns 413 if limit is exceeded
	r.Use(httpmw.MaxBody(1024 * 64)) // 64KB to start with may adjust after i see real traffic

	// add health check endpoints to main listener
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// register api routes
	api := ingestapi.New(L, dispatcher, triageSvc, st, appCfg.APIToken)
	api.RegisterRoutes(r)
	if appCfg.APIToken == "" {
		L.Warn(ctx, "no api-token configured, /api/v1 is unauthenticated")
	}

	// serve the local context tools to other instances
	if appCfg.ServeTools {
		registry.Routes(r)
	}

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response, innermost is last to see request and first to see response but
	// has access to the full rich context from outer middleware and handlers
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		// WithPublicEndpointFn is the replacement for WithPublicEndpoint()
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// Metrics middleware for prometheus instrumentation
	h = m.Middleware(h)

	// Client IP resolution and spoofing protection middleware, outer so downstream middleware
	// and handlers can use the resolved client ip from context for consistency and security
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h) // request ID

	// Recovery middleware to recover and log panics and serve 500 response.
	// Outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	// Configure http server options from config
	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	// Start API HTTP server with middleware and handlers
	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	// worst case on failure systemd kills the process after its start timeout
	notifyState(ctx, L, "READY=1\nSTATUS=accepting readings")

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")
	notifyState(context.Background(), L, "STOPPING=1\nSTATUS=draining intake")

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Wait for in-flight requests to finish and for load balancer
	// to detect unhealthy and stop sending new requests.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	// stopProf is synchronous and needs no context, so it's excluded.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	// intake first, then readings still buffered in shards, then investigations in flight
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"mqtt intake", mqttStop},
		{"triage dispatcher", dispatcher.Stop},
		{"investigation workers", stopWorkers},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// errNoNotifySocket means the process was not started by systemd with Type=notify.
var errNoNotifySocket = errors.New("NOTIFY_SOCKET not set")

// sdNotify sends newline-separated state assignments to systemd.
func sdNotify(state string) error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return errNoNotifySocket
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd, unixgram dial has no context variant
	if err != nil {
		return fmt.Errorf("sd_notify %q: dial: %w", state, err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte(state)); err != nil {
		return fmt.Errorf("sd_notify %q: write: %w", state, err)
	}
	return nil
}

// notifyState reports a lifecycle transition to systemd, staying quiet when
// not running under it.
func notifyState(ctx context.Context, L log.Logger, state string) {
	if err := sdNotify(state); err != nil && !errors.Is(err, errNoNotifySocket) {
		L.Warn(ctx, "systemd notify failed", "state", state, "error", err)
	}
}

func toolMode(url string) string {
	if url == "" {
		return "local"
	}
	return "remote"
}
