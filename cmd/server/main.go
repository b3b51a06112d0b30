package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/quotagate/internal/cfg"
	"github.com/keithlinneman/quotagate/internal/detector"
	"github.com/keithlinneman/quotagate/internal/engine"
	"github.com/keithlinneman/quotagate/internal/httpserver"
	"github.com/keithlinneman/quotagate/internal/limiter"
	"github.com/keithlinneman/quotagate/internal/log"
	"github.com/keithlinneman/quotagate/internal/metrics"
	"github.com/keithlinneman/quotagate/internal/monitor"
	"github.com/keithlinneman/quotagate/internal/opshttp"
	"github.com/keithlinneman/quotagate/internal/otelx"
	"github.com/keithlinneman/quotagate/internal/policy"
	"github.com/keithlinneman/quotagate/internal/probe"
	"github.com/keithlinneman/quotagate/internal/prof"
	"github.com/keithlinneman/quotagate/internal/scope"
	"github.com/keithlinneman/quotagate/internal/store"
	v "github.com/keithlinneman/quotagate/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s %s (commit=%s, build_date=%s, go=%s)\n",
			v.AppName, vi.Version, vi.Commit, vi.BuildDate, vi.GoVersion)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix QUOTAGATE_ and validate
	cfg.FillFromEnv(flag.CommandLine, "QUOTAGATE_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:        v.AppName,
		Version:    vi.Version,
		Level:      lvl,
		JsonFormat: conf.LogJSON,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"policy_file", conf.PolicyFile,
		"redis_addr", conf.RedisAddr,
		"enable_pprof", conf.EnablePprof,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
	)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":     v.AppName,
			"version": vi.Version,
			"commit":  vi.Commit,
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we only write to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:  conf.EnableTracing,
		Endpoint: conf.OTLPEndpoint,
		Insecure: true,
		Sample:   conf.TraceSample,
		Service:  v.AppName,
		Version:  vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	m := metrics.New()

	// Load limit policies and bypass lists
	registry, bypass, err := policy.LoadFile(conf.PolicyFile)
	if err != nil {
		L.Error(ctx, err, "failed to load policy file", "path", conf.PolicyFile)
		os.Exit(1)
	}
	L.Info(ctx, "loaded limit policies",
		"policies", registry.Names(),
		"admins", len(bypass.Admins),
		"whitelist_cidrs", len(bypass.CIDRs),
	)

	resolver := scope.NewResolver(ctx, L, bypass)

	// Counter stores: distributed when redis is configured, with transparent
	// failover to in-process counting during an outage.
	memStore := store.NewMemory(ctx)
	var counterStore store.Store = memStore
	var redisStore *store.Redis
	if conf.RedisAddr != "" {
		redisStore = store.NewRedis(store.RedisOptions{
			Addr:     conf.RedisAddr,
			Password: conf.RedisPassword,
			DB:       conf.RedisDB,
			Timeout:  time.Duration(conf.RedisTimeoutMS) * time.Millisecond,
		})
		defer redisStore.Close()

		counterStore = store.NewFailover(redisStore, memStore, L,
			store.WithProbation(time.Duration(conf.ProbationSecs)*time.Second),
			store.WithDegradedHook(m.SetFallbackActive),
			store.WithPrimaryErrorHook(m.IncStoreError),
		)

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisStore.Ping(pingCtx); err != nil {
			// degraded start is allowed, counting begins process-local
			L.Warn(ctx, "counter store unreachable at startup, starting with in-process counting",
				"redis_addr", conf.RedisAddr, "err", err.Error())
		}
		cancel()
	} else {
		L.Info(ctx, "no counter store configured, counting is process-local only")
	}

	lim := limiter.New(counterStore)

	// Monitor consumes decisions and detector events, drives metrics + alerts
	mon := monitor.New(monitor.Thresholds{
		Warning:  conf.WarnThreshold,
		Alert:    conf.AlertThreshold,
		Critical: conf.CriticalThreshold,
	}, m, L,
		monitor.WithCooldown(time.Duration(conf.AlertCooldownSecs)*time.Second),
	)

	// Detector watches for sustained suspicious patterns off the decision path
	th := detector.DefaultThresholds()
	th.RapidRequests = conf.DetectRapidRequests
	th.EndpointFanout = conf.DetectFanout
	th.AuthFailures = conf.DetectAuthFailures
	det := detector.New(ctx, th, mon.OnAlert, L)

	eng := engine.New(ctx, registry, resolver, lim, L,
		engine.WithSinks(det, mon),
		engine.WithDroppedHook(m.IncDroppedObs),
	)

	// setup toggle for server shutdown
	var gate probe.ShutdownGate

	// Readiness is only gated on shutdown: a degraded counter store still
	// serves admission decisions and must keep receiving traffic.
	readiness := probe.Multi(gate.Probe())

	// start public http server with the admission-gated routes
	httpStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		Engine:       eng,
		Identify:     httpserver.DefaultIdentify,
		Authenticate: demoAuthenticator(),
		AuthFailures: det,
		UseRecoverMW: true,
		MetricsMW:    m.Middleware,
		Health:       probe.Static(true, ""),
		Readiness:    readiness,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start http listener")
		os.Exit(1)
	}
	defer func() { _ = httpStop(context.Background()) }()

	// start admin/ops listener for metrics, health, pprof and quota reads
	opsStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      probe.Static(true, ""),
		Readiness:   readiness,
		Monitor:     mon,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	L.Info(ctx, "startup complete")

	// wait for ctrl+c / sigterm
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness to drain connections before the listeners close
	gate.Set("draining")

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(5 * time.Second):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	if err := httpStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "http server shutdown")
	}
	if err := opsStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	stopProf()

	L.Info(context.Background(), "shutdown complete")
}

// demoAuthenticator validates the /login demo endpoint against credentials
// from the environment. With none set every login fails, which still
// exercises the auth-failure detection path.
func demoAuthenticator() func(user, pass string) bool {
	wantUser := os.Getenv("QUOTAGATE_DEMO_USER")
	wantPass := os.Getenv("QUOTAGATE_DEMO_PASSWORD")
	return func(user, pass string) bool {
		if wantUser == "" || wantPass == "" {
			return false
		}
		return user == wantUser && pass == wantPass
	}
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
