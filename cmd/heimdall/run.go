package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/eugener/heimdall/internal/adapter"
	"github.com/eugener/heimdall/internal/auth"
	"github.com/eugener/heimdall/internal/cache"
	"github.com/eugener/heimdall/internal/config"
	"github.com/eugener/heimdall/internal/invoke"
	"github.com/eugener/heimdall/internal/ippolicy"
	"github.com/eugener/heimdall/internal/ratelimit"
	"github.com/eugener/heimdall/internal/registry"
	"github.com/eugener/heimdall/internal/route"
	"github.com/eugener/heimdall/internal/server"
	"github.com/eugener/heimdall/internal/store"
	"github.com/eugener/heimdall/internal/store/sqlite"
	"github.com/eugener/heimdall/internal/telemetry"
	"github.com/eugener/heimdall/internal/validate"
	"github.com/eugener/heimdall/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting heimdall", "version", version, "addr", cfg.Server.Addr)
	ctx := context.Background()

	// Document store
	var st store.Store
	var memStore *store.Memory
	switch cfg.Store.Backend {
	case "sqlite":
		st, err = sqlite.New(cfg.Store.DSN)
		if err != nil {
			return err
		}
	default:
		memStore, err = store.NewMemory(cfg.Store.DumpPath, cfg.Store.EncryptionKey)
		if err != nil {
			return err
		}
		if err := memStore.Restore(); err != nil {
			return err
		}
		st = memStore
	}
	defer st.Close()

	if err := config.Bootstrap(ctx, st, os.Getenv("ADMIN_PASSWORD")); err != nil {
		return err
	}

	// Policy cache
	var c cache.Cache
	var memCache *cache.Memory
	if cfg.Cache.Backend == "redis" {
		c = cache.NewRedis(cfg.Cache.RedisAddr, cfg.Cache.RedisPass, cfg.Cache.RedisDB)
	} else {
		memCache = cache.NewMemory(cfg.Cache.MaxSize)
		c = memCache
	}

	reg := registry.New(st, c)

	// Identity services
	tokens, err := auth.NewTokenService(cfg.Auth.VerificationSecrets(), cfg.Auth.TokenTTL, c)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTRSAKey != "" {
		if err := tokens.UseRSAKey([]byte(cfg.Auth.JWTRSAKey)); err != nil {
			return err
		}
	}
	mfa := auth.NewMFAService(reg, "Heimdall")
	login := auth.NewLogin(reg, tokens, mfa)
	cookies := auth.CookiePolicy{
		SameSite: auth.ParseSameSite(cfg.Auth.CookieSameSite),
		Secure:   cfg.Server.HTTPSEnabled,
		Domain:   cfg.Auth.CookieDomain,
	}

	// Observability
	promReg := prometheus.NewRegistry()
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		metrics = telemetry.NewMetrics(promReg)
		metricsHandler = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, telemetry.TracingOptions{
			Endpoint:       cfg.Telemetry.Tracing.Endpoint,
			SampleRate:     cfg.Telemetry.Tracing.SampleRate,
			ServiceVersion: version,
		})
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(shutdownCtx) //nolint:errcheck
		}()
	}

	// Upstream plumbing
	resolver := &dnscache.Resolver{}
	var breakers *invoke.BreakerRegistry
	if cfg.Breaker.Enabled {
		breakers = invoke.NewBreakerRegistry(invoke.BreakerConfig{
			Threshold: cfg.Breaker.Threshold,
			Cooldown:  cfg.Breaker.Cooldown,
		})
		if metrics != nil {
			breakers.OnTransition = func(key string, _, to invoke.State) {
				metrics.BreakerTransitions.WithLabelValues(key, to.String()).Inc()
			}
		}
	}
	invoker := invoke.NewInvoker(resolver, breakers,
		invoke.Timeouts{
			Connect: cfg.Upstream.ConnectTimeout,
			Read:    cfg.Upstream.ReadTimeout,
			Write:   cfg.Upstream.WriteTimeout,
		},
		invoke.RetryPolicy{
			Max:        cfg.Upstream.RetryCount,
			Backoff:    cfg.Upstream.RetryBackoff,
			BackoffCap: cfg.Upstream.RetryBackoffCap,
		})

	selector := route.NewSelector(reg)
	selector.ContainerHost = os.Getenv("CONTAINER_HOST")

	grpcAdapter := adapter.NewGRPC()
	defer grpcAdapter.Close()
	if path := os.Getenv("GRPC_DESCRIPTOR_SET"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := grpcAdapter.RegisterDescriptors(raw); err != nil {
			return err
		}
		slog.Info("loaded gRPC descriptors", "path", path)
	}

	handler := server.New(server.Deps{
		Registry:  reg,
		Tokens:    tokens,
		MFA:       mfa,
		Login:     login,
		Cookies:   cookies,
		Limiter:   ratelimit.NewLimiter(c),
		Throttler: ratelimit.NewThrottler(),
		Credits:   ratelimit.NewCredits(st),
		IP:        &ippolicy.Checker{LocalhostBypass: cfg.Server.LocalhostIPBypass},
		Selector:  selector,
		Invoker:   invoker,
		GraphQL:   &adapter.GraphQL{Cache: c, MaxDepth: 10, MaxFields: 200},
		GRPC:      grpcAdapter,
		Validator: validate.New(st),

		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		ReadyCheck: func(ctx context.Context) error {
			_, err := st.Count(ctx, store.CollUsers, nil)
			return err
		},

		Options: server.Options{
			StrictEnvelope:   cfg.Server.StrictEnvelope,
			StrictOptions405: cfg.Server.StrictOptions405,
			CORS: server.CORSOptions{
				AllowedOrigins:   cfg.CORS.AllowedOrigins,
				AllowMethods:     cfg.CORS.AllowMethods,
				AllowHeaders:     cfg.CORS.AllowHeaders,
				AllowCredentials: cfg.CORS.AllowCredentials,
				Strict:           cfg.CORS.Strict,
			},
		},
	})

	// Background workers
	var workers []worker.Worker
	if memCache != nil {
		workers = append(workers, worker.NewCounterSweeper(memCache))
	}
	if breakers != nil {
		workers = append(workers, worker.NewBreakerJanitor(breakers))
	}
	if memStore != nil && cfg.Store.DumpPath != "" {
		workers = append(workers, worker.NewSnapshotWriter(memStore, cfg.Store.DumpInterval))
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workersDone := make(chan error, 1)
	go func() {
		workersDone <- worker.NewRunner(workers...).Run(workerCtx)
	}()

	// DNS cache refresh
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				resolver.Refresh(true)
			case <-workerCtx.Done():
				return
			}
		}
	}()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.Server.HTTPSEnabled && cfg.Server.CertFile != "" {
			err = srv.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("heimdall ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		stopWorkers()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	stopWorkers()
	<-workersDone

	slog.Info("heimdall stopped")
	return nil
}
