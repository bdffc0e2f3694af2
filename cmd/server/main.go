// Package main is the entry point for the flagbase edge server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Build the datafile fetcher for the configured source (file, HTTP,
//     PostgreSQL or Redis), running migrations first when asked to.
//  3. Create the evaluation instance, fetching the first datafile.
//  4. Wire up API key auth when API_KEYS is set.
//  5. Start the HTTP server (:8080) and gRPC server (:9090) concurrently,
//     plus an optional tailnet listener for the HTTP API.
//  6. Wait for SIGINT/SIGTERM, then gracefully shut everything down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"
	"tailscale.com/tsnet"

	"github.com/matt-riley/flagbase/internal/config"
	"github.com/matt-riley/flagbase/internal/instance"
	"github.com/matt-riley/flagbase/internal/logging"
	"github.com/matt-riley/flagbase/internal/metrics"
	"github.com/matt-riley/flagbase/internal/middleware"
	"github.com/matt-riley/flagbase/internal/repository"
	"github.com/matt-riley/flagbase/internal/server"
	"github.com/matt-riley/flagbase/internal/source"
	"github.com/matt-riley/flagbase/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.NewWithFormat(cfg.LogLevel, logging.ParseFormat(cfg.LogFormat), os.Stderr)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background(), attribute.String("flagbase.source", string(cfg.Source)))
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	src, err := openSource(ctx, cfg, m, log)
	if err != nil {
		return err
	}
	defer src.close()

	instOpts := []instance.Option{
		instance.WithFetcher(src.fetcher),
		instance.WithRefreshInterval(cfg.RefreshInterval),
		instance.WithLogger(logging.Component(log, "instance")),
		instance.WithRecorder(m),
	}
	if src.invalidator != nil {
		instOpts = append(instOpts, instance.WithInvalidations(src.invalidator))
	}
	inst, err := instance.New(ctx, instOpts...)
	if err != nil {
		return fmt.Errorf("init instance: %w", err)
	}
	defer inst.Close()
	if !inst.IsReady() {
		log.Warn("starting without a datafile; evaluations return defaults until a refresh succeeds")
	}

	validator, err := newTokenValidator(cfg.APIKeys)
	if err != nil {
		return fmt.Errorf("parse API_KEYS: %w", err)
	}

	rateLimiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer rateLimiter.Stop()
	authOpts := []middleware.AuthOption{
		middleware.WithOnAuthFailure(m.IncAuthFailures),
		middleware.WithRateLimiter(rateLimiter),
	}

	apiHandler := server.NewHTTPHandlerWithOptions(inst, m,
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
		server.WithHeartbeatInterval(cfg.StreamHeartbeatInterval),
	)
	httpHandler := middleware.HTTPRequestLogging(log)(newHTTPHandler(apiHandler, validator, authOpts...))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "flagbase-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(unaryInterceptors(log, m, validator, authOpts)...),
		grpc.ChainStreamInterceptor(streamInterceptors(log, m, validator, authOpts)...),
	)
	server.RegisterEvaluationServiceServer(grpcServer, server.NewGRPCServer(inst))

	var tsServer *tsnet.Server
	if cfg.TSHostname != "" {
		tsServer, err = serveTailnet(ctx, cfg, httpServer.Handler, log)
		if err != nil {
			return err
		}
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
	}
	defer grpcListener.Close()

	serveErrCh := make(chan error, 2)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			serveErrCh <- fmt.Errorf("serve gRPC: %w", err)
		}
	}()

	log.Info("server started",
		"http_addr", cfg.HTTPAddr,
		"grpc_addr", cfg.GRPCAddr,
		"source", string(cfg.Source),
		"revision", inst.Revision(),
		"auth", validator != nil,
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	httpShutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		grpcServer.Stop()
	}

	if tsServer != nil {
		tsServer.Close()
	}

	return serveErr
}

// datafileSource is the fetcher for the configured source plus whatever
// connection it holds open.
type datafileSource struct {
	fetcher     source.Fetcher
	invalidator source.Invalidator
	close       func()
}

func openSource(ctx context.Context, cfg config.Config, m *metrics.Metrics, log *slog.Logger) (datafileSource, error) {
	switch cfg.Source {
	case config.SourceFile:
		return datafileSource{fetcher: source.NewFileFetcher(cfg.DatafilePath), close: func() {}}, nil

	case config.SourceHTTP:
		var opts []source.HTTPOption
		if cfg.DatafileURLToken != "" {
			opts = append(opts, source.WithHeader("Authorization", "Bearer "+cfg.DatafileURLToken))
		}
		return datafileSource{fetcher: source.NewHTTPFetcher(cfg.DatafileURL, opts...), close: func() {}}, nil

	case config.SourcePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return datafileSource{}, fmt.Errorf("connect postgres: %w", err)
		}
		if cfg.MigrateOnStart {
			if err := runMigrations(ctx, pool, log); err != nil {
				pool.Close()
				return datafileSource{}, err
			}
		}
		metrics.RegisterPoolMetrics(m.Registry, pool)

		repo := repository.NewPostgresRepository(pool)
		log.Info("datafile source ready", "source", "postgres", "environment", cfg.DatafileEnvironment)
		return datafileSource{
			fetcher:     source.NewPostgresFetcher(repo, cfg.DatafileEnvironment),
			invalidator: repo,
			close:       pool.Close,
		}, nil

	case config.SourceRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return datafileSource{}, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		log.Info("datafile source ready", "source", "redis", "key", cfg.RedisKey)
		return datafileSource{
			fetcher: source.NewRedisFetcher(client, cfg.RedisKey),
			close: func() {
				if err := client.Close(); err != nil {
					log.Warn("redis close error", "error", err)
				}
			},
		}, nil

	default:
		return datafileSource{}, fmt.Errorf("unsupported datafile source %q", cfg.Source)
	}
}

// newTokenValidator returns nil when no API keys are configured, which
// leaves the API open.
func newTokenValidator(apiKeys string) (middleware.TokenValidator, error) {
	keys, err := middleware.ParseAPIKeys(apiKeys)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return middleware.NewStaticKeyValidator(keys), nil
}

// newHTTPHandler puts /v1 behind bearer auth and leaves health and metrics
// public. A nil validator disables auth.
func newHTTPHandler(apiHandler http.Handler, tokenValidator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	protectedAPIHandler := apiHandler
	if tokenValidator != nil {
		protectedAPIHandler = middleware.HTTPBearerAuthMiddleware(tokenValidator, opts...)(apiHandler)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedAPIHandler)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return mux
}

func unaryInterceptors(log *slog.Logger, m *metrics.Metrics, validator middleware.TokenValidator, authOpts []middleware.AuthOption) []grpc.UnaryServerInterceptor {
	interceptors := []grpc.UnaryServerInterceptor{middleware.UnaryRequestLoggingInterceptor(log)}
	if validator != nil {
		interceptors = append(interceptors, middleware.UnaryBearerAuthInterceptor(validator, authOpts...))
	}
	return append(interceptors, m.UnaryServerInterceptor())
}

func streamInterceptors(log *slog.Logger, m *metrics.Metrics, validator middleware.TokenValidator, authOpts []middleware.AuthOption) []grpc.StreamServerInterceptor {
	interceptors := []grpc.StreamServerInterceptor{middleware.StreamRequestLoggingInterceptor(log)}
	if validator != nil {
		interceptors = append(interceptors, middleware.StreamBearerAuthInterceptor(validator, authOpts...))
	}
	return append(interceptors, m.StreamServerInterceptor())
}

// serveTailnet exposes handler on the tailnet under cfg.TSHostname until ctx
// is done.
func serveTailnet(ctx context.Context, cfg config.Config, handler http.Handler, log *slog.Logger) (*tsnet.Server, error) {
	if err := os.MkdirAll(cfg.TSStateDir, 0700); err != nil {
		return nil, fmt.Errorf("create ts-state dir: %w", err)
	}

	tsLog := logging.Component(log, "tailscale")
	tsServer := &tsnet.Server{
		Hostname: cfg.TSHostname,
		AuthKey:  cfg.TSAuthKey,
		Dir:      cfg.TSStateDir,
		Logf:     func(format string, args ...any) { tsLog.Debug(fmt.Sprintf(format, args...)) },
	}

	lis, err := tsServer.Listen("tcp", ":80")
	if err != nil {
		tsServer.Close()
		return nil, fmt.Errorf("listen tailnet: %w", err)
	}
	log.Info("tailnet listener ready", "hostname", cfg.TSHostname, "transport", "tailscale")

	tailnetServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: httpReadHeaderTimeout,
		IdleTimeout:       httpIdleTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tailnetServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("tailnet server shutdown error", "error", err)
		}
	}()
	go func() {
		if err := tailnetServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("tailnet server error", "error", err)
		}
	}()
	return tsServer, nil
}
