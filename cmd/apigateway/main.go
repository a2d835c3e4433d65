package main

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/ridedispatch/internal/auth"
	"github.com/example/ridedispatch/internal/config"
	ratelimitmw "github.com/example/ridedispatch/internal/http/middleware"
	"github.com/example/ridedispatch/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("api-gateway")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "api-gateway")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	cfg, err := config.LoadGateway()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	redisClient := newRedisClient(ctx, cfg.RedisAddr, logger)
	defer func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
	}()

	handler, err := newRouter(cfg, redisClient, logger)
	if err != nil {
		logger.Fatal("gateway router", zap.Error(err))
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("api gateway listening", zap.String("addr", srv.Addr), zap.String("dispatch", cfg.DispatchURL))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// newRouter fronts the dispatch service. Rate limiting is skipped when no
// Redis client is available.
func newRouter(cfg config.Gateway, redisClient *redis.Client, logger *zap.Logger) (http.Handler, error) {
	target, err := url.Parse(cfg.DispatchURL)
	if err != nil {
		return nil, err
	}
	limiter := ratelimitmw.NewRateLimiter(redisClient, ratelimitmw.Limits{
		Read:  ratelimitmw.RateConfig{Rate: cfg.Read.RPS, Burst: cfg.Read.Burst},
		Write: ratelimitmw.RateConfig{Rate: cfg.Write.RPS, Burst: cfg.Write.Burst},
		GPS:   ratelimitmw.RateConfig{Rate: cfg.GPS.RPS, Burst: cfg.GPS.Burst},
	}, logger.Named("ratelimit"))

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID, chimiddleware.RealIP, observability.RequestLogger(logger), chimiddleware.Recoverer)
	r.Mount("/observability", observability.MetricsRouter())
	r.Get("/docs/openapi.yaml", openAPIHandler)
	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware, auth.Middleware(cfg.JWTSecret))
		r.Handle("/v1/*", proxy(target, logger))
	})
	return r, nil
}

func proxy(target *url.URL, logger *zap.Logger) http.Handler {
	rp := httputil.NewSingleHostReverseProxy(target)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("dispatch upstream failed", zap.String("path", r.URL.Path), zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"bad_gateway","message":"dispatch service unavailable"}`))
	}
	return rp
}

func newRedisClient(ctx context.Context, addr string, logger *zap.Logger) *redis.Client {
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed", zap.Error(err))
		_ = client.Close()
		return nil
	}
	return client
}
