package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/ridedispatch/internal/config"
	"github.com/example/ridedispatch/internal/gps"
	"github.com/example/ridedispatch/internal/notify"
	outboxworker "github.com/example/ridedispatch/internal/outbox"
	"github.com/example/ridedispatch/internal/ride/dispatch"
	"github.com/example/ridedispatch/internal/ride/domain"
	"github.com/example/ridedispatch/internal/ride/handler"
	"github.com/example/ridedispatch/internal/ride/lifecycle"
	"github.com/example/ridedispatch/internal/ride/registry"
	"github.com/example/ridedispatch/internal/ride/repository"
	"github.com/example/ridedispatch/pkg/observability"
	outboxpkg "github.com/example/ridedispatch/pkg/outbox"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("dispatch-service")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "dispatch-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	cfg, err := config.LoadDispatch()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("dispatchservice")); err == nil {
			natsConn = conn
			defer conn.Drain()
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	clock := domain.SystemClock{}
	rides, idem := buildStores(ctx, db, redisClient, cfg, logger)
	drivers := buildRegistry(redisClient, cfg, clock)
	for _, id := range cfg.SeedDrivers {
		if err := drivers.Register(ctx, id); err != nil {
			logger.Fatal("seed driver", zap.String("driver_id", id), zap.Error(err))
		}
	}

	hub := notify.NewHub(logger.Named("ws"))
	sinks, closeSinks := buildSinks(ctx, db, natsConn, hub, cfg, logger)
	events := notify.NewAsync(sinks, cfg.NotifyBuffer, logger.Named("notify"))

	machine := lifecycle.New(rides, drivers, events, clock, logger.Named("lifecycle"))
	matcher := dispatch.New(drivers, rides, machine, events, clock, logger.Named("dispatch"))
	if released, err := matcher.Reconcile(ctx); err != nil {
		logger.Error("reconcile drivers", zap.Int("released", released), zap.Error(err))
	} else if released > 0 {
		logger.Info("reconciled drivers", zap.Int("released", released))
	}

	var gpsSink gps.Sink
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink := gps.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaGPSTopic, logger.Named("kafka"))
		defer kafkaSink.Close()
		gpsSink = kafkaSink
	}
	ingest := gps.New(rides, buildGPSStore(ctx, db, redisClient, cfg, logger), drivers, gpsSink, clock, logger.Named("gps"), gps.Config{
		HistoryLimit: cfg.GPSHistoryLimit,
		Retention:    cfg.GPSRetention,
	})
	go ingest.Run(ctx, time.Minute)

	rideHTTP := handler.NewHTTP(handler.Deps{
		Matcher:     matcher,
		Machine:     machine,
		Rides:       rides,
		Registry:    drivers,
		GPS:         ingest,
		Hub:         hub,
		Idempotency: idem,
		JWTSecret:   cfg.JWTSecret,
		Logger:      logger,
	})

	r := chi.NewRouter()
	r.Mount("/", rideHTTP.Router())
	r.Mount("/observability", observability.MetricsRouter())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("dispatch service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	var grpcServer *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Fatal("grpc listen", zap.Error(err))
		}
		grpcServer = gps.NewGRPCServer(ingest, logger.Named("grpc"))
		go func() {
			logger.Info("gps stream listening", zap.String("addr", cfg.GRPCAddr))
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				logger.Error("grpc server", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			grpcServer.Stop()
		}
	}
	if err := events.Close(shutdownCtx); err != nil {
		logger.Warn("notification drain incomplete", zap.Error(err))
	}
	closeSinks()
}

func buildStores(ctx context.Context, db *sql.DB, redisClient *redis.Client, cfg config.Dispatch, logger *zap.Logger) (domain.RideStore, domain.IdempotencyRepository) {
	var idem domain.IdempotencyRepository = repository.NewMemoryIdempotencyRepo(cfg.IdempotencyTTL)
	if redisClient != nil {
		idem = repository.NewRedisIdempotencyRepo(redisClient, cfg.IdempotencyTTL)
	}
	if db == nil {
		logger.Warn("no database configured, rides are kept in memory")
		return repository.NewMemoryStore(), idem
	}
	store := repository.NewPostgresStore(db)
	if err := store.Migrate(ctx); err != nil {
		logger.Fatal("migrate rides", zap.Error(err))
	}
	return store, idem
}

// buildGPSStore shares reports between processes whenever a backing store is
// configured, preferring the database.
func buildGPSStore(ctx context.Context, db *sql.DB, redisClient *redis.Client, cfg config.Dispatch, logger *zap.Logger) gps.Store {
	switch {
	case db != nil:
		store := gps.NewPostgresStore(db)
		if err := store.Migrate(ctx); err != nil {
			logger.Fatal("migrate gps", zap.Error(err))
		}
		return store
	case redisClient != nil:
		return gps.NewRedisStore(redisClient, "", cfg.GPSRetention)
	default:
		return gps.NewMemoryStore()
	}
}

func buildRegistry(redisClient *redis.Client, cfg config.Dispatch, clock domain.Clock) domain.Registry {
	if redisClient == nil {
		return registry.NewMemoryRegistry(clock)
	}
	return registry.NewRedisRegistry(redisClient, cfg.RedisPrefix, clock)
}

// buildSinks assembles the notification fan-out. With a database, events go
// through the ride_events table and the worker forwards them to NATS; otherwise
// they are published to NATS directly.
func buildSinks(ctx context.Context, db *sql.DB, natsConn *nats.Conn, hub *notify.Hub, cfg config.Dispatch, logger *zap.Logger) (notify.Fanout, func()) {
	sinks := notify.Fanout{hub}
	closers := []func(){}

	if db != nil {
		writer := outboxworker.NewWriter(db)
		if err := writer.Migrate(ctx); err != nil {
			logger.Fatal("migrate outbox", zap.Error(err))
		}
		sinks = append(sinks, writer)
		if natsConn != nil {
			worker := outboxworker.NewWorker(db, natsConn, logger.Named("outbox"), outboxworker.WorkerConfig{
				SubjectPrefix: cfg.NATSSubject,
				PollInterval:  cfg.OutboxPoll,
				BatchSize:     cfg.OutboxBatch,
				RetryMax:      cfg.OutboxRetry,
			})
			go func() {
				if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("outbox worker stopped", zap.Error(err))
				}
			}()
		} else {
			logger.Warn("outbox worker disabled", zap.Bool("nats", false))
		}
	} else if natsConn != nil {
		sinks = append(sinks, outboxpkg.NewPublisher(natsConn, cfg.NATSSubject))
	}

	if cfg.AMQPURL != "" {
		amqpPub, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Warn("amqp publisher disabled", zap.Error(err))
		} else {
			sinks = append(sinks, amqpPub)
			closers = append(closers, func() { _ = amqpPub.Close() })
		}
	}

	return sinks, func() {
		for _, c := range closers {
			c()
		}
	}
}
