package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Dispatch configures the dispatch service. Every backend is optional: with
// no DSN or Redis address the service runs on in-memory stores.
type Dispatch struct {
	HTTPAddr        string
	GRPCAddr        string
	PostgresDSN     string
	RedisAddr       string
	RedisPrefix     string
	NATSURL         string
	NATSSubject     string
	KafkaBrokers    []string
	KafkaGPSTopic   string
	AMQPURL         string
	AMQPExchange    string
	JWTSecret       string
	GPSHistoryLimit int
	GPSRetention    time.Duration
	NotifyBuffer    int
	IdempotencyTTL  time.Duration
	OutboxPoll      time.Duration
	OutboxBatch     int
	OutboxRetry     int
	SeedDrivers     []string
	ShutdownTimeout time.Duration
}

// Gateway configures the API gateway.
type Gateway struct {
	Addr            string
	DispatchURL     string
	RedisAddr       string
	JWTSecret       string
	Read            Rate
	Write           Rate
	GPS             Rate
	ShutdownTimeout time.Duration
}

type Rate struct {
	RPS   float64
	Burst float64
}

func defaultDispatch() Dispatch {
	return Dispatch{
		HTTPAddr:        ":8080",
		GRPCAddr:        ":9090",
		RedisPrefix:     "dispatch:driver:",
		NATSSubject:     "rides",
		KafkaGPSTopic:   "gps.reports",
		AMQPExchange:    "ride_events",
		GPSHistoryLimit: 500,
		GPSRetention:    24 * time.Hour,
		NotifyBuffer:    256,
		IdempotencyTTL:  24 * time.Hour,
		OutboxPoll:      200 * time.Millisecond,
		OutboxBatch:     100,
		OutboxRetry:     3,
		ShutdownTimeout: 10 * time.Second,
	}
}

// LoadDispatch reads the dispatch service environment. All problems are
// reported together.
func LoadDispatch() (Dispatch, error) {
	cfg := defaultDispatch()
	var errs []error

	setString(&cfg.HTTPAddr, "HTTP_ADDR")
	setString(&cfg.GRPCAddr, "GRPC_ADDR")
	cfg.PostgresDSN = firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	setString(&cfg.RedisPrefix, "REDIS_PREFIX")
	cfg.NATSURL = strings.TrimSpace(os.Getenv("NATS_URL"))
	setString(&cfg.NATSSubject, "NATS_SUBJECT")
	cfg.KafkaBrokers = splitAndTrim(os.Getenv("KAFKA_BROKERS"))
	setString(&cfg.KafkaGPSTopic, "KAFKA_GPS_TOPIC")
	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setString(&cfg.AMQPExchange, "AMQP_EXCHANGE")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setInt(&cfg.GPSHistoryLimit, "GPS_HISTORY_LIMIT", &errs)
	setDuration(&cfg.GPSRetention, "GPS_RETENTION", &errs)
	setInt(&cfg.NotifyBuffer, "NOTIFY_BUFFER", &errs)
	setDuration(&cfg.IdempotencyTTL, "IDEMPOTENCY_TTL", &errs)
	setMillis(&cfg.OutboxPoll, "OUTBOX_POLL_MS", &errs)
	setInt(&cfg.OutboxBatch, "OUTBOX_BATCH", &errs)
	setInt(&cfg.OutboxRetry, "OUTBOX_RETRY_MAX", &errs)
	cfg.SeedDrivers = splitAndTrim(os.Getenv("SEED_DRIVERS"))
	setDuration(&cfg.ShutdownTimeout, "SHUTDOWN_TIMEOUT", &errs)

	if cfg.GPSHistoryLimit <= 0 {
		errs = append(errs, errors.New("GPS_HISTORY_LIMIT must be > 0"))
	}
	if cfg.GPSRetention <= 0 {
		errs = append(errs, errors.New("GPS_RETENTION must be > 0"))
	}
	if cfg.NotifyBuffer <= 0 {
		errs = append(errs, errors.New("NOTIFY_BUFFER must be > 0"))
	}
	if cfg.OutboxBatch <= 0 {
		errs = append(errs, errors.New("OUTBOX_BATCH must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

// LoadGateway reads the gateway environment.
func LoadGateway() (Gateway, error) {
	cfg := Gateway{
		Addr:            ":8000",
		DispatchURL:     "http://localhost:8080",
		Read:            Rate{RPS: 20, Burst: 40},
		Write:           Rate{RPS: 5, Burst: 10},
		GPS:             Rate{RPS: 2, Burst: 10},
		ShutdownTimeout: 10 * time.Second,
	}
	var errs []error
	setString(&cfg.Addr, "GATEWAY_ADDR")
	setString(&cfg.DispatchURL, "DISPATCH_SERVICE_URL")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setFloat(&cfg.Read.RPS, "RATE_READ_RPS", &errs)
	setFloat(&cfg.Read.Burst, "RATE_READ_BURST", &errs)
	setFloat(&cfg.Write.RPS, "RATE_WRITE_RPS", &errs)
	setFloat(&cfg.Write.Burst, "RATE_WRITE_BURST", &errs)
	setFloat(&cfg.GPS.RPS, "RATE_GPS_RPS", &errs)
	setFloat(&cfg.GPS.Burst, "RATE_GPS_BURST", &errs)
	setDuration(&cfg.ShutdownTimeout, "SHUTDOWN_TIMEOUT", &errs)

	if !strings.HasPrefix(cfg.DispatchURL, "http://") && !strings.HasPrefix(cfg.DispatchURL, "https://") {
		errs = append(errs, fmt.Errorf("DISPATCH_SERVICE_URL must be an http(s) url, got %q", cfg.DispatchURL))
	}
	return cfg, errors.Join(errs...)
}

func setString(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func setInt(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*target = n
	}
}

func setFloat(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*target = f
	}
}

func setDuration(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*target = d
	}
}

func setMillis(target *time.Duration, key string, errs *[]error) {
	var ms int
	setInt(&ms, key, errs)
	if ms > 0 {
		*target = time.Duration(ms) * time.Millisecond
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
