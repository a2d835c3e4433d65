package middleware

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Scope groups requests that share a token bucket.
type Scope string

const (
	ScopeRead  Scope = "read"
	ScopeWrite Scope = "write"
	ScopeGPS   Scope = "gps"
)

type RateConfig struct {
	Rate  float64
	Burst float64
}

func (c RateConfig) enabled() bool { return c.Rate > 0 && c.Burst > 0 }

// Limits configures each scope. GPS reports arrive far more often than ride
// operations and get their own bucket.
type Limits struct {
	Read  RateConfig
	Write RateConfig
	GPS   RateConfig
}

// RateLimiter is a Redis token bucket per client and scope, shared by every
// gateway replica.
type RateLimiter struct {
	client    *redis.Client
	limits    Limits
	prefix    string
	now       func() time.Time
	logger    *zap.Logger
	luaScript *redis.Script
}

func NewRateLimiter(client *redis.Client, limits Limits, logger *zap.Logger) *RateLimiter {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		client:    client,
		limits:    limits,
		prefix:    "rl",
		now:       time.Now,
		logger:    logger,
		luaScript: redis.NewScript(tokenBucketLua),
	}
}

// ScopeFor classifies a request. GPS ingest is matched by path so report
// retries cannot starve ride operations of their write budget.
func ScopeFor(r *http.Request) Scope {
	if strings.HasPrefix(r.URL.Path, "/v1/gps") && r.Method == http.MethodPost {
		return ScopeGPS
	}
	if isReadMethod(r.Method) {
		return ScopeRead
	}
	return ScopeWrite
}

func (l *RateLimiter) config(scope Scope) RateConfig {
	switch scope {
	case ScopeRead:
		return l.limits.Read
	case ScopeGPS:
		if l.limits.GPS.enabled() {
			return l.limits.GPS
		}
		return l.limits.Write
	default:
		return l.limits.Write
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil || (!l.limits.Read.enabled() && !l.limits.Write.enabled() && !l.limits.GPS.enabled()) {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := ScopeFor(r)
		cfg := l.config(scope)
		if !cfg.enabled() {
			next.ServeHTTP(w, r)
			return
		}
		identifier := clientIdentifier(r)
		if identifier == "" {
			identifier = "anonymous"
		}
		allowed, retryAfter, err := l.allow(r.Context(), scope, identifier, cfg)
		if err != nil {
			l.logger.Error("rate limit check failed", zap.String("scope", string(scope)), zap.Error(err))
			writeLimitError(w, http.StatusInternalServerError, "rate_limit_error", "rate limit unavailable")
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", formatRetryAfter(retryAfter))
			writeLimitError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) allow(ctx context.Context, scope Scope, identifier string, cfg RateConfig) (bool, time.Duration, error) {
	key := strings.Join([]string{l.prefix, string(scope), identifier}, ":")
	result, err := l.luaScript.Run(ctx, l.client, []string{key}, l.now().UnixMilli(), cfg.Rate, cfg.Burst, 1).Result()
	if err != nil {
		return false, 0, fmt.Errorf("token bucket: %w", err)
	}
	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, errors.New("invalid redis response")
	}
	allowedInt, err := toInt64(values[0])
	if err != nil {
		return false, 0, err
	}
	waitSeconds, err := toFloat64(values[1])
	if err != nil {
		return false, 0, err
	}
	if allowedInt != 1 {
		return false, time.Duration(math.Ceil(waitSeconds*1000)) * time.Millisecond, nil
	}
	return true, 0, nil
}

func isReadMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

func clientIdentifier(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

func formatRetryAfter(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

func writeLimitError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":%q,"message":%q}`, code, msg)
}

func toFloat64(v interface{}) (float64, error) {
	switch val := v.(type) {
	case int64:
		return float64(val), nil
	case string:
		return strconv.ParseFloat(val, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func toInt64(v interface{}) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case string:
		return strconv.ParseInt(val, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

// Lua numbers are truncated to integers on the way back to Redis clients, so
// the wait is returned as a string.
const tokenBucketLua = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'timestamp')
local tokens = tonumber(state[1])
local last = tonumber(state[2])

if tokens == nil then
  tokens = capacity
end
if last == nil then
  last = now_ms
end

local delta = now_ms - last
if delta < 0 then
  delta = 0
end
local refill = delta * rate / 1000
if refill > 0 then
  tokens = math.min(capacity, tokens + refill)
  last = now_ms
end

local allowed = tokens >= requested
local wait = 0
if allowed then
  tokens = tokens - requested
else
  wait = (requested - tokens) / rate
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'timestamp', last)
redis.call('PEXPIRE', key, math.ceil((capacity / rate) * 1000))

if allowed then
  return {1, "0"}
end
return {0, tostring(wait)}
`
