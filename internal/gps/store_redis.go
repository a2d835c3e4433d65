package gps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/ridedispatch/internal/ride/domain"
)

const defaultRedisPrefix = "dispatch:gps:"

// appendScript compares observation times inside Redis so concurrent writers
// from any process agree on the latest report. History members carry the
// receive time as a sortable prefix; equal observations keep arrival order.
var appendScript = redis.NewScript(`
local applied = 0
local cur = redis.call('HGET', KEYS[1], 'observed_us')
if not cur or tonumber(ARGV[1]) >= tonumber(cur) then
  redis.call('HSET', KEYS[1], 'observed_us', ARGV[1], 'report', ARGV[2])
  applied = 1
end
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[3])
local limit = tonumber(ARGV[4])
if limit > 0 then
  redis.call('ZREMRANGEBYRANK', KEYS[2], 0, -limit - 1)
end
local ttl = tonumber(ARGV[5])
if ttl > 0 then
  redis.call('EXPIRE', KEYS[1], ttl)
  redis.call('EXPIRE', KEYS[2], ttl)
end
return applied
`)

// RedisStore shares reports between dispatch processes. Keys expire after the
// retention window, so rides that stop reporting clean themselves up.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

func NewRedisStore(client *redis.Client, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, retention: retention}
}

func (s *RedisStore) latestKey(rideID uuid.UUID) string  { return s.prefix + rideID.String() + ":latest" }
func (s *RedisStore) historyKey(rideID uuid.UUID) string { return s.prefix + rideID.String() + ":history" }

func (s *RedisStore) Append(ctx context.Context, report domain.GPSReport, limit int) (bool, error) {
	payload, err := json.Marshal(report)
	if err != nil {
		return false, fmt.Errorf("encode gps report: %w", err)
	}
	member := fmt.Sprintf("%019d|%s", report.ReceivedAt.UnixNano(), payload)
	ttl := int64(s.retention / time.Second)

	applied, err := appendScript.Run(ctx, s.client,
		[]string{s.latestKey(report.RideID), s.historyKey(report.RideID)},
		report.ObservedAt.UnixMicro(), payload, member, limit, ttl).Int()
	if err != nil {
		return false, fmt.Errorf("%w: redis gps append: %w", domain.ErrPersistence, err)
	}
	return applied == 1, nil
}

func (s *RedisStore) Latest(ctx context.Context, rideID uuid.UUID) (domain.GPSReport, error) {
	raw, err := s.client.HGet(ctx, s.latestKey(rideID), "report").Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.GPSReport{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.GPSReport{}, fmt.Errorf("%w: redis gps latest: %w", domain.ErrPersistence, err)
	}
	var report domain.GPSReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return domain.GPSReport{}, fmt.Errorf("%w: decode gps report: %w", domain.ErrPersistence, err)
	}
	return report, nil
}

func (s *RedisStore) History(ctx context.Context, rideID uuid.UUID, limit int) ([]domain.GPSReport, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	members, err := s.client.ZRange(ctx, s.historyKey(rideID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis gps history: %w", domain.ErrPersistence, err)
	}
	history := make([]domain.GPSReport, 0, len(members))
	for _, m := range members {
		_, payload, ok := strings.Cut(m, "|")
		if !ok {
			continue
		}
		var report domain.GPSReport
		if err := json.Unmarshal([]byte(payload), &report); err != nil {
			return nil, fmt.Errorf("%w: decode gps report: %w", domain.ErrPersistence, err)
		}
		history = append(history, report)
	}
	return history, nil
}

// Prune is a no-op; keys expire on their own after the retention window.
func (s *RedisStore) Prune(context.Context, time.Time) (int, error) {
	return 0, nil
}
