package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ridedispatch/internal/ride/domain"
)

const defaultKeyPrefix = "dispatch:driver:"

// Membership-checked mutations run as scripts so a driver can never be made
// available without being registered.
var (
	registerScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 1 then
  redis.call('ZADD', KEYS[2], 0, ARGV[1])
end
return 1
`)
	claimDriverScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return -1
end
return redis.call('ZREM', KEYS[2], ARGV[1])
`)
	releaseScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return -1
end
return redis.call('ZADD', KEYS[2], 0, ARGV[1])
`)
)

// RedisRegistry stores availability in Redis so several dispatch processes
// can share one driver pool. Available drivers live in a sorted set with equal
// scores; ZPOPMIN then hands out the lexicographically lowest id atomically.
type RedisRegistry struct {
	client    *redis.Client
	members   string
	available string
	locations string
	located   string
	clock     domain.Clock
}

// NewRedisRegistry constructs the registry under the given key prefix.
func NewRedisRegistry(client *redis.Client, prefix string, clock domain.Clock) *RedisRegistry {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &RedisRegistry{
		client:    client,
		members:   prefix + "all",
		available: prefix + "available",
		locations: prefix + "locs",
		located:   prefix + "loc_at",
		clock:     clock,
	}
}

func (r *RedisRegistry) Register(ctx context.Context, driverID string) error {
	if err := registerScript.Run(ctx, r.client, []string{r.members, r.available}, driverID).Err(); err != nil {
		return fmt.Errorf("%w: redis register: %w", domain.ErrPersistence, err)
	}
	return nil
}

func (r *RedisRegistry) Claim(ctx context.Context) (string, bool, error) {
	popped, err := r.client.ZPopMin(ctx, r.available, 1).Result()
	if err != nil {
		return "", false, fmt.Errorf("%w: redis zpopmin: %w", domain.ErrPersistence, err)
	}
	if len(popped) == 0 {
		claimsTotal.WithLabelValues("none").Inc()
		return "", false, nil
	}
	id, ok := popped[0].Member.(string)
	if !ok {
		return "", false, fmt.Errorf("%w: unexpected member %v", domain.ErrPersistence, popped[0].Member)
	}
	claimsTotal.WithLabelValues("claimed").Inc()
	return id, true, nil
}

func (r *RedisRegistry) ClaimDriver(ctx context.Context, driverID string) error {
	res, err := claimDriverScript.Run(ctx, r.client, []string{r.members, r.available}, driverID).Int64()
	if err != nil {
		return fmt.Errorf("%w: redis claim: %w", domain.ErrPersistence, err)
	}
	switch res {
	case -1:
		return unknownDriver(driverID)
	case 0:
		claimsTotal.WithLabelValues("busy").Inc()
		return domain.ErrNoDriverAvailable
	}
	claimsTotal.WithLabelValues("claimed").Inc()
	return nil
}

func (r *RedisRegistry) Release(ctx context.Context, driverID string) error {
	res, err := releaseScript.Run(ctx, r.client, []string{r.members, r.available}, driverID).Int64()
	if err != nil {
		return fmt.Errorf("%w: redis release: %w", domain.ErrPersistence, err)
	}
	if res == -1 {
		return unknownDriver(driverID)
	}
	if res == 1 {
		releasesTotal.Inc()
	}
	return nil
}

func (r *RedisRegistry) SetLocation(ctx context.Context, driverID string, point domain.GeoPoint) error {
	if err := r.ensureMember(ctx, driverID); err != nil {
		return err
	}
	if err := r.client.GeoAdd(ctx, r.locations, &redis.GeoLocation{Name: driverID, Longitude: point.Lng, Latitude: point.Lat}).Err(); err != nil {
		return fmt.Errorf("%w: redis geoadd: %w", domain.ErrPersistence, err)
	}
	at := r.clock.Now().UnixMilli()
	if err := r.client.HSet(ctx, r.located, driverID, at).Err(); err != nil {
		return fmt.Errorf("%w: redis hset: %w", domain.ErrPersistence, err)
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, driverID string) (domain.Driver, error) {
	if err := r.ensureMember(ctx, driverID); err != nil {
		return domain.Driver{}, err
	}
	return r.load(ctx, driverID)
}

func (r *RedisRegistry) List(ctx context.Context) ([]domain.Driver, error) {
	ids, err := r.client.SMembers(ctx, r.members).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis smembers: %w", domain.ErrPersistence, err)
	}
	sort.Strings(ids)
	out := make([]domain.Driver, 0, len(ids))
	for _, id := range ids {
		d, err := r.load(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *RedisRegistry) ensureMember(ctx context.Context, driverID string) error {
	ok, err := r.client.SIsMember(ctx, r.members, driverID).Result()
	if err != nil {
		return fmt.Errorf("%w: redis sismember: %w", domain.ErrPersistence, err)
	}
	if !ok {
		return unknownDriver(driverID)
	}
	return nil
}

func (r *RedisRegistry) load(ctx context.Context, driverID string) (domain.Driver, error) {
	d := domain.Driver{ID: driverID}
	switch err := r.client.ZScore(ctx, r.available, driverID).Err(); {
	case err == nil:
		d.Available = true
	case !errors.Is(err, redis.Nil):
		return domain.Driver{}, fmt.Errorf("%w: redis zscore: %w", domain.ErrPersistence, err)
	}

	positions, err := r.client.GeoPos(ctx, r.locations, driverID).Result()
	if err != nil {
		return domain.Driver{}, fmt.Errorf("%w: redis geopos: %w", domain.ErrPersistence, err)
	}
	if len(positions) == 1 && positions[0] != nil {
		d.Location = &domain.GeoPoint{Lat: positions[0].Latitude, Lng: positions[0].Longitude}
	}

	raw, err := r.client.HGet(ctx, r.located, driverID).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return domain.Driver{}, fmt.Errorf("%w: redis hget: %w", domain.ErrPersistence, err)
	default:
		if ms, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			at := time.UnixMilli(ms).UTC()
			d.LocationAt = &at
		}
	}
	return d, nil
}
