package registry_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/ridedispatch/internal/ride/domain"
	"github.com/example/ridedispatch/internal/ride/registry"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client
}

func implementations(t *testing.T) map[string]func() domain.Registry {
	clock := fixedClock{t: time.Unix(1700000000, 0).UTC()}
	return map[string]func() domain.Registry{
		"memory": func() domain.Registry { return registry.NewMemoryRegistry(clock) },
		"redis":  func() domain.Registry { return registry.NewRedisRegistry(newRedisClient(t), "", clock) },
	}
}

func TestClaimPicksLowestAvailableID(t *testing.T) {
	for name, build := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := build()
			for _, id := range []string{"d3", "d1", "d2"} {
				require.NoError(t, reg.Register(ctx, id))
			}

			for _, want := range []string{"d1", "d2", "d3"} {
				id, ok, err := reg.Claim(ctx)
				require.NoError(t, err)
				require.True(t, ok)
				require.Equal(t, want, id)
			}

			_, ok, err := reg.Claim(ctx)
			require.NoError(t, err)
			require.False(t, ok, "claim must report none instead of waiting")

			require.NoError(t, reg.Release(ctx, "d2"))
			id, ok, err := reg.Claim(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "d2", id)
		})
	}
}

func TestConcurrentClaimsNeverShareADriver(t *testing.T) {
	for name, build := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := build()
			const drivers = 10
			for i := 0; i < drivers; i++ {
				require.NoError(t, reg.Register(ctx, fmt.Sprintf("driver-%02d", i)))
			}

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				claimed = make(map[string]int)
				misses  int
			)
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					id, ok, err := reg.Claim(ctx)
					require.NoError(t, err)
					mu.Lock()
					defer mu.Unlock()
					if !ok {
						misses++
						return
					}
					claimed[id]++
				}()
			}
			wg.Wait()

			require.Len(t, claimed, drivers)
			for id, n := range claimed {
				require.Equal(t, 1, n, "driver %s claimed twice", id)
			}
			require.Equal(t, 40, misses)
		})
	}
}

func TestReleaseIsIdempotentAndRejectsUnknown(t *testing.T) {
	for name, build := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := build()
			require.NoError(t, reg.Register(ctx, "d1"))

			require.NoError(t, reg.Release(ctx, "d1"))
			require.NoError(t, reg.Release(ctx, "d1"))
			d, err := reg.Get(ctx, "d1")
			require.NoError(t, err)
			require.True(t, d.Available)

			require.ErrorIs(t, reg.Release(ctx, "ghost"), domain.ErrNotFound)
		})
	}
}

func TestClaimDriver(t *testing.T) {
	for name, build := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := build()
			require.NoError(t, reg.Register(ctx, "d1"))

			require.NoError(t, reg.ClaimDriver(ctx, "d1"))
			require.ErrorIs(t, reg.ClaimDriver(ctx, "d1"), domain.ErrNoDriverAvailable)
			err := reg.ClaimDriver(ctx, "ghost")
			require.ErrorIs(t, err, domain.ErrNotFound)
			require.ErrorIs(t, err, domain.ErrUnknownDriver)
			require.Contains(t, err.Error(), "ghost")

			_, ok, err := reg.Claim(ctx)
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestRegisterKeepsExistingState(t *testing.T) {
	for name, build := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := build()
			require.NoError(t, reg.Register(ctx, "d1"))
			_, ok, err := reg.Claim(ctx)
			require.NoError(t, err)
			require.True(t, ok)

			require.NoError(t, reg.Register(ctx, "d1"))
			d, err := reg.Get(ctx, "d1")
			require.NoError(t, err)
			require.False(t, d.Available, "re-registering must not free a claimed driver")
		})
	}
}

func TestSetLocationIsIndependentOfAvailability(t *testing.T) {
	for name, build := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := build()
			require.NoError(t, reg.Register(ctx, "d1"))
			require.NoError(t, reg.ClaimDriver(ctx, "d1"))

			require.NoError(t, reg.SetLocation(ctx, "d1", domain.GeoPoint{Lat: 43.65, Lng: -79.38}))
			d, err := reg.Get(ctx, "d1")
			require.NoError(t, err)
			require.False(t, d.Available)
			require.NotNil(t, d.Location)
			require.InDelta(t, 43.65, d.Location.Lat, 1e-4)
			require.InDelta(t, -79.38, d.Location.Lng, 1e-4)
			require.NotNil(t, d.LocationAt)

			require.ErrorIs(t, reg.SetLocation(ctx, "ghost", domain.GeoPoint{}), domain.ErrNotFound)
		})
	}
}

func TestListIsSortedByID(t *testing.T) {
	for name, build := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := build()
			for _, id := range []string{"c", "a", "b"} {
				require.NoError(t, reg.Register(ctx, id))
			}
			require.NoError(t, reg.ClaimDriver(ctx, "b"))

			drivers, err := reg.List(ctx)
			require.NoError(t, err)
			require.Len(t, drivers, 3)
			require.Equal(t, "a", drivers[0].ID)
			require.Equal(t, "b", drivers[1].ID)
			require.False(t, drivers[1].Available)
			require.Equal(t, "c", drivers[2].ID)
		})
	}
}
