package gps_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/ridedispatch/internal/gps"
	"github.com/example/ridedispatch/internal/ride/domain"
)

func newRedisStore(t *testing.T, retention time.Duration) (*gps.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return gps.NewRedisStore(client, "", retention), mr
}

func sharedStores(t *testing.T) map[string]func() gps.Store {
	return map[string]func() gps.Store{
		"memory": func() gps.Store { return gps.NewMemoryStore() },
		"redis": func() gps.Store {
			store, _ := newRedisStore(t, time.Hour)
			return store
		},
	}
}

func etas(history []domain.GPSReport) []int {
	out := make([]int, len(history))
	for i, r := range history {
		out[i] = r.ETASeconds
	}
	return out
}

func TestLatestAgreesAcrossInstances(t *testing.T) {
	for name, build := range sharedStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reports := build()
			f := newFixtureWithStore(t, 0, reports)
			a, b := f.ingest, f.instance(reports)
			rideID := f.ride(t, "D1")

			ack, err := a.Report(ctx, report(rideID, 5, 10))
			require.NoError(t, err)
			require.True(t, ack.Latest)
			ack, err = b.Report(ctx, report(rideID, 3, 99))
			require.NoError(t, err)
			require.False(t, ack.Latest, "older observation must not win on another instance")

			for _, g := range []*gps.Ingest{a, b} {
				latest, err := g.Latest(ctx, rideID)
				require.NoError(t, err)
				require.Equal(t, 10, latest.ETASeconds)
				require.True(t, at(5).Equal(latest.ObservedAt))
			}

			ack, err = b.Report(ctx, report(rideID, 6, 20))
			require.NoError(t, err)
			require.True(t, ack.Latest)
			latest, err := a.Latest(ctx, rideID)
			require.NoError(t, err)
			require.Equal(t, 20, latest.ETASeconds)

			history, err := a.History(ctx, rideID, 0)
			require.NoError(t, err)
			require.Equal(t, []int{99, 10, 20}, etas(history))
		})
	}
}

func TestStoreHistoryOrderAndBound(t *testing.T) {
	for name, build := range sharedStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := build()
			rideID := uuid.New()
			for i, sec := range []int{4, 1, 5, 2, 3} {
				_, err := store.Append(ctx, domain.GPSReport{
					RideID:     rideID,
					ETASeconds: sec,
					ObservedAt: at(sec),
					ReceivedAt: at(10 + i),
				}, 3)
				require.NoError(t, err)
			}

			history, err := store.History(ctx, rideID, 0)
			require.NoError(t, err)
			require.Equal(t, []int{3, 4, 5}, etas(history))
			last, err := store.History(ctx, rideID, 2)
			require.NoError(t, err)
			require.Equal(t, []int{4, 5}, etas(last))

			latest, err := store.Latest(ctx, rideID)
			require.NoError(t, err)
			require.Equal(t, 5, latest.ETASeconds)

			_, err = store.Latest(ctx, uuid.New())
			require.ErrorIs(t, err, domain.ErrNotFound)
			empty, err := store.History(ctx, uuid.New(), 0)
			require.NoError(t, err)
			require.Empty(t, empty)
		})
	}
}

func TestEqualObservationsKeepArrivalOrder(t *testing.T) {
	for name, build := range sharedStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := build()
			rideID := uuid.New()
			for i, eta := range []int{7, 8} {
				applied, err := store.Append(ctx, domain.GPSReport{
					RideID:     rideID,
					ETASeconds: eta,
					ObservedAt: at(5),
					ReceivedAt: at(10 + i),
				}, 0)
				require.NoError(t, err)
				require.True(t, applied)
			}
			history, err := store.History(ctx, rideID, 0)
			require.NoError(t, err)
			require.Equal(t, []int{7, 8}, etas(history))
		})
	}
}

func TestPruneDropsSilentRides(t *testing.T) {
	ctx := context.Background()
	reports := gps.NewMemoryStore()
	f := newFixtureWithStore(t, 0, reports)
	quiet := f.ride(t, "D1")
	busy := f.ride(t, "D2")

	_, err := f.ingest.Report(ctx, report(quiet, 1, 30))
	require.NoError(t, err)
	f.clock.Advance(90 * time.Minute)
	_, err = f.ingest.Report(ctx, report(busy, 2, 40))
	require.NoError(t, err)
	require.Equal(t, 2, reports.Len())

	pruned, err := f.ingest.Prune(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pruned)
	require.Equal(t, 1, reports.Len())

	_, err = f.ingest.Latest(ctx, quiet)
	require.ErrorIs(t, err, domain.ErrNotFound)
	history, err := f.ingest.History(ctx, quiet, 0)
	require.NoError(t, err, "ride still exists, only its reports are gone")
	require.Empty(t, history)

	latest, err := f.ingest.Latest(ctx, busy)
	require.NoError(t, err)
	require.Equal(t, 40, latest.ETASeconds)
}

func TestStaleReportKeepsRideAlive(t *testing.T) {
	ctx := context.Background()
	reports := gps.NewMemoryStore()
	f := newFixtureWithStore(t, 0, reports)
	rideID := f.ride(t, "D1")

	_, err := f.ingest.Report(ctx, report(rideID, 5, 10))
	require.NoError(t, err)
	f.clock.Advance(50 * time.Minute)
	ack, err := f.ingest.Report(ctx, report(rideID, 3, 99))
	require.NoError(t, err)
	require.False(t, ack.Latest)
	f.clock.Advance(50 * time.Minute)

	pruned, err := f.ingest.Prune(ctx)
	require.NoError(t, err)
	require.Zero(t, pruned)
	require.Equal(t, 1, reports.Len())
}

func TestRedisStoreExpiresSilentRides(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t, time.Hour)
	rideID := uuid.New()

	_, err := store.Append(ctx, domain.GPSReport{RideID: rideID, ETASeconds: 12, ObservedAt: at(1), ReceivedAt: at(1)}, 10)
	require.NoError(t, err)
	mr.FastForward(30 * time.Minute)
	_, err = store.Latest(ctx, rideID)
	require.NoError(t, err)

	mr.FastForward(31 * time.Minute)
	_, err = store.Latest(ctx, rideID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	history, err := store.History(ctx, rideID, 0)
	require.NoError(t, err)
	require.Empty(t, history)
}
