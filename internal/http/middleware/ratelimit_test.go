package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, limits Limits) (*RateLimiter, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	l := NewRateLimiter(client, limits, nil)
	now := time.Unix(1700000000, 0)
	l.now = func() time.Time { return now }
	return l, &now
}

func do(h http.Handler, method, path, client string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("X-Client-ID", client)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

func TestRateLimiterBurstThenRefill(t *testing.T) {
	l, now := newLimiter(t, Limits{Write: RateConfig{Rate: 1, Burst: 2}})
	h := l.Middleware(ok)

	require.Equal(t, http.StatusOK, do(h, http.MethodPost, "/v1/rides", "a").Code)
	require.Equal(t, http.StatusOK, do(h, http.MethodPost, "/v1/rides", "a").Code)
	rec := do(h, http.MethodPost, "/v1/rides", "a")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
	require.JSONEq(t, `{"error":"rate_limited","message":"too many requests"}`, rec.Body.String())

	require.Equal(t, http.StatusOK, do(h, http.MethodPost, "/v1/rides", "b").Code, "buckets are per client")

	*now = now.Add(1500 * time.Millisecond)
	require.Equal(t, http.StatusOK, do(h, http.MethodPost, "/v1/rides", "a").Code)
}

func TestRateLimiterScopesAreIndependent(t *testing.T) {
	l, _ := newLimiter(t, Limits{
		Read:  RateConfig{Rate: 1, Burst: 1},
		Write: RateConfig{Rate: 1, Burst: 1},
		GPS:   RateConfig{Rate: 10, Burst: 3},
	})
	h := l.Middleware(ok)

	require.Equal(t, http.StatusOK, do(h, http.MethodPut, "/v1/rides/x/status", "a").Code)
	require.Equal(t, http.StatusTooManyRequests, do(h, http.MethodPut, "/v1/rides/x/status", "a").Code)
	require.Equal(t, http.StatusOK, do(h, http.MethodGet, "/v1/rides/x", "a").Code)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, do(h, http.MethodPost, "/v1/gps", "a").Code)
	}
	require.Equal(t, http.StatusTooManyRequests, do(h, http.MethodPost, "/v1/gps", "a").Code)
}

func TestRateLimiterDisabled(t *testing.T) {
	var l *RateLimiter
	h := l.Middleware(ok)
	require.Equal(t, http.StatusOK, do(h, http.MethodPost, "/v1/rides", "a").Code)

	l2, _ := newLimiter(t, Limits{})
	h = l2.Middleware(ok)
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, do(h, http.MethodPost, "/v1/rides", "a").Code)
	}
}

func TestScopeFor(t *testing.T) {
	require.Equal(t, ScopeGPS, ScopeFor(httptest.NewRequest(http.MethodPost, "/v1/gps", nil)))
	require.Equal(t, ScopeRead, ScopeFor(httptest.NewRequest(http.MethodGet, "/v1/gps/abc", nil)))
	require.Equal(t, ScopeWrite, ScopeFor(httptest.NewRequest(http.MethodPut, "/v1/rides/abc/status", nil)))
}
