package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/ridedispatch/internal/auth"
	"github.com/example/ridedispatch/internal/config"
)

type upstreamLog struct {
	mu    sync.Mutex
	paths []string
}

func (l *upstreamLog) seen() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.paths...)
}

func newGateway(t *testing.T, cfg config.Gateway, withRedis bool) (*httptest.Server, *upstreamLog) {
	t.Helper()
	log := &upstreamLog{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.mu.Lock()
		log.paths = append(log.paths, r.Method+" "+r.URL.Path)
		log.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(upstream.Close)
	cfg.DispatchURL = upstream.URL

	var client *redis.Client
	if withRedis {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		t.Cleanup(mr.Close)
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
	}

	h, err := newRouter(cfg, client, zap.NewNop())
	require.NoError(t, err)
	gw := httptest.NewServer(h)
	t.Cleanup(gw.Close)
	return gw, log
}

func TestGatewayProxiesDispatchRoutes(t *testing.T) {
	gw, seen := newGateway(t, config.Gateway{}, false)

	resp, err := http.Get(gw.URL + "/v1/rides?status=Pending")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"ok":true}`, string(body))
	require.Equal(t, []string{"GET /v1/rides"}, seen.seen())

	resp, err = http.Get(gw.URL + "/docs/openapi.yaml")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGatewayRateLimitsGPSSeparately(t *testing.T) {
	gw, _ := newGateway(t, config.Gateway{
		Read:  config.Rate{RPS: 1, Burst: 5},
		Write: config.Rate{RPS: 1, Burst: 5},
		GPS:   config.Rate{RPS: 0.001, Burst: 1},
	}, true)

	post := func(path string) int {
		req, err := http.NewRequest(http.MethodPost, gw.URL+path, nil)
		require.NoError(t, err)
		req.Header.Set("X-Client-ID", "device-1")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	require.Equal(t, http.StatusOK, post("/v1/gps"))
	require.Equal(t, http.StatusTooManyRequests, post("/v1/gps"))
	require.Equal(t, http.StatusOK, post("/v1/rides"), "ride writes have their own bucket")
}

func TestGatewayRejectsMissingToken(t *testing.T) {
	const secret = "gw-secret"
	gw, seen := newGateway(t, config.Gateway{JWTSecret: secret}, false)

	resp, err := http.Get(gw.URL + "/v1/rides")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Empty(t, seen.seen())

	token, err := auth.Issue(secret, "c1", auth.RoleCustomer, time.Minute)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, gw.URL+"/v1/rides", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, seen.seen(), 1)
}
