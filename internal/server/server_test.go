package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/creation-engine/internal/config"
	"github.com/cortexhub/creation-engine/internal/healthring"
	"github.com/cortexhub/creation-engine/internal/metrics"
	"github.com/cortexhub/creation-engine/internal/pipeline"
)

type fakeEngine struct {
	ready bool
	pools []pipeline.PoolInfo
}

func (f *fakeEngine) Initialized() bool          { return f.ready }
func (f *fakeEngine) Pools() []pipeline.PoolInfo { return f.pools }

func testServer(t *testing.T, port int, engine Engine, hr *healthring.HealthRing) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Server = config.ServerConfig{Host: "localhost", Port: port}
	cfg.Cache.Backend = "redis"
	return New(cfg, engine, hr, zerolog.Nop())
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealthHandler(t *testing.T) {
	srv := testServer(t, 18800, &fakeEngine{ready: true}, nil)
	w := get(t, srv, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var hr HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hr))
	assert.Equal(t, "healthy", hr.Status)
	assert.True(t, hr.Services["engine"].Healthy)
	assert.NotContains(t, hr.Services, "healthring")
}

func TestHealthHandlerNotReady(t *testing.T) {
	srv := testServer(t, 18800, &fakeEngine{}, nil)
	w := get(t, srv, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatusHandler(t *testing.T) {
	engine := &fakeEngine{ready: true, pools: []pipeline.PoolInfo{
		{Name: "planning", Addresses: []string{"http://a:9002", "http://b:9002"}},
	}}
	srv := testServer(t, 18800, engine, nil)
	w := get(t, srv, "/api/v1/status")
	require.Equal(t, http.StatusOK, w.Code)

	var st StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "redis", st.CacheBackend)
	assert.Equal(t, engine.pools, st.Pools)
	assert.NotContains(t, w.Body.String(), "latency")
}

func TestHealthRingRoutes(t *testing.T) {
	srv := testServer(t, 18800, &fakeEngine{ready: true}, nil)
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/api/v1/healthring/status").Code)

	hr := healthring.NewHealthRing(
		config.HealthRingConfig{Enabled: true, CheckInterval: time.Hour},
		[]pipeline.PoolInfo{{Name: "vision", Addresses: []string{"http://127.0.0.1:1"}}},
		zerolog.Nop(),
	)
	srv = testServer(t, 18800, &fakeEngine{ready: true}, hr)
	assert.Equal(t, http.StatusOK, get(t, srv, "/api/v1/healthring/status").Code)
	assert.Equal(t, http.StatusOK, get(t, srv, "/api/v1/healthring/vision").Code)
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/api/v1/healthring/planning").Code)
}

func TestRequestMetrics(t *testing.T) {
	srv := testServer(t, 18800, &fakeEngine{ready: true}, nil)
	counter := metrics.RequestCount.WithLabelValues(http.MethodGet, "/api/v1/status", "200")
	before := testutil.ToFloat64(counter)

	get(t, srv, "/api/v1/status")
	assert.Equal(t, before+1, testutil.ToFloat64(counter))

	w := get(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "creation_engine_requests_total"))
}

func TestShutdown(t *testing.T) {
	srv := testServer(t, 18801, &fakeEngine{ready: true}, nil)
	go srv.Start()
	time.Sleep(100 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, srv.Shutdown(ctx))
}
