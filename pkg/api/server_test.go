package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localdir/dircache/internal/config"
	"github.com/localdir/dircache/internal/directory"
	"github.com/localdir/dircache/internal/metrics"
	"github.com/localdir/dircache/internal/repository"
	"github.com/localdir/dircache/pkg/errors"
	"github.com/localdir/dircache/pkg/health"
	"github.com/localdir/dircache/pkg/types"
)

type testEnv struct {
	server  *httptest.Server
	session *directory.CacheContext
	health  *health.Tracker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.NewDefault()
	cfg.Durable.Path = filepath.Join(t.TempDir(), "cache.bbolt")
	cfg.Preload.Delay = 0
	cfg.Tracker.FlushDelay = 0

	dataset := repository.NewStaticDataset([]types.Entity{
		{ID: "svc-1", Name: "Harbor Bakery", Category: "food", Featured: true, Active: true},
		{ID: "svc-2", Name: "Anchor Plumbing", Category: "trades", Active: true},
		{ID: "svc-3", Name: "Bay Diner", Category: "food", Active: true},
	})

	collector, err := metrics.NewCollector(nil)
	require.NoError(t, err)

	session, err := directory.New(cfg, dataset, types.DefaultEnvironment(), nil, collector)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	tracker := health.NewTracker(health.DefaultConfig())
	tracker.RegisterComponent(health.ComponentRepository)

	srv := NewServer(DefaultServerConfig(), session, tracker, collector.Handler(), nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, session: session, health: tracker}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]interface{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &decoded), string(raw))
	}
	return resp, decoded
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	resp, body = env.do(t, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["alive"])

	env.health.RecordError(health.ComponentRepository,
		errors.NewError(errors.ErrCodeServiceUnavailable, "bucket unreachable").AsDegraded())

	resp, body = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unavailable", body["status"])

	resp, body = env.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, false, body["ready"])
}

func TestGRPCHealthOverConnect(t *testing.T) {
	env := newTestEnv(t)

	check := func(service string) (int, string) {
		raw, _ := json.Marshal(map[string]string{"service": service})
		resp, err := http.Post(env.server.URL+"/"+grpchealth.HealthV1ServiceName+"/Check",
			"application/json", bytes.NewReader(raw))
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]interface{}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		s, _ := body["status"].(string)
		return resp.StatusCode, s
	}

	code, status := check("")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "SERVING_STATUS_SERVING", status)

	code, status = check(health.ComponentRepository)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "SERVING_STATUS_SERVING", status)

	env.health.RecordError(health.ComponentRepository,
		errors.NewError(errors.ErrCodeServiceUnavailable, "down").AsDegraded())
	_, status = check(ServiceName)
	assert.Equal(t, "SERVING_STATUS_NOT_SERVING", status)

	code, _ = check("no.such.Service")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestChecker(t *testing.T) {
	ctx := context.Background()

	resp, err := NewChecker(nil).Check(ctx, &grpchealth.CheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, grpchealth.StatusServing, resp.Status)

	_, err = NewChecker(nil).Check(ctx, &grpchealth.CheckRequest{Service: "repository"})
	require.Error(t, err)
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
}

func TestServiceEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/services?category=food", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["count"])

	resp, body = env.do(t, http.MethodGet, "/services/svc-2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Anchor Plumbing", body["name"])

	resp, _ = env.do(t, http.MethodGet, "/services/svc-3?track=false", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	popular := env.session.GetPopularServices(0)
	require.Len(t, popular, 1, "reads count as visits unless track=false")
	assert.Equal(t, "svc-2", popular[0].EntityID)

	resp, body = env.do(t, http.MethodGet, "/services/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, string(errors.ErrCodeEntityNotFound), body["code"])
	assert.Equal(t, false, body["degraded"])

	resp, _ = env.do(t, http.MethodGet, "/services?min_rating=high", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServiceWrites(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/services?category=food", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPut, "/services/svc-9", map[string]interface{}{
		"name":     "Dockside Deli",
		"category": "food",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/services?category=food", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), body["count"], "writes invalidate cached lists")

	resp, _ = env.do(t, http.MethodPut, "/services/svc-9", map[string]interface{}{"id": "svc-8", "name": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, http.MethodPut, "/services/svc-7", map[string]interface{}{"category": "food"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(errors.ErrCodeValidationFailed), body["code"])

	resp, _ = env.do(t, http.MethodDelete, "/services/svc-9", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/services/svc-9", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestVisitsPopularAndPreload(t *testing.T) {
	env := newTestEnv(t)

	for _, v := range []visitRequest{
		{EntityID: "svc-1", Category: "food"},
		{EntityID: "svc-1", Category: "food"},
		{EntityID: "svc-2", Category: "trades"},
	} {
		resp, _ := env.do(t, http.MethodPost, "/visits", v)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	resp, _ := env.do(t, http.MethodPost, "/visits", map[string]string{"category": "food"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/popular?limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["count"])
	first := body["popular"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "svc-1", first["entity_id"])

	resp, body = env.do(t, http.MethodGet, "/popular?category=trades", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	resp, body = env.do(t, http.MethodPost, "/preload?force=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := body["report"].(map[string]interface{})
	assert.Equal(t, float64(2), report["preloaded"])

	resp, body = env.do(t, http.MethodPost, "/preload?category=food", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report = body["report"].(map[string]interface{})
	assert.Equal(t, float64(1), report["skipped"])

	resp, body = env.do(t, http.MethodGet, "/preload", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["is_preloading"])
}

func TestCacheEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/services/svc-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/cache/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := body["cache"].(map[string]interface{})
	assert.Equal(t, float64(1), stats["entry_count"])
	assert.Equal(t, float64(1), stats["durable_entry_count"])

	resp, body = env.do(t, http.MethodPost, "/cache/clear", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats = body["cache"].(map[string]interface{})
	assert.Equal(t, float64(0), stats["entry_count"])

	resp, _ = env.do(t, http.MethodGet, "/cache/clear", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetricsAndInfo(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/services/svc-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	mresp, err := http.Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	raw, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, mresp.StatusCode)
	assert.Contains(t, string(raw), "dircache_fetches_total")

	resp, body := env.do(t, http.MethodGet, "/info", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body["endpoints"], "/metrics")
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/services", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
