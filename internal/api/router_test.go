package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"

	"github.com/dockhand/engine/internal/api/handlers"
	"github.com/dockhand/engine/internal/api/types"
	"github.com/dockhand/engine/internal/lock"
	"github.com/dockhand/engine/internal/metrics"
	"github.com/dockhand/engine/internal/models"
	"github.com/dockhand/engine/internal/repository"
	"github.com/dockhand/engine/internal/services"
	"github.com/dockhand/engine/internal/testutil"
	"github.com/dockhand/engine/pkg/logger"
	"github.com/dockhand/engine/pkg/utils"
)

func TestMain(m *testing.M) {
	logger.UseNop()
	os.Exit(m.Run())
}

var (
	hookSecret = []byte("0123456789abcdef-webhook")
	jwtSecret  = []byte("operator-secret")
)

func newServer(t *testing.T) *httptest.Server {
	db := testutil.NewDB(t)
	testutil.SeedTarget(t, db, "host-1")
	runs := repository.NewRunRepository(db)
	targetRepo := repository.NewTargetRepository(db)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	runSvc := services.NewRunService(runs, targetRepo, lock.NewMemory(), nil, nil, m, services.RunServiceOptions{MaxQueued: 10})

	router := NewRouter(Dependencies{
		JWTSecret:      jwtSecret,
		HooksHandler:   handlers.NewHooksHandler(runSvc, hookSecret, validator.New(validator.WithRequiredStructEnabled())),
		RunsHandler:    handlers.NewRunsHandler(runSvc),
		TargetsHandler: handlers.NewTargetsHandler(services.NewTargetService(targetRepo)),
		HealthHandler:  handlers.NewHealthHandler(nil),
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func operatorToken(t *testing.T) string {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwtSecret)
	require.NoError(t, err)
	return tok
}

func do(t *testing.T, req *http.Request) (*http.Response, types.APIResponse) {
	t.Helper()
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	var body types.APIResponse
	if res.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	}
	return res, body
}

func TestRouter_WebhookToRunLookup(t *testing.T) {
	srv := newServer(t)

	payload := []byte(`{"ref":"refs/heads/main","after":"abc123"}`)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/hooks/host-1", bytes.NewReader(payload))
	req.Header.Set("X-Hub-Signature-256", "sha256="+utils.SignHMACSHA256(hookSecret, payload))
	res, body := do(t, req)
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	runID := body.Data.(map[string]any)["run_id"].(string)

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/v1/runs/"+runID, nil)
	res, _ = do(t, req)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	req.Header.Set("Authorization", "Bearer "+operatorToken(t))
	res, body = do(t, req)
	require.Equal(t, http.StatusOK, res.StatusCode)
	run := body.Data.(map[string]any)
	require.Equal(t, "abc123", run["ref"])
	require.Equal(t, string(models.RunQueued), run["state"])

	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/api/v1/runs/"+runID+"/cancel", nil)
	req.Header.Set("Authorization", "Bearer "+operatorToken(t))
	res, body = do(t, req)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, string(models.RunCancelled), body.Data.(map[string]any)["state"])
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	srv := newServer(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		res, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		res.Body.Close()
		require.Equal(t, http.StatusOK, res.StatusCode, path)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/targets", nil)
	req.Header.Set("Authorization", "Bearer "+operatorToken(t))
	res, body := do(t, req)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Len(t, body.Data.([]any), 1)
}
