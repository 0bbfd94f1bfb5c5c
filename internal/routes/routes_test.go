package routes

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/fitsync/internal/handlers"
	"github.com/stanstork/fitsync/internal/metrics"
	"github.com/stanstork/fitsync/internal/repository/memstore"
	"github.com/stanstork/fitsync/internal/service"
)

const secret = "routes-secret"

type noopRunner struct{}

func (noopRunner) Trigger(string) bool { return true }
func (noopRunner) Cancel(string) bool  { return false }

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	now := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	watermarks := memstore.NewWatermarks()
	watermarks.Link("owner-1", nil)

	m := metrics.New(prometheus.NewRegistry())
	svc := service.NewSyncService(service.SyncServiceConfig{
		Jobs:       memstore.NewSyncJobs(func() time.Time { return now }),
		Watermarks: watermarks,
		Runner:     noopRunner{},
		Metrics:    m,
		Logger:     zerolog.Nop(),
		Now:        func() time.Time { return now },
	})

	return NewRouter(
		handlers.NewAuthHandler(secret, zerolog.Nop()),
		handlers.NewSyncHandler(svc, zerolog.Nop()),
		nil,
		nil,
		m.Handler(),
	)
}

func bearer(t *testing.T, owner string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": owner,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return "Bearer " + token
}

func do(t *testing.T, router http.Handler, method, path, owner, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if owner != "" {
		req.Header.Set("Authorization", bearer(t, owner))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestRouter_HealthIsPublic(t *testing.T) {
	router := newTestRouter(t)

	rec, body := do(t, router, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestRouter_APIRequiresToken(t *testing.T) {
	router := newTestRouter(t)

	rec, _ := do(t, router, http.MethodGet, "/api/sync/status", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_SyncLifecycle(t *testing.T) {
	router := newTestRouter(t)

	rec, started := do(t, router, http.MethodPost, "/api/sync/historical", "owner-1", `{"start_date":"2024-01-01","end_date":"2024-01-31"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "started", started["status"])
	assert.Equal(t, 5.0, started["chunks_total"])
	jobID, _ := started["job_id"].(string)
	require.NotEmpty(t, jobID)

	rec, again := do(t, router, http.MethodPost, "/api/sync/incremental", "owner-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "already_running", again["status"])

	rec, status := do(t, router, http.MethodGet, "/api/sync/status", "owner-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, status["has_active_job"])

	// Another owner cannot touch the job.
	rec, _ = do(t, router, http.MethodPost, "/api/sync/jobs/"+jobID+"/cancel", "owner-2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, cancelled := do(t, router, http.MethodPost, "/api/sync/jobs/"+jobID+"/cancel", "owner-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", cancelled["status"])

	rec, _ = do(t, router, http.MethodPost, "/api/sync/jobs/"+jobID+"/resume", "owner-1", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRouter_HistoricalValidation(t *testing.T) {
	router := newTestRouter(t)

	rec, body := do(t, router, http.MethodPost, "/api/sync/historical", "owner-1", `{"start_date":"2024-02-01","end_date":"2024-01-01"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "start_date")
}

func TestRouter_MetricsExposed(t *testing.T) {
	router := newTestRouter(t)
	do(t, router, http.MethodPost, "/api/sync/historical", "owner-1", `{"start_date":"2024-01-01","end_date":"2024-01-07"}`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fitsync_jobs_started_total")
}
