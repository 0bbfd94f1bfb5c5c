package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/fitsync/internal/metrics"
	"github.com/stanstork/fitsync/internal/models"
)

type fakeLinks struct {
	mu      sync.Mutex
	link    models.ProviderLink
	updated []string
}

func (f *fakeLinks) Get(_ context.Context, ownerID string) (models.ProviderLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	link := f.link
	link.OwnerID = ownerID
	return link, nil
}

func (f *fakeLinks) UpdateTokens(_ context.Context, _ string, accessToken, refreshToken string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, accessToken)
	f.link.AccessToken = accessToken
	f.link.RefreshToken = refreshToken
	f.link.TokenExpiresAt = &expiresAt
	return nil
}

func date(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

func newTestClient(t *testing.T, baseURL, tokenURL string, links LinkStore) (*Client, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	c := NewClient(Config{
		BaseURL:           baseURL,
		ClientID:          "client",
		ClientSecret:      "secret",
		TokenURL:          tokenURL,
		RequestsPerSecond: 100,
		Burst:             10,
		Timeout:           5 * time.Second,
	}, links, m, zerolog.Nop())
	return c, m
}

func TestClient_FetchMetrics(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[
			{"date":"2024-01-01","metric_type":"steps","payload":{"value":8000}},
			{"date":"2024-01-02","metric_type":"sleep"}
		]}`))
	}))
	defer srv.Close()

	links := &fakeLinks{link: models.ProviderLink{ExternalUserID: "ext 1", AccessToken: "tok"}}
	c, m := newTestClient(t, srv.URL, "", links)

	got, err := c.FetchMetrics(context.Background(), "owner-1", date("2024-01-01"), date("2024-01-07"), []string{"steps", "sleep"})
	require.NoError(t, err)

	assert.Equal(t, "/v1/users/ext 1/metrics", gotPath)
	assert.Equal(t, "end=2024-01-07&start=2024-01-01&types=steps%2Csleep", gotQuery)
	assert.Equal(t, "Bearer tok", gotAuth)

	require.Len(t, got, 2)
	assert.Equal(t, date("2024-01-01"), got[0].Date)
	assert.Equal(t, "steps", got[0].MetricType)
	assert.JSONEq(t, `{"value":8000}`, string(got[0].Payload))
	// Records without a payload keep the whole record.
	assert.JSONEq(t, `{"date":"2024-01-02","metric_type":"sleep"}`, string(got[1].Payload))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderRequests.WithLabelValues("metrics", "ok")))
}

func TestClient_FetchActivities(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/users/ext-1/activities", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":[{"activity_id":"a1","activity_type":"run","start_time":"2024-01-03T07:30:00+02:00","duration_seconds":1800,"payload":{"km":5}}]}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, "", &fakeLinks{link: models.ProviderLink{ExternalUserID: "ext-1", AccessToken: "tok"}})

	got, err := c.FetchActivities(context.Background(), "owner-1", date("2024-01-01"), date("2024-01-07"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a1", got[0].ProviderActivityID)
	assert.Equal(t, time.Date(2024, 1, 3, 5, 30, 0, 0, time.UTC), got[0].StartTime)
	assert.Equal(t, 1800.0, got[0].DurationSeconds)
}

func TestClient_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, m := newTestClient(t, srv.URL, "", &fakeLinks{link: models.ProviderLink{ExternalUserID: "ext-1", AccessToken: "tok"}})

	_, err := c.FetchActivities(context.Background(), "owner-1", date("2024-01-01"), date("2024-01-07"))
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderRequests.WithLabelValues("activities", "rate_limited")))
}

func TestClient_ServerErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, "", &fakeLinks{link: models.ProviderLink{ExternalUserID: "ext-1", AccessToken: "tok"}})

	_, err := c.FetchMetrics(context.Background(), "owner-1", date("2024-01-01"), date("2024-01-07"), nil)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
}

func TestClient_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, m := newTestClient(t, srv.URL, "", &fakeLinks{link: models.ProviderLink{ExternalUserID: "ext-1", AccessToken: "tok"}})

	for i := 0; i < 7; i++ {
		_, err := c.FetchMetrics(context.Background(), "owner-1", date("2024-01-01"), date("2024-01-07"), nil)
		require.Error(t, err)
	}
	assert.Equal(t, 5, calls)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues(breakerName)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ProviderRequests.WithLabelValues("metrics", "rejected")))
}

func TestClient_LimiterContentionDoesNotOpenBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	m := metrics.New(prometheus.NewRegistry())
	c := NewClient(Config{
		BaseURL:           srv.URL,
		RequestsPerSecond: 0.1,
		Burst:             1,
		Timeout:           5 * time.Second,
	}, &fakeLinks{link: models.ProviderLink{ExternalUserID: "ext-1", AccessToken: "tok"}}, m, zerolog.Nop())

	_, err := c.FetchMetrics(context.Background(), "owner-1", date("2024-01-01"), date("2024-01-07"), nil)
	require.NoError(t, err)

	// The bucket is empty and refills in 10s, so every short-deadline caller
	// gives up locally without touching the provider.
	for i := 0; i < 8; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, err := c.FetchMetrics(ctx, "owner-1", date("2024-01-01"), date("2024-01-07"), nil)
		cancel()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rate limiter")
	}

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, gobreaker.StateClosed, c.breaker.State())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues(breakerName)))
	assert.Equal(t, 8.0, testutil.ToFloat64(m.ProviderRequests.WithLabelValues("metrics", "throttled")))
}

func TestClient_ThrottlingResponsesDoNotOpenBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, "", &fakeLinks{link: models.ProviderLink{ExternalUserID: "ext-1", AccessToken: "tok"}})

	for i := 0; i < 7; i++ {
		_, err := c.FetchActivities(context.Background(), "owner-1", date("2024-01-01"), date("2024-01-07"))
		require.ErrorIs(t, err, ErrRateLimited)
	}
	assert.Equal(t, int32(7), calls.Load())
	assert.Equal(t, gobreaker.StateClosed, c.breaker.State())
}

func TestClient_AbandonedRequestsDoNotOpenBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, "", &fakeLinks{link: models.ProviderLink{ExternalUserID: "ext-1", AccessToken: "tok"}})

	for i := 0; i < 6; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err := c.FetchMetrics(ctx, "owner-1", date("2024-01-01"), date("2024-01-07"), nil)
		cancel()
		require.Error(t, err)
	}
	assert.Equal(t, int32(6), calls.Load())
	assert.Equal(t, gobreaker.StateClosed, c.breaker.State())
}

func TestClient_RefreshesExpiredToken(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "r1", r.PostForm.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "fresh",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer tokenSrv.Close()

	var gotAuth string
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer apiSrv.Close()

	expired := time.Now().Add(-time.Hour)
	links := &fakeLinks{link: models.ProviderLink{
		ExternalUserID: "ext-1",
		AccessToken:    "stale",
		RefreshToken:   "r1",
		TokenExpiresAt: &expired,
	}}
	c, _ := newTestClient(t, apiSrv.URL, tokenSrv.URL, links)

	got, err := c.FetchMetrics(context.Background(), "owner-1", date("2024-01-01"), date("2024-01-07"), nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.Equal(t, "Bearer fresh", gotAuth)
	assert.Equal(t, []string{"fresh"}, links.updated)
	// The provider did not rotate the refresh token, so the old one is kept.
	assert.Equal(t, "r1", links.link.RefreshToken)
}
