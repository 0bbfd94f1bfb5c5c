// Package provider is the HTTP client for the wearable data provider API.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/stanstork/fitsync/internal/metrics"
	"github.com/stanstork/fitsync/internal/models"
)

const (
	breakerName     = "provider-api"
	maxResponseSize = 32 << 20
	dateLayout      = "2006-01-02"
)

// ErrRateLimited is returned when the provider answers 429.
var ErrRateLimited = errors.New("provider rate limit exceeded")

// StatusError is a non-2xx provider response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}

// Fetcher returns provider payloads for one date window.
type Fetcher interface {
	FetchMetrics(ctx context.Context, ownerID string, start, end time.Time, metricTypes []string) ([]models.DailyMetric, error)
	FetchActivities(ctx context.Context, ownerID string, start, end time.Time) ([]models.Activity, error)
}

// LinkStore loads an owner's provider link and persists refreshed tokens.
type LinkStore interface {
	Get(ctx context.Context, ownerID string) (models.ProviderLink, error)
	UpdateTokens(ctx context.Context, ownerID, accessToken, refreshToken string, expiresAt time.Time) error
}

type Config struct {
	BaseURL           string
	ClientID          string
	ClientSecret      string
	TokenURL          string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

type Client struct {
	cfg        Config
	links      LinkStore
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[[]byte]
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

func NewClient(cfg Config, links LinkStore, m *metrics.Metrics, logger zerolog.Logger) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	c := &Client{
		cfg:        cfg,
		links:      links,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
		metrics:    m,
		logger:     logger.With().Str("component", "provider").Logger(),
	}

	m.SetBreakerState(breakerName, 0)
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: isProviderHealthy,
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			m.SetBreakerState(name, breakerStateValue(to))
		},
	})
	return c
}

type metricRecord struct {
	Date       string          `json:"date"`
	MetricType string          `json:"metric_type"`
	Payload    json.RawMessage `json:"payload"`
}

type activityRecord struct {
	ActivityID      string          `json:"activity_id"`
	ActivityType    string          `json:"activity_type"`
	StartTime       time.Time       `json:"start_time"`
	DurationSeconds float64         `json:"duration_seconds"`
	Payload         json.RawMessage `json:"payload"`
}

type envelope struct {
	Data []json.RawMessage `json:"data"`
}

func (c *Client) FetchMetrics(ctx context.Context, ownerID string, start, end time.Time, metricTypes []string) ([]models.DailyMetric, error) {
	query := windowQuery(start, end)
	if len(metricTypes) > 0 {
		query.Set("types", strings.Join(metricTypes, ","))
	}

	records, err := c.fetch(ctx, ownerID, "metrics", query)
	if err != nil {
		return nil, err
	}

	out := make([]models.DailyMetric, 0, len(records))
	for _, raw := range records {
		var rec metricRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode metric record: %w", err)
		}
		date, err := time.Parse(dateLayout, rec.Date)
		if err != nil {
			return nil, fmt.Errorf("decode metric date %q: %w", rec.Date, err)
		}
		payload := rec.Payload
		if len(payload) == 0 {
			payload = raw
		}
		out = append(out, models.DailyMetric{Date: date, MetricType: rec.MetricType, Payload: payload})
	}
	return out, nil
}

func (c *Client) FetchActivities(ctx context.Context, ownerID string, start, end time.Time) ([]models.Activity, error) {
	records, err := c.fetch(ctx, ownerID, "activities", windowQuery(start, end))
	if err != nil {
		return nil, err
	}

	out := make([]models.Activity, 0, len(records))
	for _, raw := range records {
		var rec activityRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode activity record: %w", err)
		}
		if rec.ActivityID == "" {
			return nil, errors.New("decode activity record: missing activity_id")
		}
		payload := rec.Payload
		if len(payload) == 0 {
			payload = raw
		}
		out = append(out, models.Activity{
			ProviderActivityID: rec.ActivityID,
			ActivityType:       rec.ActivityType,
			StartTime:          rec.StartTime.UTC(),
			DurationSeconds:    rec.DurationSeconds,
			Payload:            payload,
		})
	}
	return out, nil
}

func windowQuery(start, end time.Time) url.Values {
	q := url.Values{}
	q.Set("start", start.Format(dateLayout))
	q.Set("end", end.Format(dateLayout))
	return q
}

// fetch performs one rate-limited, breaker-guarded GET and returns the envelope's records.
func (c *Client) fetch(ctx context.Context, ownerID, endpoint string, query url.Values) ([]json.RawMessage, error) {
	link, err := c.links.Get(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load provider link: %w", err)
	}

	token, err := c.token(ctx, link)
	if err != nil {
		return nil, err
	}

	endpointURL := fmt.Sprintf("%s/v1/users/%s/%s?%s",
		strings.TrimRight(c.cfg.BaseURL, "/"), url.PathEscape(link.ExternalUserID), endpoint, query.Encode())

	// Waiting for a local token happens outside the breaker so contention in
	// this process never counts against the provider.
	if err := c.limiter.Wait(ctx); err != nil {
		c.metrics.ProviderRequest(endpoint, "throttled")
		return nil, fmt.Errorf("wait for rate limiter: %w", err)
	}

	body, err := c.breaker.Execute(func() ([]byte, error) {
		body, err := c.get(ctx, endpointURL, token)
		if err != nil && ctx.Err() != nil {
			return nil, &abandonedError{err: err}
		}
		return body, err
	})
	if err != nil {
		c.metrics.ProviderRequest(endpoint, requestResult(err))
		return nil, err
	}
	c.metrics.ProviderRequest(endpoint, "ok")

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return env.Data, nil
}

func (c *Client) get(ctx context.Context, endpointURL string, token *oauth2.Token) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	token.SetAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
	}
	return body, nil
}

// token returns a valid access token for the link, refreshing and persisting it when expired.
func (c *Client) token(ctx context.Context, link models.ProviderLink) (*oauth2.Token, error) {
	current := &oauth2.Token{
		AccessToken:  link.AccessToken,
		RefreshToken: link.RefreshToken,
		TokenType:    "Bearer",
	}
	if link.TokenExpiresAt != nil {
		current.Expiry = *link.TokenExpiresAt
	}

	if c.cfg.TokenURL == "" || current.Valid() {
		if current.AccessToken == "" {
			return nil, errors.New("provider link has no access token")
		}
		return current, nil
	}

	oauthCfg := &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: c.cfg.TokenURL},
	}
	refreshCtx := context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	refreshed, err := oauthCfg.TokenSource(refreshCtx, current).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh provider token: %w", err)
	}

	refreshToken := refreshed.RefreshToken
	if refreshToken == "" {
		refreshToken = link.RefreshToken
	}
	if err := c.links.UpdateTokens(ctx, link.OwnerID, refreshed.AccessToken, refreshToken, refreshed.Expiry); err != nil {
		// The fresh token is still usable for this request.
		c.logger.Error().Err(err).Str("owner_id", link.OwnerID).Msg("failed to persist refreshed token")
	}
	c.logger.Debug().Str("owner_id", link.OwnerID).Time("expires_at", refreshed.Expiry).Msg("provider token refreshed")
	return refreshed, nil
}

// abandonedError marks a request cut short by the caller's context.
type abandonedError struct {
	err error
}

func (e *abandonedError) Error() string { return e.err.Error() }
func (e *abandonedError) Unwrap() error { return e.err }

// isProviderHealthy decides what the breaker counts as a provider failure.
// Client errors, 429 throttling and requests the caller abandoned say nothing
// about whether the provider is up.
func isProviderHealthy(err error) bool {
	if err == nil || errors.Is(err, ErrRateLimited) {
		return true
	}
	var abandoned *abandonedError
	if errors.As(err, &abandoned) {
		return true
	}
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode < 500
}

func requestResult(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "rejected"
	default:
		return "error"
	}
}

func breakerStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
