package publisher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"post-scheduler/internal/models"
)

// Request is one status to publish on behalf of an account.
type Request struct {
	Token          string
	Message        string
	Visibility     models.Visibility
	IdempotencyKey string
}

// Publisher makes the single external side-effecting call.
type Publisher interface {
	Publish(ctx context.Context, req Request) error
}

// APIError is a non-2xx reply from the external API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("mastodon api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("mastodon api: status %d: %s", e.StatusCode, e.Body)
}

// MastodonConfig configures the HTTP publisher.
type MastodonConfig struct {
	BaseURL    string
	Timeout    time.Duration // 0 disables the client timeout
	RatePerSec float64       // <= 0 disables pacing
	Burst      int
	UserAgent  string
}

// Mastodon posts statuses through the Mastodon REST API.
type Mastodon struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	userAgent  string
}

var _ Publisher = (*Mastodon)(nil)

// NewMastodon builds the publisher.
func NewMastodon(cfg MastodonConfig) (*Mastodon, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid mastodon base url %q", cfg.BaseURL)
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "post-scheduler"
	}
	return &Mastodon{
		baseURL:    base,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		userAgent:  ua,
	}, nil
}

// Publish sends POST /api/v1/statuses once. It never retries.
func (m *Mastodon) Publish(ctx context.Context, req Request) error {
	if req.Token == "" {
		return errors.New("publish: empty access token")
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("publish pacing: %w", err)
	}

	vis := req.Visibility
	if vis == "" {
		vis = models.VisibilityPublic
	}
	form := url.Values{}
	form.Set("status", req.Message)
	form.Set("visibility", string(vis))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/api/v1/statuses", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	httpReq.Header.Set("User-Agent", m.userAgent)
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("publish status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
