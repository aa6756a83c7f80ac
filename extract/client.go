package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/datajourney/etl/config"
	"github.com/goccy/go-json"
	"github.com/hashicorp/go-retryablehttp"
)

// Client wraps the retrying HTTP client every Source Adapter fetches
// through. Retries cover transport errors and 5xx only; 429 is surfaced to
// the caller so the documented synthetic-data fallback can kick in. Quota
// compliance is a fixed sleep between calls, not backoff.
type Client struct {
	HTTPClient *retryablehttp.Client
	Logger     *slog.Logger
	throttle   time.Duration
	lastCall   time.Time
}

func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	client := retryablehttp.NewClient()
	client.RetryWaitMin = cfg.Extract.Backoff.RetryWaitMin
	client.RetryWaitMax = cfg.Extract.Backoff.RetryWaitMax
	client.RetryMax = cfg.Extract.Backoff.RetryMax
	client.Logger = logger
	if cfg.Extract.TimeoutSeconds > 0 {
		client.HTTPClient.Timeout = time.Duration(cfg.Extract.TimeoutSeconds) * time.Second
	}

	// Do not retry 429: the caller classifies it and may switch to the
	// synthetic-data fallback instead of hammering the quota.
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	return &Client{
		HTTPClient: client,
		Logger:     logger,
	}
}

// SetThrottle sets the fixed sleep inserted before every call after the
// first. Sized empirically per API to stay under per-minute quotas.
func (c *Client) SetThrottle(d time.Duration) {
	c.throttle = d
}

// StatusError reports a non-200 response.
type StatusError struct {
	Code int
	URL  string
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d fetching %s", e.Code, e.URL)
}

// IsRateLimited reports whether err is an HTTP 429 response.
func IsRateLimited(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusTooManyRequests
}

// IsNotFound reports whether err is an HTTP 404 response.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Get fetches the URL and returns the body; a non-200 status is returned as
// a *StatusError so callers can classify it.
func (c *Client) Get(rawURL string) ([]byte, error) {
	c.sleepForThrottle()

	resp, err := c.HTTPClient.Get(rawURL)
	if err != nil {
		return nil, fmt.Errorf("request failed for %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body from %s: %w", rawURL, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, URL: rawURL, Body: string(body)}
	}

	return body, nil
}

// GetJSON fetches the URL and decodes the JSON response into out.
func (c *Client) GetJSON(rawURL string, out any) error {
	body, err := c.Get(rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding JSON from %s: %w", rawURL, err)
	}
	return nil
}

// URLWithParams appends query parameters to a base URL.
func URLWithParams(rawURL string, params map[string]string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %w", err)
	}
	query := parsed.Query()
	for k, v := range params {
		query.Set(k, v)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func (c *Client) sleepForThrottle() {
	if c.throttle <= 0 {
		return
	}
	if !c.lastCall.IsZero() {
		if wait := c.throttle - time.Since(c.lastCall); wait > 0 {
			time.Sleep(wait)
		}
	}
	c.lastCall = time.Now()
}
