// Package analysisapi is the HTTP client for the remote account analysis
// service.
package analysisapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL        = "http://localhost:8000/api/v1"
	DefaultRequestTimeout = 20 * time.Second
	maxRetries            = 3
	initialBackoff        = 500 * time.Millisecond
	maxErrorBody          = 64 << 10
)

// Client talks to the analysis service. It is safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	timeout    time.Duration
	backoff    time.Duration
}

type Option func(*Client)

// WithRequestTimeout bounds every single HTTP exchange.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryBackoff sets the first wait after a 429. It doubles per retry.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

// New returns a client for baseURL, which includes the /api/v1 prefix.
// An empty token sends no Authorization header.
func New(baseURL, token string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
		timeout:    DefaultRequestTimeout,
		backoff:    initialBackoff,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) CreateAnalysis(ctx context.Context, req CreateRequest) (CreateResponse, error) {
	var out CreateResponse
	err := c.do(ctx, http.MethodPost, "/analysis/", req, &out)
	return out, err
}

func (c *Client) GetProgress(ctx context.Context, id int64) (Progress, error) {
	var out Progress
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/analysis/%d/progress", id), nil, &out)
	return out, err
}

func (c *Client) GetFullResult(ctx context.Context, id int64) (FullResult, error) {
	var out FullResult
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/analysis/%d/full", id), nil, &out)
	return out, err
}

// ListAnalyses returns the caller's analyses, newest first.
func (c *Client) ListAnalyses(ctx context.Context) ([]ListItem, error) {
	var out []ListItem
	if err := c.do(ctx, http.MethodGet, "/analysis/", nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []ListItem{}
	}
	return out, nil
}

func (c *Client) SetRecommendationAccepted(ctx context.Context, id, recID int64, accepted bool) (RecommendationUpdate, error) {
	var out RecommendationUpdate
	body := map[string]bool{"is_accepted": accepted}
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/analysis/%d/recommendations/%d", id, recID), body, &out)
	return out, err
}

// RegenerateStrategy starts a new sales strategy run. The service requires
// at least one accepted recommendation.
func (c *Client) RegenerateStrategy(ctx context.Context, id int64) (Ack, error) {
	var out Ack
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/analysis/%d/regenerate-strategy", id), nil, &out)
	return out, err
}

func (c *Client) DeleteAnalysis(ctx context.Context, id int64) (Ack, error) {
	var out Ack
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/analysis/%d", id), nil, &out)
	return out, err
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	err *Error
}

func (e *rateLimitError) Error() string { return e.err.Error() }
func (e *rateLimitError) Unwrap() error { return e.err }

// do sends one request, retrying 429 responses with exponential backoff.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
	}

	var lastErr error
	for attempt := range maxRetries {
		err := c.doOnce(ctx, method, path, body, out)
		var rl *rateLimitError
		if !errors.As(err, &rl) {
			return err
		}
		lastErr = rl.err
		if attempt < maxRetries-1 {
			wait := time.Duration(float64(c.backoff) * math.Pow(2, float64(attempt)))
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	return fmt.Errorf("rate limited after %d attempts: %w", maxRetries, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, body []byte, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, redact(req.URL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := newError(resp, respBody)
		if resp.StatusCode == http.StatusTooManyRequests {
			return &rateLimitError{err: apiErr}
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

func redact(u *url.URL) string {
	cp := *u
	cp.User = nil
	cp.RawQuery = ""
	return cp.String()
}
