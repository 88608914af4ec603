package langfuse

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fuseview/fuseview/internal/correlation"
	"github.com/fuseview/fuseview/internal/observability"
	"github.com/fuseview/fuseview/internal/pathutil"
)

const apiBasePath = "/api/public"

const (
	// DefaultTimeout bounds each individual HTTP attempt.
	DefaultTimeout = 60 * time.Second
	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries = 2
	// DefaultRetryBaseDelay is the backoff delay before the first retry;
	// subsequent retries double it.
	DefaultRetryBaseDelay = time.Second

	// MaxTracePageSize is the server-side cap on /traces page sizes.
	MaxTracePageSize = 50
	// MaxObservationPageSize is the server-side cap on /observations page sizes.
	MaxObservationPageSize = 100

	defaultPageSize     = 20
	maxErrorBodyExcerpt = 200
)

// RetryPolicy bounds the shared retry/backoff budget for all calls.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// Metrics receives retry events. Implemented by observability.Runtime.
type Metrics interface {
	RecordAPIRetry(ctx context.Context, endpoint string)
	RecordAPIRetryExhausted(ctx context.Context, endpoint string)
}

// Pacer throttles outbound request starts. Implemented by limits.Pacer.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Client issues authenticated calls against one Langfuse-compatible backend.
// One Client is one session: the memoized project id and any other
// client-local state die with it.
type Client struct {
	baseURL    string
	authHeader string
	httpClient *http.Client
	timeout    time.Duration
	retry      RetryPolicy
	logger     *slog.Logger
	metrics    Metrics
	pacer      Pacer

	mu        sync.Mutex
	projectID string
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithTransport replaces the underlying transport, e.g. with an
// otelhttp-instrumented one.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *Client) {
		if transport != nil {
			c.httpClient = &http.Client{Transport: transport}
		}
	}
}

// WithTimeout overrides the per-attempt request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithRetryPolicy overrides the retry/backoff budget.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) {
		if policy.MaxRetries >= 0 && policy.BaseDelay > 0 {
			c.retry = policy
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics attaches retry counters.
func WithMetrics(metrics Metrics) Option {
	return func(c *Client) { c.metrics = metrics }
}

// WithPacer attaches a client-side request pacer.
func WithPacer(pacer Pacer) Option {
	return func(c *Client) { c.pacer = pacer }
}

// New builds a client for baseURL authenticated with the given key pair.
// The Basic auth header is computed once; the base URL loses any trailing
// slash.
func New(baseURL, publicKey, secretKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    pathutil.NormalizeBaseURL(baseURL),
		authHeader: "Basic " + base64.StdEncoding.EncodeToString([]byte(publicKey+":"+secretKey)),
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		retry:      RetryPolicy{MaxRetries: DefaultMaxRetries, BaseDelay: DefaultRetryBaseDelay},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the normalized backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HealthCheck probes GET /health. It reports true only for a recognizable
// health payload and never returns an error: the call is a best-effort
// probe, so every failure degrades to false.
func (c *Client) HealthCheck(ctx context.Context) bool {
	var payload map[string]json.RawMessage
	if err := c.get(ctx, "/health", nil, &payload); err != nil {
		c.logger.Debug("health check failed",
			"base_url", c.baseURL,
			"class", Classify(err),
			"error", observability.ScrubCredentials(err.Error()),
		)
		return false
	}
	_, hasStatus := payload["status"]
	_, hasVersion := payload["version"]
	return hasStatus || hasVersion
}

// GetProjects lists projects visible to the key pair. Best effort: any
// failure yields an empty list.
func (c *Client) GetProjects(ctx context.Context) []Project {
	var resp struct {
		Data []Project `json:"data"`
	}
	if err := c.get(ctx, "/projects", nil, &resp); err != nil {
		c.logger.Debug("project listing failed",
			"base_url", c.baseURL,
			"class", Classify(err),
			"error", observability.ScrubCredentials(err.Error()),
		)
		return nil
	}
	return resp.Data
}

// ProjectID resolves the first project's id lazily and memoizes it for the
// life of the session. Returns the empty string when no project is visible;
// an empty result is not memoized so a later call can retry the lookup.
func (c *Client) ProjectID(ctx context.Context) string {
	c.mu.Lock()
	if c.projectID != "" {
		id := c.projectID
		c.mu.Unlock()
		return id
	}
	c.mu.Unlock()

	projects := c.GetProjects(ctx)
	if len(projects) == 0 {
		return ""
	}

	c.mu.Lock()
	if c.projectID == "" {
		c.projectID = projects[0].ID
	}
	id := c.projectID
	c.mu.Unlock()
	return id
}

// SetProjectID pre-seeds the memoized project id.
func (c *Client) SetProjectID(id string) {
	c.mu.Lock()
	c.projectID = strings.TrimSpace(id)
	c.mu.Unlock()
}

// GetTraces fetches one page of traces. The page size is clamped to the
// server-side maximum of 50 regardless of the caller's request.
func (c *Client) GetTraces(ctx context.Context, filter TraceFilter, page, limit int) (*Page[Trace], error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(normalizePage(page)))
	query.Set("limit", strconv.Itoa(clampLimit(limit, MaxTracePageSize)))

	if !filter.FromTimestamp.IsZero() {
		query.Set("fromTimestamp", filter.FromTimestamp.UTC().Format(time.RFC3339))
	}
	if !filter.ToTimestamp.IsZero() {
		query.Set("toTimestamp", filter.ToTimestamp.UTC().Format(time.RFC3339))
	}
	if name := strings.TrimSpace(filter.Name); name != "" {
		query.Set("name", name)
	}
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		query.Set("userId", userID)
	}
	if sessionID := strings.TrimSpace(filter.SessionID); sessionID != "" {
		query.Set("sessionId", sessionID)
	}
	for _, tag := range filter.Tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			query.Add("tags", tag)
		}
	}

	var out Page[Trace]
	if err := c.get(ctx, "/traces", query, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTrace fetches one trace together with its full, unpaginated
// observation list.
func (c *Client) GetTrace(ctx context.Context, traceID string) (*TraceWithObservations, error) {
	traceID = strings.TrimSpace(traceID)
	if traceID == "" {
		return nil, fmt.Errorf("trace id is required")
	}
	var out TraceWithObservations
	if err := c.get(ctx, "/traces/"+url.PathEscape(traceID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetObservations fetches one page of observations, optionally filtered to
// a single trace. The page size is clamped to 100.
func (c *Client) GetObservations(ctx context.Context, traceID string, page, limit int) (*Page[Observation], error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(normalizePage(page)))
	query.Set("limit", strconv.Itoa(clampLimit(limit, MaxObservationPageSize)))
	if traceID = strings.TrimSpace(traceID); traceID != "" {
		query.Set("traceId", traceID)
	}

	var out Page[Observation]
	if err := c.get(ctx, "/observations", query, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetObservation fetches a single observation by id.
func (c *Client) GetObservation(ctx context.Context, observationID string) (*Observation, error) {
	observationID = strings.TrimSpace(observationID)
	if observationID == "" {
		return nil, fmt.Errorf("observation id is required")
	}
	var out Observation
	if err := c.get(ctx, "/observations/"+url.PathEscape(observationID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TraceURL returns the backend web URL for a trace, scoped to the memoized
// project when one has been resolved. It never fetches.
func (c *Client) TraceURL(traceID string) string {
	c.mu.Lock()
	projectID := c.projectID
	c.mu.Unlock()

	if projectID != "" {
		return fmt.Sprintf("%s/project/%s/traces/%s", c.baseURL, projectID, traceID)
	}
	return fmt.Sprintf("%s/traces/%s", c.baseURL, traceID)
}

// get runs one logical GET under the shared retry/backoff budget. Attempt
// n>1 sleeps baseDelay*2^(n-2) first; transient failures are retried until
// the budget is spent, and the last transient error is returned.
func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	requestURL := pathutil.JoinPath(c.baseURL, apiBasePath+endpoint)
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxRetries+1; attempt++ {
		if attempt > 1 {
			delay := c.retry.BaseDelay << (attempt - 2)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return lastErr
			case <-timer.C:
			}
			if c.metrics != nil {
				c.metrics.RecordAPIRetry(ctx, endpoint)
			}
			c.logger.Warn("retrying langfuse request",
				"endpoint", endpoint,
				"attempt", attempt,
				"class", Classify(lastErr),
				"error", observability.ScrubCredentials(lastErr.Error()),
			)
		}

		if c.pacer != nil {
			if err := c.pacer.Wait(ctx); err != nil {
				return err
			}
		}

		err := c.do(ctx, requestURL, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return err
		}
		// Parent cancellation is terminal even when the failure class would
		// otherwise be retried.
		if ctx.Err() != nil {
			return err
		}
	}

	if c.metrics != nil {
		c.metrics.RecordAPIRetryExhausted(ctx, endpoint)
	}
	return lastErr
}

// do performs one timeout-bounded attempt.
func (c *Client) do(ctx context.Context, requestURL string, out any) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, requestURL, nil)
	if err != nil {
		return fmt.Errorf("build langfuse request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	correlation.EnsureOutbound(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Distinguish our per-attempt timeout from a caller cancellation.
		if attemptCtx.Err() != nil && ctx.Err() == nil {
			return &TimeoutError{After: c.timeout}
		}
		return fmt.Errorf("langfuse request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{
			Status: resp.StatusCode,
			Body:   readBodyExcerpt(resp.Body, maxErrorBodyExcerpt),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode langfuse response: %w", err)
	}
	return nil
}

func readBodyExcerpt(body io.Reader, limit int) string {
	buf, err := io.ReadAll(io.LimitReader(body, int64(limit)+1))
	if err != nil && len(buf) == 0 {
		return ""
	}
	excerpt := strings.TrimSpace(string(buf))
	if len(excerpt) > limit {
		excerpt = excerpt[:limit]
	}
	return excerpt
}

func normalizePage(page int) int {
	if page < 1 {
		return 1
	}
	return page
}

func clampLimit(limit, max int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > max {
		return max
	}
	return limit
}
