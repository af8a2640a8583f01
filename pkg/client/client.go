// Package client provides a CATMAID HTTP client with client-side throttling,
// retries and a response cache.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/catmaid-client/pkg/cache"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/Sternrassler/catmaid-client/pkg/client"

// Client is a CATMAID API client. Successful JSON responses are kept in a
// ResponseCache so repeated requests within a session skip the network.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	limiter    *rate.Limiter
	cache      *cache.ResponseCache[json.RawMessage]
	tracer     trace.Tracer
	retry      RetryConfig
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// ServerURL is the base URL of the CATMAID instance (REQUIRED)
	ServerURL string

	// APIToken is sent as "X-Authorization: Token <APIToken>"
	APIToken string

	// HTTP basic auth, for servers behind an authenticating proxy
	HTTPUser     string
	HTTPPassword string

	// User-Agent header (REQUIRED)
	UserAgent string

	// Timeout bounds a single HTTP attempt (0 = no timeout)
	Timeout time.Duration

	// Rate Limiting
	RateLimit float64 // Requests per second (0 = unlimited)
	Burst     int     // Requests allowed at once (default 1)

	// Retry
	MaxRetries     int // Retries after the initial attempt
	InitialBackoff time.Duration

	// Caching
	Caching          bool
	CacheSizeLimitMB float64       // 0 = unlimited
	CacheTimeLimit   time.Duration // 0 = unlimited

	// TracerProvider supplies fetch spans (default: the global provider)
	TracerProvider trace.TracerProvider
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(serverURL string) Config {
	return Config{
		ServerURL:        serverURL,
		UserAgent:        "catmaid-client/1.0",
		Timeout:          30 * time.Second,
		RateLimit:        10,
		Burst:            5,
		MaxRetries:       2,
		InitialBackoff:   1 * time.Second,
		Caching:          true,
		CacheSizeLimitMB: 128,
		CacheTimeLimit:   15 * time.Minute,
	}
}

// New creates a new CATMAID client.
func New(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server_url is required")
	}
	baseURL, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server_url: %w", err)
	}
	if (baseURL.Scheme != "http" && baseURL.Scheme != "https") || baseURL.Host == "" {
		return nil, fmt.Errorf("server_url must be an absolute http(s) URL (got %q)", cfg.ServerURL)
	}

	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout must be >= 0 (got %v)", cfg.Timeout)
	}
	if cfg.RateLimit < 0 || cfg.Burst < 0 {
		return nil, fmt.Errorf("rate_limit and burst must be >= 0 (got %v, %d)", cfg.RateLimit, cfg.Burst)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0 (got %d)", cfg.MaxRetries)
	}
	if cfg.InitialBackoff < 0 {
		return nil, fmt.Errorf("initial_backoff must be >= 0 (got %v)", cfg.InitialBackoff)
	}

	logger := log.With().
		Str("component", "catmaid-client").
		Str("server", baseURL.Host).
		Logger()

	responses, err := cache.New(cache.Config{
		Name:        baseURL.Host,
		Enabled:     cfg.Caching,
		SizeLimitMB: cfg.CacheSizeLimitMB,
		TimeLimit:   cfg.CacheTimeLimit,
		Logger:      &logger,
	},
		cache.WithCodec[json.RawMessage](cache.BytesCodec[json.RawMessage]{}),
		cache.WithSizer[json.RawMessage](cache.BytesSizer[json.RawMessage]),
	)
	if err != nil {
		return nil, fmt.Errorf("create response cache: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst == 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	retry := DefaultRetryConfig()
	retry.MaxAttempts = cfg.MaxRetries + 1
	retry.InitialBackoff = cfg.InitialBackoff

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL: baseURL,
		limiter: limiter,
		cache:   responses,
		tracer:  tp.Tracer(tracerName),
		retry:   retry,
		config:  cfg,
		logger:  logger,
	}, nil
}

// Request describes a CATMAID API call.
type Request struct {
	// Method is the HTTP method (default GET, or POST when Form is set)
	Method string

	// Endpoint is the API path relative to the server URL,
	// e.g. "/1/skeletons/16/compact-detail"
	Endpoint string

	// Query is appended to the URL
	Query url.Values

	// Form is sent as an application/x-www-form-urlencoded body
	Form url.Values

	// NoCache skips both cache lookup and insertion
	NoCache bool
}

func (r Request) method() string {
	m := strings.ToUpper(strings.TrimSpace(r.Method))
	switch {
	case m != "":
		return m
	case len(r.Form) > 0:
		return http.MethodPost
	default:
		return http.MethodGet
	}
}

func (c *Client) cacheKey(r Request) cache.CacheKey {
	return cache.CacheKey{
		Method:      r.method(),
		Server:      c.config.ServerURL,
		Endpoint:    r.Endpoint,
		QueryParams: r.Query,
		FormParams:  r.Form,
	}
}

// Fetch returns the JSON response for r. Cached responses are returned
// without contacting the server. Fresh responses are validated, then cached;
// CATMAID error payloads are returned as *APIError and never cached.
//
// The returned slice is shared with the cache and must not be modified.
func (c *Client) Fetch(ctx context.Context, r Request) (json.RawMessage, error) {
	method := r.method()

	ctx, span := c.tracer.Start(ctx, "catmaid.fetch", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("http.request.method", method),
		attribute.String("catmaid.endpoint", r.Endpoint),
	)

	key := c.cacheKey(r)
	if !r.NoCache {
		if body, ok := c.cache.Lookup(key); ok {
			span.SetAttributes(attribute.Bool("catmaid.cache_hit", true))
			requestsTotal.WithLabelValues(method, "cache_hit").Inc()
			return body, nil
		}
	}
	span.SetAttributes(attribute.Bool("catmaid.cache_hit", false))

	startTime := time.Now()
	body, err := c.do(ctx, method, r)
	requestDuration.WithLabelValues(method).Observe(time.Since(startTime).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("catmaid.response_bytes", len(body)))

	if !r.NoCache {
		if err := c.cache.Insert(key, body); err != nil {
			// The response is still good; it just isn't kept.
			c.logger.Debug().Err(err).Str("endpoint", r.Endpoint).Msg("Response not cached")
		}
	}
	return body, nil
}

// do performs the HTTP exchange with throttling and retries.
func (c *Client) do(ctx context.Context, method string, r Request) (json.RawMessage, error) {
	target := strings.TrimRight(c.baseURL.String(), "/") + "/" + strings.TrimLeft(r.Endpoint, "/")
	if len(r.Query) > 0 {
		target += "?" + r.Query.Encode()
	}

	var form string
	if len(r.Form) > 0 {
		form = r.Form.Encode()
	}

	c.logger.Debug().
		Str("endpoint", r.Endpoint).
		Str("method", method).
		Msg("Executing CATMAID request")

	var body json.RawMessage
	err := retryWithBackoff(ctx, c.retry, func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%w: %v", ErrContextCancelled, err)
			}
		}

		var reqBody io.Reader
		if form != "" {
			reqBody = strings.NewReader(form)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
		if err != nil {
			return &APIError{ErrorClass: ErrorClassClient, Message: "build request", Err: err}
		}
		c.setHeaders(req, form != "")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			requestsTotal.WithLabelValues(method, "network_error").Inc()
			c.logger.Warn().Err(err).Str("endpoint", r.Endpoint).Msg("HTTP request failed")
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			requestsTotal.WithLabelValues(method, "network_error").Inc()
			return fmt.Errorf("read response: %w", err)
		}
		requestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode >= 400 {
			apiErr := responseError(resp, data)
			errorsTotal.WithLabelValues(string(apiErr.ErrorClass)).Inc()
			c.logger.Warn().
				Str("endpoint", r.Endpoint).
				Int("status", resp.StatusCode).
				Str("error_class", string(apiErr.ErrorClass)).
				Msg("CATMAID request error")
			return apiErr
		}

		body, err = validateBody(resp.StatusCode, data)
		if err != nil {
			class := classOf(err)
			errorsTotal.WithLabelValues(string(class)).Inc()
			c.logger.Warn().Err(err).Str("endpoint", r.Endpoint).Msg("CATMAID returned an error payload")
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) setHeaders(req *http.Request, form bool) {
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	if form {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if c.config.APIToken != "" {
		req.Header.Set("X-Authorization", "Token "+c.config.APIToken)
	}
	if c.config.HTTPUser != "" {
		req.SetBasicAuth(c.config.HTTPUser, c.config.HTTPPassword)
	}
}

// responseError builds the error for a 4xx/5xx response, using the CATMAID
// error payload when the body carries one.
func responseError(resp *http.Response, data []byte) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		ErrorClass: classifyStatus(resp.StatusCode),
		Message:    resp.Status,
	}
	if gjson.ValidBytes(data) {
		payload := gjson.ParseBytes(data)
		if msg := payload.Get("error"); msg.Exists() {
			apiErr.Message = msg.String()
			apiErr.Type = payload.Get("type").String()
			apiErr.Detail = payload.Get("detail").String()
		}
	}
	if apiErr.ErrorClass == ErrorClassRateLimit {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}

// validateBody checks that a 2xx body is JSON and not a CATMAID error
// payload, which the server sends with status 200.
func validateBody(status int, data []byte) (json.RawMessage, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: %d bytes of non-JSON content", ErrInvalidResponse, len(data))
	}
	payload := gjson.ParseBytes(data)
	if payload.IsObject() {
		if msg := payload.Get("error"); msg.Exists() && msg.Type != gjson.Null {
			return nil, &APIError{
				StatusCode: status,
				ErrorClass: ErrorClassAPI,
				Message:    msg.String(),
				Type:       payload.Get("type").String(),
				Detail:     payload.Get("detail").String(),
			}
		}
	}
	return json.RawMessage(data), nil
}

// Get fetches endpoint with optional query parameters.
func (c *Client) Get(ctx context.Context, endpoint string, query url.Values) (json.RawMessage, error) {
	return c.Fetch(ctx, Request{Method: http.MethodGet, Endpoint: endpoint, Query: query})
}

// Post fetches endpoint with form-encoded parameters.
func (c *Client) Post(ctx context.Context, endpoint string, form url.Values) (json.RawMessage, error) {
	return c.Fetch(ctx, Request{Method: http.MethodPost, Endpoint: endpoint, Form: form})
}

// Caching reports whether responses are cached.
func (c *Client) Caching() bool {
	return c.cache.Enabled()
}

// SetCaching turns response caching on or off. Cached entries are kept.
func (c *Client) SetCaching(enabled bool) {
	c.cache.SetEnabled(enabled)
	c.logger.Info().Bool("enabled", enabled).Msg("Response caching toggled")
}

// Cache returns the response cache, for clearing, resizing and persisting it.
func (c *Client) Cache() *cache.ResponseCache[json.RawMessage] {
	return c.cache
}

// ServerURL returns the configured server URL.
func (c *Client) ServerURL() string {
	return c.config.ServerURL
}

// Close closes the client and releases resources.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
