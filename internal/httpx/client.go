package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
	"github.com/ggonzalez94/defi-voice/internal/notify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Backend names one of the separately configured upstream services.
type Backend string

const (
	BackendAuth      Backend = "auth"
	BackendData      Backend = "data"
	BackendWallet    Backend = "wallet"
	BackendAnalytics Backend = "analytics"
	BackendProxy     Backend = "proxy"
)

// DefaultBodyLogLimit caps how many bytes of a request or response body are logged.
const DefaultBodyLogLimit = 2048

type BackendConfig struct {
	BaseURL       string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// TokenSource resolves the bearer token at send time and refreshes it on expiry.
type TokenSource interface {
	AccessToken() string
	Refresh(ctx context.Context) error
}

type backendClient struct {
	name       Backend
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type Client struct {
	httpClient   *http.Client
	retries      int
	userAgent    string
	backends     map[Backend]*backendClient
	tokens       TokenSource
	logger       zerolog.Logger
	notifier     notify.Notifier
	bodyLogLimit int
	isExpired    func(status int, body []byte) bool
	sleep        func(ctx context.Context, d time.Duration) error
}

type Option func(*Client)

func WithBackend(name Backend, cfg BackendConfig) Option {
	return func(c *Client) {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = c.httpClient.Timeout
		}
		bc := &backendClient{
			name:       name,
			baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			httpClient: &http.Client{Timeout: timeout},
		}
		if cfg.RatePerSecond > 0 {
			burst := cfg.Burst
			if burst <= 0 {
				burst = 1
			}
			bc.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
		}
		c.backends[name] = bc
	}
}

func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithNotifier(n notify.Notifier) Option {
	return func(c *Client) { c.notifier = n }
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithExpiredTokenDetector overrides how an expired-token response is recognised.
func WithExpiredTokenDetector(fn func(status int, body []byte) bool) Option {
	return func(c *Client) { c.isExpired = fn }
}

func New(timeout time.Duration, retries int, opts ...Option) *Client {
	if retries < 0 {
		retries = 0
	}
	c := &Client{
		httpClient:   &http.Client{Timeout: timeout},
		retries:      retries,
		userAgent:    "defi-voice/1.0",
		backends:     make(map[Backend]*backendClient),
		logger:       log.Logger,
		notifier:     notify.Discard{},
		bodyLogLimit: DefaultBodyLogLimit,
		isExpired:    IsExpiredTokenResponse,
		sleep:        sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HasBackend reports whether a base URL is configured for the backend.
func (c *Client) HasBackend(name Backend) bool {
	bc, ok := c.backends[name]
	return ok && bc.baseURL != ""
}

// Request performs a JSON call against a named backend and decodes the
// response into T. Failures carry an *APIError in their chain.
func Request[T any](ctx context.Context, c *Client, method string, backend Backend, path string, body any) (T, error) {
	var out T
	var payload []byte
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return out, clierr.Wrap(clierr.CodeInternal, "encode request body", err)
		}
		payload = buf
	}
	if err := c.Do(ctx, backend, method, path, payload, &out); err != nil {
		return out, err
	}
	return out, nil
}

// Do sends body to backend+path, injecting the current bearer token. An
// expired-token response triggers exactly one refresh and one replay.
func (c *Client) Do(ctx context.Context, backend Backend, method, path string, body []byte, out any) error {
	bc, ok := c.backends[backend]
	if !ok || bc.baseURL == "" {
		return clierr.New(clierr.CodeInternal, fmt.Sprintf("backend %q is not configured", backend))
	}
	endpoint := bc.baseURL + "/" + strings.TrimLeft(path, "/")
	if path == "" {
		endpoint = bc.baseURL
	}

	build := func(ctx context.Context) (*http.Request, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.tokens != nil {
			if token := strings.TrimSpace(c.tokens.AccessToken()); token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
		}
		return req, nil
	}

	err := c.roundTrip(ctx, bc, build, out)
	if !isTokenExpired(err) || c.tokens == nil {
		return finalize(err)
	}

	c.logger.Info().Str("backend", string(backend)).Msg("access token expired; refreshing")
	if refreshErr := c.tokens.Refresh(ctx); refreshErr != nil {
		return clierr.Wrap(clierr.CodeAuthExpired, "refresh access token", refreshErr)
	}
	err = c.roundTrip(ctx, bc, build, out)
	if isTokenExpired(err) {
		return clierr.Wrap(clierr.CodeAuthExpired, "access token still expired after refresh", err.(*tokenExpiredError).api)
	}
	return finalize(err)
}

// DoJSON sends a fully built request to an external (non-backend) API
// using the same retry and logging policy. No bearer token is attached.
func (c *Client) DoJSON(ctx context.Context, req *http.Request, out any) (http.Header, error) {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	var body []byte
	if req.Body != nil && req.GetBody == nil {
		buf, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "read request body", err)
		}
		body = buf
	}
	var header http.Header
	build := func(ctx context.Context) (*http.Request, error) {
		clone := req.Clone(ctx)
		switch {
		case req.GetBody != nil:
			b, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			clone.Body = b
		case body != nil:
			clone.Body = io.NopCloser(bytes.NewReader(body))
		}
		return clone, nil
	}
	bc := &backendClient{name: Backend(req.URL.Host), httpClient: c.httpClient}
	err := c.roundTripHeader(ctx, bc, build, out, &header)
	if isTokenExpired(err) {
		err = err.(*tokenExpiredError).api
	}
	return header, finalize(err)
}

func (c *Client) roundTrip(ctx context.Context, bc *backendClient, build func(context.Context) (*http.Request, error), out any) error {
	return c.roundTripHeader(ctx, bc, build, out, nil)
}

func (c *Client) roundTripHeader(ctx context.Context, bc *backendClient, build func(context.Context) (*http.Request, error), out any, header *http.Header) error {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, backoff(attempt)); err != nil {
				return clierr.Wrap(clierr.CodeUnavailable, "request cancelled", err)
			}
		}
		if bc.limiter != nil {
			if err := bc.limiter.Wait(ctx); err != nil {
				return clierr.Wrap(clierr.CodeUnavailable, "request cancelled", err)
			}
		}

		req, err := build(ctx)
		if err != nil {
			return clierr.Wrap(clierr.CodeInternal, "build request", err)
		}
		if req.Header.Get("Accept") == "" {
			req.Header.Set("Accept", "application/json")
		}
		if req.Header.Get("User-Agent") == "" {
			req.Header.Set("User-Agent", c.userAgent)
		}
		correlationID := uuid.NewString()
		req.Header.Set("X-Correlation-ID", correlationID)
		c.logRequest(bc.name, correlationID, attempt, req)

		start := time.Now()
		resp, err := bc.httpClient.Do(req)
		if err != nil {
			lastErr = networkError(bc.name, err)
			c.logger.Warn().Err(err).
				Str("backend", string(bc.name)).
				Str("correlation_id", correlationID).
				Int("attempt", attempt+1).
				Msg("request failed without response")
			if ctx.Err() != nil {
				return lastErr
			}
			continue
		}

		buf, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if header != nil {
			*header = resp.Header
		}
		c.logResponse(bc.name, correlationID, resp.StatusCode, time.Since(start), buf)
		if readErr != nil {
			lastErr = networkError(bc.name, readErr)
			continue
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			lastErr = parseAPIError(bc.name, resp.StatusCode, buf)
			continue
		}
		if c.isExpired(resp.StatusCode, buf) {
			return &tokenExpiredError{api: parseAPIError(bc.name, resp.StatusCode, buf)}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return parseAPIError(bc.name, resp.StatusCode, buf)
		}

		if out == nil {
			return nil
		}
		if len(bytes.TrimSpace(buf)) == 0 {
			return &APIError{Type: ErrorTypeUnknown, Backend: bc.name, StatusCode: resp.StatusCode, Errors: []string{"empty response body"}}
		}
		if err := json.Unmarshal(buf, out); err != nil {
			return &APIError{Type: ErrorTypeUnknown, Backend: bc.name, StatusCode: resp.StatusCode, Errors: []string{"decode response: " + err.Error()}}
		}
		return nil
	}

	if api, ok := lastErr.(*APIError); ok && api.StatusCode >= http.StatusInternalServerError {
		c.notifier.Notify(ctx, notify.Error(
			"Service unavailable",
			fmt.Sprintf("The %s service returned an error (status %d). Please try again shortly.", api.Backend, api.StatusCode),
		))
	}
	if lastErr != nil {
		return lastErr
	}
	return &APIError{Type: ErrorTypeNetwork, Backend: bc.name, Errors: []string{"request failed"}}
}

func (c *Client) logRequest(backend Backend, correlationID string, attempt int, req *http.Request) {
	ev := c.logger.Debug()
	if !ev.Enabled() {
		return
	}
	var body []byte
	if req.GetBody != nil {
		if rc, err := req.GetBody(); err == nil {
			body, _ = io.ReadAll(rc)
			_ = rc.Close()
		}
	}
	ev.Str("backend", string(backend)).
		Str("correlation_id", correlationID).
		Int("attempt", attempt+1).
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Str("authorization", RedactAuthorization(req.Header.Get("Authorization"))).
		Str("body", Truncate(body, c.bodyLogLimit)).
		Msg("api request")
}

func (c *Client) logResponse(backend Backend, correlationID string, status int, latency time.Duration, body []byte) {
	ev := c.logger.Debug()
	if status >= http.StatusBadRequest {
		ev = c.logger.Warn()
	}
	ev.Str("backend", string(backend)).
		Str("correlation_id", correlationID).
		Int("status", status).
		Int64("latency_ms", latency.Milliseconds()).
		Str("body", Truncate(body, c.bodyLogLimit)).
		Msg("api response")
}

// RedactAuthorization keeps only the first and last four characters of a bearer token.
func RedactAuthorization(v string) string {
	if v == "" {
		return ""
	}
	scheme, token, found := strings.Cut(v, " ")
	if !found {
		token = scheme
		scheme = ""
	}
	masked := "****"
	if len(token) > 8 {
		masked = token[:4] + "..." + token[len(token)-4:]
	}
	if scheme == "" {
		return masked
	}
	return scheme + " " + masked
}

// Truncate renders body for logs, capped at limit bytes.
func Truncate(body []byte, limit int) string {
	if limit <= 0 || len(body) <= limit {
		return string(body)
	}
	return fmt.Sprintf("%s...(truncated %d bytes)", body[:limit], len(body)-limit)
}

func networkError(backend Backend, err error) *APIError {
	msg := "no response received"
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		msg = "request timed out"
	}
	return &APIError{Type: ErrorTypeNetwork, Backend: backend, Errors: []string{msg}, cause: err}
}

func finalize(err error) error {
	if err == nil {
		return nil
	}
	api, ok := err.(*APIError)
	if !ok {
		return err
	}
	return clierr.Wrap(api.code(), fmt.Sprintf("%s request failed", api.Backend), api)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func backoff(attempt int) time.Duration {
	base := 200 * time.Millisecond
	d := base * time.Duration(1<<uint(attempt-1))
	if d > 3*time.Second {
		d = 3 * time.Second
	}
	jitter := time.Duration(rand.Intn(100)) * time.Millisecond
	return d + jitter
}

func DoBodyJSON(ctx context.Context, c *Client, method, url string, body []byte, headers map[string]string, out any) (http.Header, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.DoJSON(ctx, req, out)
}
