package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rakunlabs/logi"
)

// ErrorHandler is implemented once per source package. It lets each
// provider define its own retry/classification policy without the client
// knowing provider wire formats.
type ErrorHandler interface {
	// ShouldRetry decides whether a non-2xx response should be retried,
	// given the attempt number (1-based) and the configured max.
	ShouldRetry(statusCode, attempt, max int) bool

	// ClassifyError turns a non-2xx response into a coarse Kind.
	ClassifyError(statusCode int, body []byte) Kind

	// IsSyncTokenError reports whether this response represents an
	// incremental-cursor rejection (e.g. Gmail's 410, Google Calendar's
	// "Sync token is no longer valid").
	IsSyncTokenError(statusCode int, body []byte) bool
}

// TokenSource supplies the plaintext bearer token for a source connection.
// internal/token.Manager implements this; kept as an interface here so
// httpclient never imports the token package (token imports httpclient for
// its Error type and kinds, so the dependency must run one way).
type TokenSource interface {
	GetValid(ctx context.Context, sourceConnectionID string) (string, error)

	// ForceRefresh refreshes even when the cached expiry says the token is
	// still valid, for tokens the provider just rejected with a 401.
	ForceRefresh(ctx context.Context, sourceConnectionID string) (string, error)
}

// RetryPolicy configures the exponential-backoff retry loop.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy caps every provider at three attempts unless its
// config says otherwise.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     20 * time.Second,
}

// Client is a per-provider authenticated HTTP client.
type Client struct {
	Provider     string
	BaseURL      string
	Headers      map[string]string
	Retry        RetryPolicy
	ErrorHandler ErrorHandler
	Tokens       TokenSource
	HTTP         *http.Client
}

// New builds a Client. httpClient may be nil, in which case a client with a
// sensible timeout is constructed.
func New(provider, baseURL string, headers map[string]string, retry RetryPolicy, eh ErrorHandler, tokens TokenSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		Provider:     provider,
		BaseURL:      baseURL,
		Headers:      headers,
		Retry:        retry,
		ErrorHandler: eh,
		Tokens:       tokens,
		HTTP:         httpClient,
	}
}

// Do executes one logical request against sourceConnectionID's credentials,
// retrying per policy. bodyFn is called fresh on every attempt so request
// bodies with a non-seekable reader can be rebuilt; pass nil for GET-like
// calls.
func (c *Client) Do(ctx context.Context, sourceConnectionID, method, path string, bodyFn func() io.Reader) (*http.Response, []byte, error) {
	max := c.Retry.MaxAttempts
	if max <= 0 {
		max = DefaultRetryPolicy.MaxAttempts
	}

	logger := logi.Ctx(ctx)
	var lastErr error

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = orDefault(c.Retry.InitialInterval, DefaultRetryPolicy.InitialInterval)
	bo.MaxInterval = orDefault(c.Retry.MaxInterval, DefaultRetryPolicy.MaxInterval)

	forceRefresh := false

	for attempt := 1; attempt <= max; attempt++ {
		token, err := c.tokenFor(ctx, sourceConnectionID, forceRefresh)
		if err != nil {
			return nil, nil, &Error{Kind: KindAuth, Provider: c.Provider, Err: err}
		}
		forceRefresh = false

		var body io.Reader
		if bodyFn != nil {
			body = bodyFn()
		}

		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
		if err != nil {
			return nil, nil, fmt.Errorf("build request: %w", err)
		}
		for k, v := range c.Headers {
			req.Header.Set(k, v)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.HTTP.Do(req)
		if err != nil {
			lastErr = &Error{Kind: KindNetwork, Provider: c.Provider, Err: err}
			logger.Warn("httpclient: transport error, retrying", "provider", c.Provider, "attempt", attempt, "error", err)
			sleepBackoff(ctx, bo)
			continue
		}

		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, respBody, nil
		}

		if c.ErrorHandler != nil && c.ErrorHandler.IsSyncTokenError(resp.StatusCode, respBody) {
			// Not retried by the client; surfaced so the sync executor can
			// fall back to a full refresh.
			return resp, respBody, &Error{Kind: KindSyncToken, StatusCode: resp.StatusCode, Provider: c.Provider}
		}

		kind := KindClient
		if c.ErrorHandler != nil {
			kind = c.ErrorHandler.ClassifyError(resp.StatusCode, respBody)
		} else {
			kind = defaultClassify(resp.StatusCode)
		}
		classified := &Error{Kind: kind, StatusCode: resp.StatusCode, Provider: c.Provider}
		if kind == KindRateLimit {
			classified.RetryAfter = resp.Header.Get("Retry-After")
		}
		lastErr = classified

		retry := false
		if c.ErrorHandler != nil {
			retry = c.ErrorHandler.ShouldRetry(resp.StatusCode, attempt, max)
		} else {
			retry = defaultShouldRetry(resp.StatusCode, attempt, max)
		}
		if !retry {
			return resp, respBody, lastErr
		}

		if resp.StatusCode == http.StatusUnauthorized {
			forceRefresh = true
		}

		wait := bo.NextBackOff()
		if resp.StatusCode == http.StatusTooManyRequests {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, err := strconv.Atoi(ra); err == nil {
					wait = time.Duration(secs) * time.Second
				}
			}
		}
		logger.Warn("httpclient: retryable error", "provider", c.Provider, "status", resp.StatusCode, "attempt", attempt, "wait", wait)
		sleepFor(ctx, wait)
	}

	return nil, nil, lastErr
}

func (c *Client) tokenFor(ctx context.Context, sourceConnectionID string, force bool) (string, error) {
	if c.Tokens == nil {
		return "", nil
	}
	if force {
		// The prior attempt got a 401: the provider rejected a token the
		// cached expiry still considered valid, so refresh unconditionally.
		return c.Tokens.ForceRefresh(ctx, sourceConnectionID)
	}
	return c.Tokens.GetValid(ctx, sourceConnectionID)
}

func defaultClassify(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindClient
	default:
		return KindClient
	}
}

func defaultShouldRetry(status, attempt, max int) bool {
	if attempt >= max {
		return false
	}
	switch {
	case status == http.StatusUnauthorized && attempt == 1:
		return true // one retry after forcing a refresh
	case status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}

func sleepBackoff(ctx context.Context, bo *backoff.ExponentialBackOff) {
	sleepFor(ctx, bo.NextBackOff())
}

func sleepFor(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
