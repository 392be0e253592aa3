package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/agentworkforce/calsync/internal/calsync"
)

// TokenSource yields the bearer token for a provider call. Acquiring and
// refreshing OAuth tokens happens outside this package.
type TokenSource func(ctx context.Context) (string, error)

func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// HTTPOptions tunes the REST client shared by the remote adapters.
type HTTPOptions struct {
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Timeout    time.Duration
}

func newRESTClient(baseURL string, opts HTTPOptions) *resty.Client {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	var client *resty.Client
	if opts.HTTPClient != nil {
		client = resty.NewWithClient(opts.HTTPClient)
	} else {
		client = resty.New().SetTimeout(timeout)
	}
	client.
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetRetryCount(maxRetries).
		SetRetryWaitTime(baseDelay).
		SetRetryMaxWaitTime(maxDelay).
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}
			code := resp.StatusCode()
			return code == http.StatusTooManyRequests || code >= 500
		}).
		SetRetryAfter(func(_ *resty.Client, resp *resty.Response) (time.Duration, error) {
			if resp == nil {
				return 0, nil
			}
			delay := parseRetryAfterSeconds(resp.Header().Get("Retry-After"))
			if delay > maxDelay {
				delay = maxDelay
			}
			return delay, nil
		})
	if ua := strings.TrimSpace(opts.UserAgent); ua != "" {
		client.SetHeader("User-Agent", ua)
	}
	return client
}

// authorized returns a request carrying the bearer token from tokens.
func authorized(ctx context.Context, client *resty.Client, source calsync.Source, tokens TokenSource) (*resty.Request, error) {
	if tokens == nil {
		return nil, &calsync.ProviderError{Source: source, Op: "token", Kind: calsync.ErrAuthExpired, Err: errors.New("no token source configured")}
	}
	token, err := tokens(ctx)
	if err != nil {
		return nil, &calsync.ProviderError{Source: source, Op: "token", Kind: calsync.ErrAuthExpired, Err: err}
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, &calsync.ProviderError{Source: source, Op: "token", Kind: calsync.ErrAuthExpired, Err: errors.New("token is empty")}
	}
	return client.R().SetContext(ctx).SetAuthToken(token), nil
}

// classify maps a transport error or a non-2xx response into the error
// taxonomy. It returns nil for successful responses.
func classify(source calsync.Source, op string, resp *resty.Response, err error) error {
	if err != nil {
		return &calsync.ProviderError{Source: source, Op: op, Kind: calsync.ErrNetwork, Err: err}
	}
	if resp == nil {
		return &calsync.ProviderError{Source: source, Op: op, Kind: calsync.ErrNetwork, Err: errors.New("no response")}
	}
	code := resp.StatusCode()
	if code >= 200 && code <= 299 {
		return nil
	}
	perr := &calsync.ProviderError{Source: source, Op: op, StatusCode: code}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		perr.Kind = calsync.ErrAuthExpired
	case code == http.StatusNotFound:
		perr.Kind = calsync.ErrNotFound
	case code == http.StatusGone:
		perr.Kind = calsync.ErrTokenExpired
	case code == http.StatusTooManyRequests || code >= 500:
		perr.Kind = calsync.ErrNetwork
	}
	if body := strings.TrimSpace(resp.String()); body != "" {
		if len(body) > 512 {
			body = body[:512]
		}
		perr.Err = fmt.Errorf("%s", body)
	}
	return perr
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
