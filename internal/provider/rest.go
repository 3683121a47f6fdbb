package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shohag/calrelay/internal/config"
	"github.com/shohag/calrelay/internal/models"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const maxResponseSize = 1 << 20

// Option customizes the HTTP plumbing of the REST adapters.
type Option func(*restOptions)

type restOptions struct {
	base *http.Client
}

// WithHTTPClient sets the client whose transport carries the authorized requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *restOptions) { o.base = c }
}

// restClient is the shared JSON-over-HTTP client of the Google and Graph
// adapters. The access token is supplied by configuration and never refreshed.
type restClient struct {
	client    *http.Client
	limiter   *rate.Limiter
	baseURL   string
	userAgent string
	decodeErr func(status int, body []byte) *Error
}

func newRESTClient(cfg config.ProviderConfig, defaultBase string, decodeErr func(int, []byte) *Error, opts ...Option) *restClient {
	o := restOptions{base: &http.Client{}}
	for _, opt := range opts {
		opt(&o)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, o.base)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken, TokenType: "Bearer"}))
	client.Timeout = timeout

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := int(cfg.RateLimit)
	if burst < 1 {
		burst = 1
	}

	base := cfg.BaseURL
	if base == "" {
		base = defaultBase
	}
	return &restClient{
		client:    client,
		limiter:   rate.NewLimiter(limit, burst),
		baseURL:   strings.TrimRight(base, "/"),
		userAgent: "CalRelay/1.0",
		decodeErr: decodeErr,
	}
}

// do sends one JSON request. Any non-2xx status is returned as a normalized
// *Error; out may be nil.
func (c *restClient) do(ctx context.Context, method, path string, in, out interface{}) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, NewError(CodeRateLimit, "local rate limit: %v", err)
	}

	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = c.baseURL + path
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, NewError(CodeValidation, "encode request: %v", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, NewError(CodeUnknown, "failed to create request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, AsError(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return resp.StatusCode, AsError(fmt.Errorf("failed to read response body: %w", err))
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, c.decodeErr(resp.StatusCode, data)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, NewError(CodeProviderError, "decode response: %v", err)
		}
	}
	return resp.StatusCode, nil
}

func locationText(loc *models.Location) string {
	if loc == nil {
		return ""
	}
	if loc.Address == "" {
		return loc.Name
	}
	if loc.Name == "" {
		return loc.Address
	}
	return loc.Name + ", " + loc.Address
}
