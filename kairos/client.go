// Package kairos is a minimal KairosDB client: just the metric-name
// catalog that rollup discovery reads.
package kairos

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	"golang.org/x/time/rate"

	"github.com/teranos/portal/errors"
)

const metricNamesPath = "/api/v1/metricnames"

// maxErrorBody caps how much of a failed response ends up in the error
const maxErrorBody = 512

// ClientConfig configures a Client
type ClientConfig struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64 // 0 disables rate limiting
}

// Validate rejects an unusable endpoint or limits
func (c ClientConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.NewConfigurationError("kairos base url is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return errors.WithSecondaryError(errors.NewConfigurationError("kairos base url %q is malformed", c.BaseURL), err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.NewConfigurationError("kairos base url %q must be http or https", c.BaseURL)
	}
	if u.Host == "" {
		return errors.NewConfigurationError("kairos base url %q has no host", c.BaseURL)
	}
	if c.Timeout <= 0 {
		return errors.NewConfigurationError("kairos timeout must be positive, got %s", c.Timeout)
	}
	if c.RequestsPerSecond < 0 {
		return errors.NewConfigurationError("kairos requests per second must not be negative, got %v", c.RequestsPerSecond)
	}
	return nil
}

// Client talks to one KairosDB endpoint
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient returns a client on a pooled transport
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = cfg.Timeout

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		limiter:    limiter,
	}, nil
}

type metricNamesResponse struct {
	Results []string `json:"results"`
}

// QueryMetricNames returns every metric name KairosDB knows.
// Failures are marked errors.ErrTransientFetch.
func (c *Client) QueryMetricNames(ctx context.Context) ([]string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, transient(err, "rate limiter wait")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+metricNamesPath, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build metric names request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transient(err, "metric names request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := errors.Newf("kairos returned %s", resp.Status)
		if len(body) > 0 {
			err = errors.WithDetail(err, strings.TrimSpace(string(body)))
		}
		return nil, transient(err, "metric names request")
	}

	var decoded metricNamesResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, transient(err, "decode metric names")
	}
	return decoded.Results, nil
}

func transient(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), errors.ErrTransientFetch)
}
