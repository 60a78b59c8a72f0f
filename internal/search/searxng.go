// Package search queries a SearxNG instance with bounded, exponential retries.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ignatij/goresearch/pkg/research"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// errNoResults marks an empty-but-successful answer, which SearxNG returns transiently.
var errNoResults = errors.New("searxng returned 0 results")

type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type searxResponse struct {
	Query   string        `json:"query"`
	Results []searxResult `json:"results"`
}

type searxResult struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Engine  string `json:"engine"`
}

// Options tune the retry policy. Zero values fall back to defaults.
type Options struct {
	MaxTries        uint          // attempts per keyword, including the first
	InitialInterval time.Duration // first backoff delay
	MaxInterval     time.Duration // cap on a single backoff delay
	Timeout         time.Duration // per request
	MaxResults      int           // hits kept per keyword
}

func DefaultOptions() Options {
	return Options{
		MaxTries:        4,
		InitialInterval: 2 * time.Second,
		MaxInterval:     10 * time.Second,
		Timeout:         15 * time.Second,
		MaxResults:      3,
	}
}

// Client implements research.Searcher.
type Client struct {
	endpoint string
	opts     Options
	http     *http.Client
	logger   Logger
}

// NewClient targets baseURL, e.g. http://localhost:9527.
func NewClient(baseURL string, opts Options, logger Logger) *Client {
	def := DefaultOptions()
	if opts.MaxTries == 0 {
		opts.MaxTries = def.MaxTries
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = def.InitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = def.MaxInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = def.MaxResults
	}
	return &Client{
		endpoint: strings.TrimRight(baseURL, "/") + "/search",
		opts:     opts,
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// Search retries transport errors, 5xx/429 answers and empty result lists. When the
// retries run out on empty results it returns an empty slice and no error.
func (c *Client) Search(ctx context.Context, keyword string) ([]research.SearchResult, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialInterval
	b.MaxInterval = c.opts.MaxInterval

	results, err := backoff.Retry(ctx, func() ([]research.SearchResult, error) {
		return c.query(ctx, keyword)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.opts.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Infof("Search for '%s' will be retried in %s: %v", keyword, next, err)
		}),
	)
	if errors.Is(err, errNoResults) {
		c.logger.Infof("Search for '%s' returned no results after %d attempts", keyword, c.opts.MaxTries)
		return []research.SearchResult{}, nil
	}
	if err != nil {
		c.logger.Errorf("Search for '%s' failed: %v", keyword, err)
		return nil, err
	}
	c.logger.Infof("Search for '%s' returned %d results", keyword, len(results))
	return results, nil
}

func (c *Client) query(ctx context.Context, keyword string) ([]research.SearchResult, error) {
	params := url.Values{"q": {keyword}, "format": {"json"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("searxng request failed with status %d", resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	var data searxResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to unmarshal response: %w", err))
	}
	if len(data.Results) == 0 {
		return nil, errNoResults
	}

	n := len(data.Results)
	if n > c.opts.MaxResults {
		n = c.opts.MaxResults
	}
	results := make([]research.SearchResult, 0, n)
	for _, r := range data.Results[:n] {
		title := r.Title
		if title == "" {
			title = "Untitled"
		}
		results = append(results, research.SearchResult{
			Keyword: keyword,
			Title:   title,
			URL:     r.URL,
			Content: r.Content,
		})
	}
	return results, nil
}
