package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/felipepmaragno/chatcore/internal/circuitbreaker"
	"github.com/felipepmaragno/chatcore/internal/domain"
	"github.com/felipepmaragno/chatcore/internal/httputil"
)

const (
	DefaultBraveBaseURL = "https://api.search.brave.com/res/v1"
	defaultResultCount  = 5
)

// SearchResult is one web hit.
type SearchResult struct {
	Title       string
	URL         string
	Description string
}

// Searcher runs a web search with the caller's API key.
type Searcher interface {
	Search(ctx context.Context, query, apiKey string) ([]SearchResult, error)
}

// BraveClient calls the Brave Search web endpoint. Requests are paced by a
// token bucket and guarded by a circuit breaker.
type BraveClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
	count   int
}

type BraveOption func(*BraveClient)

func WithRateLimit(perSecond float64, burst int) BraveOption {
	return func(c *BraveClient) {
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithBreaker(b *circuitbreaker.Breaker) BraveOption {
	return func(c *BraveClient) {
		c.breaker = b
	}
}

func WithHTTPClient(client *http.Client) BraveOption {
	return func(c *BraveClient) {
		c.client = client
	}
}

func WithResultCount(n int) BraveOption {
	return func(c *BraveClient) {
		if n > 0 {
			c.count = n
		}
	}
}

func NewBraveClient(baseURL string, opts ...BraveOption) *BraveClient {
	if baseURL == "" {
		baseURL = DefaultBraveBaseURL
	}
	c := &BraveClient{
		baseURL: baseURL,
		client:  httputil.DefaultClient(),
		limiter: rate.NewLimiter(rate.Limit(1), 1),
		count:   defaultResultCount,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = circuitbreaker.New("search", circuitbreaker.DefaultConfig())
	}
	return c
}

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (c *BraveClient) Search(ctx context.Context, query, apiKey string) ([]SearchResult, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: search API key not configured", domain.ErrMissingCredential)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	var results []SearchResult
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		results, err = c.search(ctx, query, apiKey)
		return err
	})
	return results, err
}

func (c *BraveClient) search(ctx context.Context, query, apiKey string) ([]SearchResult, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("count", strconv.Itoa(c.count))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/web/search?"+params.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &domain.UpstreamError{Status: resp.StatusCode, Message: httputil.ErrorMessage(resp.Body)}
	}

	var body braveResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 5<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	results := make([]SearchResult, 0, len(body.Web.Results))
	for _, r := range body.Web.Results {
		results = append(results, SearchResult{Title: r.Title, URL: r.URL, Description: r.Description})
	}
	return results, nil
}
