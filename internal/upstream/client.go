// Package upstream talks to the OpenAI-compatible chat endpoint: it opens
// streaming completions and fetches the raw model catalog. Failures are
// classified into the domain error taxonomy; nothing is retried here.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/felipepmaragno/chatcore/internal/circuitbreaker"
	"github.com/felipepmaragno/chatcore/internal/domain"
	"github.com/felipepmaragno/chatcore/internal/httputil"
)

const maxCatalogBody = 8 << 20

type Client struct {
	baseURL string
	stream  *http.Client
	client  *http.Client
	headers map[string]string
	breaker *circuitbreaker.Breaker
}

type Option func(*Client)

// WithHTTPClients overrides the streaming and request/response clients.
func WithHTTPClients(stream, client *http.Client) Option {
	return func(c *Client) {
		c.stream = stream
		c.client = client
	}
}

// WithBreaker guards every request with b. Only transport failures, 429 and
// 5xx answers count against it.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) {
		c.breaker = b
	}
}

// WithHeader adds a static header to every upstream request, e.g. an
// integration id required by the endpoint.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers[key] = value
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		stream:  httputil.StreamingClient(),
		client:  httputil.DefaultClient(),
		headers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ID() string {
	return "openai-compatible"
}

// OpenStream starts a streaming chat completion. The caller owns the
// returned body and must close it. Cancelling ctx aborts the read.
func (c *Client) OpenStream(ctx context.Context, credential string, req domain.ChatRequest) (io.ReadCloser, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	c.decorate(httpReq, credential)

	if err := c.allow(ctx); err != nil {
		return nil, err
	}

	resp, err := c.stream.Do(httpReq)
	if err != nil {
		err = classify(ctx, err)
		c.record(ctx, err)
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		err := &domain.UpstreamError{
			Status:  resp.StatusCode,
			Message: httputil.ErrorMessage(resp.Body),
		}
		c.record(ctx, err)
		return nil, err
	}

	c.record(ctx, nil)
	return resp.Body, nil
}

// FetchModels returns the raw catalog body. Shape normalization is the
// catalog package's job.
func (c *Client) FetchModels(ctx context.Context, credential string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Accept", "application/json")
	c.decorate(httpReq, credential)

	if err := c.allow(ctx); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		err = classify(ctx, err)
		c.record(ctx, err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := &domain.UpstreamError{
			Status:  resp.StatusCode,
			Message: httputil.ErrorMessage(resp.Body),
		}
		c.record(ctx, err)
		return nil, err
	}
	c.record(ctx, nil)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogBody))
	if err != nil {
		return nil, classify(ctx, err)
	}
	return data, nil
}

func (c *Client) HealthCheck(ctx context.Context, credential string) error {
	_, err := c.FetchModels(ctx, credential)
	if err != nil {
		return fmt.Errorf("upstream unhealthy: %w", err)
	}
	return nil
}

func (c *Client) decorate(req *http.Request, credential string) {
	httputil.SetBearer(req, credential)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
}

func (c *Client) allow(ctx context.Context) error {
	if c.breaker == nil {
		return nil
	}
	return c.breaker.Allow(ctx)
}

func (c *Client) record(ctx context.Context, err error) {
	if c.breaker == nil {
		return
	}

	var ue *domain.UpstreamError
	switch {
	case err == nil:
		c.breaker.RecordSuccess(ctx)
	case errors.As(err, &ue):
		if ue.Status == http.StatusTooManyRequests || ue.Status >= 500 {
			c.breaker.RecordFailure(ctx)
		} else {
			c.breaker.RecordSuccess(ctx)
		}
	case errors.Is(err, domain.ErrTransient):
		c.breaker.RecordFailure(ctx)
	}
}

func classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrTransient, err)
}
