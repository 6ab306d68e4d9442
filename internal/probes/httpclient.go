package probes

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	userAgent    = "yorosec-webscan/0.1 (+authorized security assessment)"
	maxBodyBytes = 2 << 20
)

// HTTPClient is the throttled client shared by the HTTP-based probes so
// that all of them together stay under one request rate.
type HTTPClient struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPClient allows rps requests per second with a small burst.
// rps <= 0 disables throttling.
func NewHTTPClient(rps int, timeout time.Duration) *HTTPClient {
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = max(1, rps/5)
	}
	return &HTTPClient{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Page is a fetched response with its body read.
type Page struct {
	Status int
	Header http.Header
	Body   string
}

func (c *HTTPClient) do(ctx context.Context, method, target string, body io.Reader, header http.Header) (*Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Page{Status: resp.StatusCode, Header: resp.Header, Body: string(data)}, nil
}

// Get fetches target.
func (c *HTTPClient) Get(ctx context.Context, target string) (*Page, error) {
	return c.do(ctx, http.MethodGet, target, nil, nil)
}

// PostForm submits an urlencoded body to target with extra headers.
func (c *HTTPClient) PostForm(ctx context.Context, target, form string, header http.Header) (*Page, error) {
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(ctx, http.MethodPost, target, strings.NewReader(form), h)
}
