package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/schema"
)

// ErrNoScanID is returned when the engine accepts a scan without handing
// back a job id.
var ErrNoScanID = errors.New("engine: response carried no scan id")

// ErrResultTooLarge is returned when a results payload exceeds the read
// limit. The payload is dropped rather than parsed in truncated form.
var ErrResultTooLarge = errors.New("engine: result payload too large")

const maxResultBytes = 64 << 20

// BurpClient drives a Burp-style REST scanning API:
//
//	POST   /api/v1/scan              start a scan
//	GET    /api/v1/scan/{id}         status
//	GET    /api/v1/scan/{id}/results results
//	DELETE /api/v1/scan/{id}         stop
type BurpClient struct {
	baseURL *url.URL
	apiKey  string
	http    *http.Client
	log     *slog.Logger

	maxResult int64
}

// BurpOption customizes a BurpClient.
type BurpOption func(*BurpClient)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) BurpOption {
	return func(b *BurpClient) { b.http = c }
}

// NewBurpClient validates the endpoint and credentials. Both problems are
// configuration errors.
func NewBurpClient(baseURL, apiKey string, logger *slog.Logger, opts ...BurpOption) (*BurpClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, schema.Config("engine url", fmt.Errorf("invalid engine url %q", baseURL))
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, schema.Config("engine credentials", errors.New("api key is empty"))
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &BurpClient{
		baseURL: u,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     logger.With("component", "engine"),

		maxResult: maxResultBytes,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type startRequest struct {
	URLs              []string   `json:"urls"`
	ScanConfiguration ScanConfig `json:"scan_configuration"`
}

type startResponse struct {
	ScanID string `json:"scan_id"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// Submit starts a new scan.
func (c *BurpClient) Submit(ctx context.Context, target string, cfg ScanConfig) (string, error) {
	body, err := json.Marshal(startRequest{URLs: []string{target}, ScanConfiguration: cfg})
	if err != nil {
		return "", fmt.Errorf("encode scan request: %w", err)
	}

	var out startResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/scan", body, &out); err != nil {
		return "", err
	}
	if out.ScanID == "" {
		return "", ErrNoScanID
	}
	c.log.Info("engine scan started", "scan_id", out.ScanID, "target", target)
	return out.ScanID, nil
}

// Status returns the mapped state and the raw status string.
func (c *BurpClient) Status(ctx context.Context, jobID string) (schema.JobState, string, error) {
	var out statusResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/scan/"+url.PathEscape(jobID), nil, &out); err != nil {
		return schema.JobRunning, "", err
	}
	return MapStatus(out.Status), out.Status, nil
}

// Results returns the raw JSON payload of a scan.
func (c *BurpClient) Results(ctx context.Context, jobID string) ([]byte, error) {
	resp, err := c.send(ctx, http.MethodGet, "/api/v1/scan/"+url.PathEscape(jobID)+"/results", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResult+1))
	if err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}
	if int64(len(data)) > c.maxResult {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrResultTooLarge, c.maxResult)
	}
	return data, nil
}

// Cancel stops a running scan.
func (c *BurpClient) Cancel(ctx context.Context, jobID string) bool {
	resp, err := c.send(ctx, http.MethodDelete, "/api/v1/scan/"+url.PathEscape(jobID), nil)
	if err != nil {
		c.log.Warn("failed to stop engine scan", "scan_id", jobID, "error", err)
		return false
	}
	resp.Body.Close()
	c.log.Info("engine scan stopped", "scan_id", jobID)
	return true
}

func (c *BurpClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// send performs the request and turns non-2xx answers into errors. The
// caller owns the body of a successful response.
func (c *BurpClient) send(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	return resp, nil
}

// StatusError is a non-2xx answer from the engine.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: engine returned %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: engine returned %d: %s", e.Method, e.Path, e.Code, e.Body)
}
