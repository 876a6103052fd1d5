package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type RequestOptions struct {
	Headers map[string]string
	Timeout time.Duration
}

type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// OK reports a 2xx status
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// HTTPClient is a small JSON client used for the workbench's peripheral services
// (printer, camera, alerting, storage gateway)
type HTTPClient struct {
	BaseURL     string
	Client      *http.Client
	DefaultOpts RequestOptions
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		BaseURL: baseURL,
		Client: &http.Client{
			Timeout: timeout,
		},
		DefaultOpts: RequestOptions{
			Headers: map[string]string{},
			Timeout: timeout,
		},
	}
}

// Call sends a request with an optional JSON body. Raw []byte bodies are sent as is.
func (c *HTTPClient) Call(ctx context.Context, method, endpoint string, body any, opts *RequestOptions) (*Response, error) {
	if opts == nil {
		opts = &c.DefaultOpts
	}

	url := c.BaseURL + endpoint

	var (
		bodyReader  io.Reader
		contentType string
	)
	switch b := body.(type) {
	case nil:
	case []byte:
		bodyReader = bytes.NewReader(b)
		contentType = "application/octet-stream"
	default:
		bodyJSON, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewBuffer(bodyJSON)
		contentType = "application/json"
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	for key, value := range opts.Headers {
		req.Header.Set(key, value)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
	}, nil
}

func (c *HTTPClient) GET(ctx context.Context, endpoint string) (*Response, error) {
	return c.Call(ctx, http.MethodGet, endpoint, nil, nil)
}

func (c *HTTPClient) HEAD(ctx context.Context, endpoint string) (*Response, error) {
	return c.Call(ctx, http.MethodHead, endpoint, nil, nil)
}

func (c *HTTPClient) POST(ctx context.Context, endpoint string, body any) (*Response, error) {
	return c.Call(ctx, http.MethodPost, endpoint, body, nil)
}

func (c *HTTPClient) PUT(ctx context.Context, endpoint string, body any) (*Response, error) {
	return c.Call(ctx, http.MethodPut, endpoint, body, nil)
}

// Expect returns an error unless the response has a 2xx status
func Expect(resp *Response, what string) error {
	if !resp.OK() {
		return fmt.Errorf("%s: unexpected status %d: %s", what, resp.StatusCode, bytes.TrimSpace(resp.Body))
	}
	return nil
}

func UnmarshalBody(resp *Response, target any) error {
	if len(resp.Body) == 0 {
		return fmt.Errorf("empty response body")
	}

	err := json.Unmarshal(resp.Body, target)
	if err != nil {
		return fmt.Errorf("failed to unmarshal response body: %w", err)
	}

	return nil
}
