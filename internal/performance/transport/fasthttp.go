package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/valyala/fasthttp"
)

// FastHTTPClient is a Requester backed by fasthttp. It pools request and
// response objects and copies bodies out before releasing them.
type FastHTTPClient struct {
	client  *fasthttp.Client
	timeout time.Duration
}

// NewFastHTTPClient creates a fasthttp client with the configured settings.
func NewFastHTTPClient(cfg HTTPClientConfig) *FastHTTPClient {
	maxConns := cfg.MaxConnsPerHost
	if maxConns <= 0 {
		maxConns = 1000
	}
	idle := cfg.IdleConnTimeout
	if idle <= 0 {
		idle = 90 * time.Second
	}

	client := &fasthttp.Client{
		MaxConnsPerHost:        maxConns,
		MaxIdleConnDuration:    idle,
		DisablePathNormalizing: true,
	}
	if cfg.InsecureSkipVerify {
		client.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for test targets
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FastHTTPClient{client: client, timeout: timeout}
}

// Do executes req. The context's deadline, if earlier than the timeout,
// bounds the request; fasthttp cannot be interrupted otherwise.
func (c *FastHTTPClient) Do(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(requestTimeout(req, c.timeout))
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	freq := fasthttp.AcquireRequest()
	fresp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(freq)
	defer fasthttp.ReleaseResponse(fresp)

	freq.SetRequestURI(req.URL)
	freq.Header.SetMethod(req.Method)
	for key, value := range req.Header {
		freq.Header.Set(key, value)
	}
	if len(req.Body) > 0 {
		freq.SetBody(req.Body)
	}

	start := time.Now()
	err := c.client.DoDeadline(freq, fresp, deadline)
	duration := time.Since(start)
	if err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			return nil, fmt.Errorf("request timed out after %s: %w", duration.Round(time.Millisecond), err)
		}
		return nil, err
	}

	body := make([]byte, len(fresp.Body()))
	copy(body, fresp.Body())

	header := make(http.Header)
	fresp.Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})

	return &Response{
		Status:   fresp.StatusCode(),
		Body:     body,
		Header:   header,
		Duration: duration,
	}, nil
}

// CloseIdleConnections closes idle keep-alive connections.
func (c *FastHTTPClient) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}
