// Package transport provides the request primitive used by scenarios and
// the readiness probe, with net/http and fasthttp implementations.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Request is a single HTTP request.
type Request struct {
	Method  string
	URL     string
	Header  map[string]string
	Body    []byte
	Timeout time.Duration // optional per-request override
}

// Response is a fully read HTTP response.
type Response struct {
	Status   int
	Body     []byte
	Header   http.Header
	Duration time.Duration
}

// Requester performs requests. Implementations must be safe for concurrent
// use by many VUs. A non-nil error means no response was received.
type Requester interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// IdleCloser is implemented by Requesters that keep connections alive
// between requests.
type IdleCloser interface {
	CloseIdleConnections()
}

// Kind names a Requester implementation.
type Kind string

const (
	KindNetHTTP  Kind = "net"
	KindFastHTTP Kind = "fasthttp"
)

// ParseKind parses a transport name. Empty means KindNetHTTP.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "", KindNetHTTP:
		return KindNetHTTP, nil
	case KindFastHTTP:
		return KindFastHTTP, nil
	default:
		return "", fmt.Errorf("unknown transport %q (expected %q or %q)", s, KindNetHTTP, KindFastHTTP)
	}
}

// HTTPClientConfig contains HTTP client configuration shared by both
// implementations.
type HTTPClientConfig struct {
	// Timeout for HTTP requests
	Timeout time.Duration

	// MaxIdleConns controls the maximum number of idle connections
	MaxIdleConns int

	// MaxIdleConnsPerHost controls the maximum idle connections per host
	MaxIdleConnsPerHost int

	// MaxConnsPerHost limits the total connections per host
	MaxConnsPerHost int

	// IdleConnTimeout is how long idle connections are kept alive
	IdleConnTimeout time.Duration

	// DisableKeepAlives disables HTTP keep-alives
	DisableKeepAlives bool

	// DisableCompression disables automatic decompression
	DisableCompression bool

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool
}

// DefaultHTTPClientConfig returns sensible defaults for load testing.
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		Timeout:             30 * time.Second,
		MaxIdleConns:        1000,
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     0, // Unlimited
		IdleConnTimeout:     90 * time.Second,
	}
}

// New builds the Requester named by kind.
func New(kind Kind, cfg HTTPClientConfig) (Requester, error) {
	switch kind {
	case "", KindNetHTTP:
		return NewHTTPClient(cfg), nil
	case KindFastHTTP:
		return NewFastHTTPClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// requestTimeout picks the per-request timeout over the client default.
func requestTimeout(req *Request, def time.Duration) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return def
}
