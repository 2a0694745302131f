package transport

import (
	"context"
	"fmt"
	"net/http"
)

// HTTPProbe reports ready when a GET on URL answers with the expected status.
type HTTPProbe struct {
	Client Requester
	URL    string

	// ExpectStatus defaults to 200.
	ExpectStatus int
}

// Ready performs one probe request.
func (p *HTTPProbe) Ready(ctx context.Context) (bool, error) {
	resp, err := p.Client.Do(ctx, &Request{Method: http.MethodGet, URL: p.URL})
	if err != nil {
		return false, err
	}

	want := p.ExpectStatus
	if want == 0 {
		want = http.StatusOK
	}
	if resp.Status != want {
		return false, fmt.Errorf("readiness probe %s returned %d, want %d", p.URL, resp.Status, want)
	}
	return true, nil
}
