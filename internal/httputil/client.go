// Package httputil provides HTTP client abstractions and JSON response helpers.
package httputil

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// HTTPClient abstracts HTTP operations for testability. *http.Client satisfies
// it; MockHTTPClient is used in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewClient returns an *http.Client with the given overall request timeout.
// Actuator calls additionally carry their own context deadline.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// RecordedRequest is a request captured by MockHTTPClient with its body read
// out so tests can assert on it after the fact.
type RecordedRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   string
}

// MockHTTPClient answers requests from a handler function and records every
// request it sees.
type MockHTTPClient struct {
	mu       sync.Mutex
	requests []RecordedRequest

	// Handler produces the response for a request. A nil Handler answers 200
	// with an empty body.
	Handler func(req RecordedRequest) (status int, body string, err error)
}

// Do records req and returns the Handler's response.
func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	rec := RecordedRequest{
		Method: req.Method,
		URL:    req.URL.String(),
		Header: req.Header.Clone(),
	}
	if req.Body != nil {
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		req.Body.Close()
		rec.Body = string(data)
	}

	m.mu.Lock()
	m.requests = append(m.requests, rec)
	handler := m.Handler
	m.mu.Unlock()

	status, body := http.StatusOK, ""
	if handler != nil {
		var err error
		status, body, err = handler(rec)
		if err != nil {
			return nil, err
		}
	}
	return &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}, nil
}

// Requests returns a copy of the recorded requests.
func (m *MockHTTPClient) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}
