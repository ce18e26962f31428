// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
)

// Request describes one HTTP request. Requests are created per call and
// never reused.
type Request struct {
	URL    *url.URL
	Method string
	Header http.Header
	Body   []byte
}

// Clone returns a deep copy of the request
func (r *Request) Clone() *Request {
	c := &Request{Method: r.Method, Header: r.Header.Clone(), Body: append([]byte(nil), r.Body...)}
	if r.URL != nil {
		u := *r.URL
		c.URL = &u
	}
	if c.Header == nil {
		c.Header = http.Header{}
	}
	return c
}

// Response is the raw response of a transport
type Response struct {
	Header     http.Header
	StatusCode int
	StatusText string
	Body       []byte
}

// Success returns true for 2xx status codes
func (r *Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// StatusError is returned by Expect for unexpected status codes
type StatusError struct {
	StatusCode int
	Expected   []int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("wrong status code: got %v want %v. Error: %s", e.StatusCode, e.Expected, e.Body)
}

// Expect returns a *StatusError if the status code of the response is not
// one of expected. Without expected, any 2xx status code is accepted.
func (r *Response) Expect(expected ...int) error {
	if len(expected) == 0 {
		if r.Success() {
			return nil
		}
	}
	for _, status := range expected {
		if r.StatusCode == status {
			return nil
		}
	}
	return &StatusError{StatusCode: r.StatusCode, Expected: expected, Body: strings.TrimSpace(string(r.Body))}
}

// Transport executes requests. Non-2xx responses are responses, not errors.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc is a function implementing Transport
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

// Do implements Transport
func (f TransportFunc) Do(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// HTTPTransport executes requests over the network. The underlying client
// keeps cookies, requests are sent with credentials.
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport returns a transport with a cookie jar. There is no timeout,
// the request context is the only bound.
func NewHTTPTransport() *HTTPTransport {
	jar, _ := cookiejar.New(nil)
	return &HTTPTransport{Client: &http.Client{Jar: jar}}
}

// Do implements Transport
func (t *HTTPTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	r, err := newHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	res, err := t.Client.Do(r)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	return &Response{
		Header:     res.Header,
		StatusCode: res.StatusCode,
		StatusText: statusText(res.Status, res.StatusCode),
		Body:       body,
	}, nil
}

// RouterTransport executes requests in-process against a mux router. It is
// the tool of choice for unit tests.
type RouterTransport struct {
	Router *mux.Router
}

// Do implements Transport
func (t RouterTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	r, err := newHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	rec := httptest.NewRecorder()
	t.Router.ServeHTTP(rec, r)
	res := rec.Result()
	return &Response{
		Header:     res.Header,
		StatusCode: res.StatusCode,
		StatusText: http.StatusText(res.StatusCode),
		Body:       rec.Body.Bytes(),
	}, nil
}

func newHTTPRequest(ctx context.Context, req *Request) (*http.Request, error) {
	if req.URL == nil {
		return nil, fmt.Errorf("request without url")
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	r, err := http.NewRequestWithContext(ctx, method, req.URL.String(), body)
	if err != nil {
		return nil, err
	}
	for key, values := range req.Header {
		for _, value := range values {
			r.Header.Add(key, value)
		}
	}
	return r, nil
}

// statusText returns the reason phrase of a status line like "200 OK"
func statusText(status string, code int) string {
	if _, text, found := strings.Cut(status, " "); found && text != "" {
		return text
	}
	return http.StatusText(code)
}
