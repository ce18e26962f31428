// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package httpclient is the authenticated request pipeline of the SDK.

A Client reads the current access token from a token.Handler, attaches it as
Authorization header and hands the request to a Transport. Transports are
exchangeable: HTTPTransport talks to the network, RouterTransport talks
in-process to a mux router and the cross-origin shim is a transport as well.

The pipeline never retries and never turns HTTP status codes into errors.
Transport failures are returned unchanged. Typed decoding is done with
Decode and Do, status checks with Response.Expect.
*/
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/baasic/core/logger"
	"github.com/relabs-tech/baasic/core/token"
)

// media types
const (
	ContentTypeJSON = "application/json"
	ContentTypeForm = "application/x-www-form-urlencoded"
	ContentTypeHAL  = "application/hal+json"
)

// Options are the options of a Client
type Options struct {
	// Root resolves relative request urls, usually the api root
	Root *url.URL
	// HAL requests hypermedia responses with Accept: application/hal+json
	HAL bool
	// Header is added to every request
	Header http.Header
}

// Client is the authenticated request pipeline
type Client struct {
	transport Transport
	tokens    token.Handler
	options   Options
}

// New returns a client sending requests through transport. tokens can be nil
// for anonymous clients.
func New(transport Transport, tokens token.Handler, options Options) *Client {
	return &Client{transport: transport, tokens: tokens, options: options}
}

// Transport returns the transport of the client
func (c *Client) Transport() Transport {
	return c.transport
}

// Request sends req. If there is a current access token, the request carries
// "Authorization: <scheme> <token>" unless req has an Authorization header
// already. An empty Authorization header sends the request without token.
// An Authorization header in the response replaces the stored token.
func (c *Client) Request(ctx context.Context, req *Request) (*Response, error) {
	req = req.Clone()
	if req.URL == nil {
		return nil, fmt.Errorf("request without url")
	}
	if c.options.Root != nil && !req.URL.IsAbs() {
		req.URL = c.options.Root.ResolveReference(req.URL)
	}
	for key, values := range c.options.Header {
		if req.Header.Get(key) == "" {
			req.Header[key] = append([]string{}, values...)
		}
	}
	if req.Header.Get("Accept") == "" {
		if c.options.HAL {
			req.Header.Set("Accept", ContentTypeHAL)
		} else {
			req.Header.Set("Accept", ContentTypeJSON)
		}
	}
	if values, set := req.Header["Authorization"]; set {
		if len(values) == 0 || values[0] == "" {
			req.Header.Del("Authorization")
		}
	} else if c.tokens != nil {
		if t := c.tokens.Get(ctx, token.TypeAccess); t != nil {
			req.Header.Set("Authorization", t.AuthorizationScheme()+" "+t.Token)
		}
	}

	rlog := logger.FromContext(ctx).WithField("component", "httpclient")
	res, err := c.transport.Do(ctx, req)
	if err != nil {
		rlog.WithError(err).Debugf("%s %s failed", req.Method, req.URL.Redacted())
		return nil, err
	}
	rlog.Debugf("%s %s: %d", req.Method, req.URL.Redacted(), res.StatusCode)

	if authorization := res.Header.Get("Authorization"); authorization != "" && c.tokens != nil {
		if t, err := token.ParseAuthorization(authorization); err != nil {
			rlog.WithError(err).Warnln("ignoring malformed Authorization response header")
		} else if err := c.tokens.Store(ctx, t); err != nil {
			rlog.WithError(err).Errorln("cannot store rotated token")
		}
	}
	return res, nil
}

// Do implements Transport, a Client can be the transport of another client
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	return c.Request(ctx, req)
}

// Get sends a GET request. target can be a string, *url.URL, url.URL or a
// fmt.Stringer.
func (c *Client) Get(ctx context.Context, target interface{}, header http.Header) (*Response, error) {
	return c.Send(ctx, http.MethodGet, target, nil, header)
}

// Post sends a POST request with body. body can be []byte, string or an
// io.Reader for raw bodies, url.Values for forms. Everything else is sent
// as JSON.
func (c *Client) Post(ctx context.Context, target interface{}, body interface{}, header http.Header) (*Response, error) {
	return c.Send(ctx, http.MethodPost, target, body, header)
}

// Put sends a PUT request, see Post for body
func (c *Client) Put(ctx context.Context, target interface{}, body interface{}, header http.Header) (*Response, error) {
	return c.Send(ctx, http.MethodPut, target, body, header)
}

// Patch sends a PATCH request, see Post for body
func (c *Client) Patch(ctx context.Context, target interface{}, body interface{}, header http.Header) (*Response, error) {
	return c.Send(ctx, http.MethodPatch, target, body, header)
}

// Delete sends a DELETE request
func (c *Client) Delete(ctx context.Context, target interface{}, header http.Header) (*Response, error) {
	return c.Send(ctx, http.MethodDelete, target, nil, header)
}

// Send sends a request with method to target, see Post for body
func (c *Client) Send(ctx context.Context, method string, target interface{}, body interface{}, header http.Header) (*Response, error) {
	u, err := ParseTarget(target)
	if err != nil {
		return nil, err
	}
	req := &Request{URL: u, Method: method, Header: header.Clone()}
	if req.Header == nil {
		req.Header = http.Header{}
	}
	if body != nil {
		data, contentType, err := EncodeBody(body)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, u.Redacted(), err)
		}
		req.Body = data
		if contentType != "" && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", contentType)
		}
	}
	return c.Request(ctx, req)
}

// ParseTarget turns a request target into a URL
func ParseTarget(target interface{}) (*url.URL, error) {
	switch t := target.(type) {
	case *url.URL:
		if t == nil {
			return nil, fmt.Errorf("nil url")
		}
		u := *t
		return &u, nil
	case url.URL:
		return &t, nil
	case string:
		return url.Parse(t)
	case fmt.Stringer:
		return url.Parse(t.String())
	}
	return nil, fmt.Errorf("unsupported request target %T", target)
}

// EncodeBody encodes a request body and returns its content type. Raw
// bodies have no content type.
func EncodeBody(body interface{}) ([]byte, string, error) {
	switch b := body.(type) {
	case []byte:
		return b, "", nil
	case string:
		return []byte(b), "", nil
	case io.Reader:
		data, err := io.ReadAll(b)
		return data, "", err
	case url.Values:
		return []byte(b.Encode()), ContentTypeForm, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, "", err
	}
	return data, ContentTypeJSON, nil
}

// Envelope is a response with a typed body
type Envelope[T any] struct {
	Header     http.Header
	StatusCode int
	StatusText string
	Body       T
}

// Decode decodes the body of res into an envelope. T = []byte receives the
// raw body, T = string the body text, everything else is decoded as JSON.
// An empty body leaves Body at its zero value.
func Decode[T any](res *Response) (*Envelope[T], error) {
	env := &Envelope[T]{Header: res.Header, StatusCode: res.StatusCode, StatusText: res.StatusText}
	switch b := any(&env.Body).(type) {
	case *[]byte:
		*b = res.Body
	case *string:
		*b = string(res.Body)
	default:
		if len(strings.TrimSpace(string(res.Body))) > 0 {
			if err := json.Unmarshal(res.Body, &env.Body); err != nil {
				return env, fmt.Errorf("cannot decode response (status %d): %w", res.StatusCode, err)
			}
		}
	}
	return env, nil
}

// Do sends req through c and decodes the response. The status code is not
// checked, use Expect on the envelope's status for that.
func Do[T any](ctx context.Context, c *Client, req *Request) (*Envelope[T], error) {
	res, err := c.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	return Decode[T](res)
}
