// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package proxy is the endpoint side of the cross-origin transport shim.

An Endpoint lives on the API origin. It answers the shim's "connect" message
with "loaded", performs the requests it receives through a real transport and
replies with response messages carrying the request id:

	-> {"type":"connect"}
	<- {"type":"loaded"}
	-> {"requestId":1,"options":{"url":"https://api.example.com/v1/app/articles","method":"GET"}}
	<- {"requestId":1,"status":200,"statusText":"OK","responseText":"...","responseHeaders":"..."}

Requests to another origin are answered with status 403. Requests the
transport cannot perform are answered with status 0 and the error as status
text. Incoming messages are validated against the JSON schemas in schemas/.

An endpoint is reachable over every shim transport: through Serve on a
shim.Listener (window, AMQP, Kafka), as HTTP handler (Server) or as AWS
Lambda function (LambdaHandler).
*/
package proxy

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"sync"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/baasic/core/httpclient"
	"github.com/relabs-tech/baasic/core/logger"
	"github.com/relabs-tech/baasic/core/schema"
	"github.com/relabs-tech/baasic/core/shim"
)

//go:embed schemas
var schemasFS embed.FS

// schema ids
const (
	RequestSchema = "https://baasic.com/schemas/proxy/request.json"
	ControlSchema = "https://baasic.com/schemas/proxy/control.json"
)

// ErrInvalidMessage is returned by Handle for messages it cannot answer
var ErrInvalidMessage = errors.New("invalid message")

// Options configure an endpoint
type Options struct {
	// Origin is the API origin, e.g. "https://api.example.com". Requests to
	// other origins are forbidden, relative urls are resolved against it.
	// Without origin every absolute http(s) url is allowed.
	Origin string
}

// Endpoint performs shim requests
type Endpoint struct {
	transport httpclient.Transport
	origin    *url.URL
	validator *schema.Validator
	log       *logrus.Entry
}

// NewEndpoint returns an endpoint performing requests through transport
func NewEndpoint(transport httpclient.Transport, options Options) (*Endpoint, error) {
	if transport == nil {
		return nil, fmt.Errorf("endpoint needs a transport")
	}
	schemas, err := fs.Sub(schemasFS, "schemas")
	if err != nil {
		return nil, err
	}
	validator, err := schema.NewValidatorFromFS(schemas)
	if err != nil {
		return nil, fmt.Errorf("cannot load proxy schemas: %w", err)
	}
	e := &Endpoint{
		transport: transport,
		validator: validator,
		log:       logger.Component("proxy"),
	}
	if options.Origin != "" {
		origin, err := url.Parse(options.Origin)
		if err != nil || origin.Scheme == "" || origin.Host == "" {
			return nil, fmt.Errorf("invalid origin '%s'", options.Origin)
		}
		e.origin = origin
	}
	return e, nil
}

// Handle answers one wire message. It returns the reply, or nil if the
// message needs no reply. Messages which are neither a valid connect nor a
// request with an id return ErrInvalidMessage.
func (e *Endpoint) Handle(ctx context.Context, data []byte) ([]byte, error) {
	envelope, err := shim.ParseEnvelope(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMessage, err.Error())
	}

	if envelope.RequestID == nil {
		if err := e.validator.ValidateBytes(data, ControlSchema); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidMessage, err.Error())
		}
		return json.Marshal(shim.ControlMessage{Type: shim.MessageLoaded})
	}

	requestID := *envelope.RequestID
	if err := e.validator.ValidateBytes(data, RequestSchema); err != nil {
		var verr *schema.ValidationError
		if !errors.As(err, &verr) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidMessage, err.Error())
		}
		e.log.WithError(err).Debugf("rejecting request %d", requestID)
		return reply(requestID, http.StatusBadRequest, verr.Error())
	}

	var msg shim.RequestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMessage, err.Error())
	}
	return json.Marshal(e.perform(ctx, msg))
}

func (e *Endpoint) perform(ctx context.Context, msg shim.RequestMessage) shim.ResponseMessage {
	rlog := logger.FromContext(ctx).WithField("component", "proxy")
	u, err := e.target(msg.Options.URL)
	if err != nil {
		rlog.WithError(err).Warnf("forbidden request %d", msg.RequestID)
		return shim.ResponseMessage{
			RequestID:    msg.RequestID,
			Status:       http.StatusForbidden,
			StatusText:   http.StatusText(http.StatusForbidden),
			ResponseText: err.Error(),
		}
	}

	req := &httpclient.Request{URL: u, Method: msg.Options.Method, Header: http.Header{}}
	for key, value := range msg.Options.Headers {
		req.Header.Set(key, value)
	}
	if msg.Options.Data != "" {
		req.Body = []byte(msg.Options.Data)
	}
	rlog.Debugf("request %d: %s %s", msg.RequestID, req.Method, u.Path)

	res, err := e.transport.Do(ctx, req)
	if err != nil {
		rlog.WithError(err).Errorf("request %d failed", msg.RequestID)
		return shim.ResponseMessage{RequestID: msg.RequestID, Status: 0, StatusText: err.Error()}
	}
	return shim.ResponseMessage{
		RequestID:       msg.RequestID,
		Status:          res.StatusCode,
		StatusText:      res.StatusText,
		ResponseText:    string(res.Body),
		ResponseHeaders: shim.FormatHeaders(res.Header),
	}
}

// target returns the url of a request if the endpoint may call it
func (e *Endpoint) target(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if e.origin == nil {
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("url '%s' is not absolute", rawURL)
		}
		return u, nil
	}
	u = e.origin.ResolveReference(u)
	if u.Scheme != e.origin.Scheme || u.Host != e.origin.Host {
		return nil, fmt.Errorf("url '%s' is outside of %s://%s", rawURL, e.origin.Scheme, e.origin.Host)
	}
	return u, nil
}

func reply(requestID int64, status int, text string) ([]byte, error) {
	return json.Marshal(shim.ResponseMessage{
		RequestID:    requestID,
		Status:       status,
		StatusText:   http.StatusText(status),
		ResponseText: text,
	})
}

// Serve answers all messages arriving on listener until ctx is done. Every
// message is handled in its own goroutine, replies go back to the sender.
// Serve waits for running requests before it returns.
func (e *Endpoint) Serve(ctx context.Context, listener shim.Listener) error {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		stopped bool
	)
	remove := listener.OnMessage(func(msg shim.Message) {
		mu.Lock()
		if stopped {
			mu.Unlock()
			return
		}
		wg.Add(1)
		mu.Unlock()
		go func() {
			defer wg.Done()
			rctx, rlog := logger.ContextWithLogger(ctx)
			data, err := e.Handle(rctx, msg.Data)
			if err != nil {
				rlog.WithError(err).Debugf("dropping message from %s", msg.Source)
				return
			}
			if data == nil {
				return
			}
			if err := listener.SendTo(rctx, msg.Source, data); err != nil {
				rlog.WithError(err).Errorf("cannot reply to %s", msg.Source)
			}
		}()
	})
	e.log.Infof("serving on %s", listener.ID())
	<-ctx.Done()
	mu.Lock()
	stopped = true
	mu.Unlock()
	remove()
	wg.Wait()
	return nil
}
