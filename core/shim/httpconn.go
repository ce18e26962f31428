// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package shim

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/relabs-tech/baasic/core/logger"
)

// HTTPConn posts messages to a proxy server. The answer to each post is
// delivered as message of the endpoint.
type HTTPConn struct {
	endpoint string
	client   *http.Client

	mu       sync.Mutex
	nextID   int
	handlers map[int]func(Message)
}

// NewHTTPConn returns a connection to the proxy server at endpoint, e.g.
// "https://api.example.com/proxy". If client is nil, http.DefaultClient is used.
func NewHTTPConn(endpoint string, client *http.Client) *HTTPConn {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPConn{endpoint: endpoint, client: client, handlers: make(map[int]func(Message))}
}

// Peer implements Conn
func (c *HTTPConn) Peer() string {
	return c.endpoint
}

// OnMessage implements Conn
func (c *HTTPConn) OnMessage(handler func(Message)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[id] = handler
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// Send implements Conn. It posts data and delivers the answer to the message
// handlers before it returns. A failed post returns an error wrapping ErrProxy.
func (c *HTTPConn) Send(ctx context.Context, data []byte) error {
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	r.Header.Set("Content-Type", "application/json")
	reply, err := c.post(r)
	if err != nil {
		logger.FromContext(ctx).WithField("component", "shim").WithError(err).Errorln("proxy post failed")
		return fmt.Errorf("%w: %s", ErrProxy, err.Error())
	}
	if len(reply) == 0 {
		return nil
	}
	c.mu.Lock()
	handlers := make([]func(Message), 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(Message{Source: c.endpoint, Data: reply})
	}
	return nil
}

func (c *HTTPConn) post(r *http.Request) ([]byte, error) {
	res, err := c.client.Do(r)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		return nil, fmt.Errorf("proxy returned status %d: %s", res.StatusCode, string(body))
	}
	return body, nil
}

// Close implements Conn. Answers of running posts are no longer delivered.
func (c *HTTPConn) Close() error {
	c.mu.Lock()
	c.handlers = make(map[int]func(Message))
	c.mu.Unlock()
	return nil
}
