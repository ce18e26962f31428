// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package shim proxies API requests through a message channel to a proxy
endpoint living on the API origin.

The shim is a correlation table on top of a Conn. Every request gets the next
request id, the endpoint answers with a response message carrying the same
id. Responses complete in the order they arrive, not in the order the
requests were sent. Responses for unknown ids, e.g. of aborted requests, are
dropped silently.

Life cycle:

	Uninitialized -> Loading -> Ready -> Closed

Open sends a "connect" message and waits for the endpoint's "loaded" answer.
Send before Ready fails with ErrNotReady. Do, the Transport implementation,
opens the shim on first use.
*/
package shim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/baasic/core/httpclient"
	"github.com/relabs-tech/baasic/core/logger"
)

// errors of the shim
var (
	ErrNotReady = errors.New("shim is not ready")
	ErrClosed   = errors.New("shim is closed")
	// ErrProxy is returned by Do when the endpoint could not perform the
	// request, i.e. answered with status 0
	ErrProxy = errors.New("proxy endpoint failed")
)

// State is the state of a shim
type State int

// all shim states
const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Body is the body passed to a CompleteFunc
type Body struct {
	Text string
}

// CompleteFunc completes a pending request. headers is the raw header block.
type CompleteFunc func(status int, statusText string, body Body, headers string)

// openAttempt is one connect of Open. done is closed if sending the connect
// message failed with err.
type openAttempt struct {
	done chan struct{}
	err  error
}

// Shim is the correlation table. It implements httpclient.Transport.
type Shim struct {
	conn   Conn
	remove func()
	log    *logrus.Entry

	mu      sync.Mutex
	state   State
	attempt *openAttempt
	nextID  int64
	pending map[int64]CompleteFunc
	ready   chan struct{}
	closed  chan struct{}
}

// New returns a shim on conn and installs its single message listener.
func New(conn Conn) *Shim {
	s := &Shim{
		conn:    conn,
		log:     logger.Component("shim").WithField("peer", conn.Peer()),
		pending: make(map[int64]CompleteFunc),
		ready:   make(chan struct{}),
		closed:  make(chan struct{}),
	}
	s.remove = conn.OnMessage(s.Receive)
	return s
}

// State returns the current state
func (s *Shim) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open connects to the endpoint and blocks until it is ready or ctx is done.
// Open on a ready shim returns immediately. If the connect message cannot be
// sent, all Open calls waiting for it fail and the next Open connects again.
func (s *Shim) Open(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	if state == StateUninitialized {
		s.state = StateLoading
		s.attempt = &openAttempt{done: make(chan struct{})}
	}
	attempt := s.attempt
	s.mu.Unlock()

	switch state {
	case StateClosed:
		return ErrClosed
	case StateReady:
		return nil
	case StateUninitialized:
		s.log.Debugln("connecting")
		data, _ := json.Marshal(ControlMessage{Type: MessageConnect})
		if err := s.conn.Send(ctx, data); err != nil {
			s.mu.Lock()
			if s.state == StateLoading {
				s.state = StateUninitialized
			}
			attempt.err = fmt.Errorf("cannot connect to proxy endpoint: %w", err)
			close(attempt.done)
			s.mu.Unlock()
			return attempt.err
		}
	}

	select {
	case <-s.ready:
		return nil
	case <-s.closed:
		return ErrClosed
	case <-attempt.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return attempt.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send assigns the next request id to req, stores complete as pending entry
// and posts the request to the endpoint. It fails with ErrNotReady if the
// shim is not ready.
func (s *Shim) Send(ctx context.Context, req *httpclient.Request, complete CompleteFunc) (int64, error) {
	s.mu.Lock()
	switch s.state {
	case StateReady:
	case StateClosed:
		s.mu.Unlock()
		return 0, ErrClosed
	default:
		s.mu.Unlock()
		return 0, ErrNotReady
	}
	s.nextID++
	id := s.nextID
	s.pending[id] = complete
	s.mu.Unlock()

	data, err := json.Marshal(RequestMessage{RequestID: id, Options: OptionsFromRequest(req)})
	if err == nil {
		err = s.conn.Send(ctx, data)
	}
	if err != nil {
		s.Abort(id)
		return 0, err
	}
	return id, nil
}

// Abort removes the pending entry of id without completing it. It returns
// false if there is no such entry.
func (s *Shim) Abort(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	delete(s.pending, id)
	return ok
}

// Pending returns the number of pending requests
func (s *Shim) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Receive handles an incoming message. It is installed as the message
// listener of the connection. Messages not sent by the endpoint are rejected.
func (s *Shim) Receive(msg Message) {
	if msg.Source != s.conn.Peer() {
		return
	}
	envelope, err := ParseEnvelope(msg.Data)
	if err != nil {
		s.log.WithError(err).Debugln("dropping malformed message")
		return
	}

	if envelope.RequestID == nil {
		if envelope.Type == MessageLoaded {
			s.mu.Lock()
			if s.state == StateLoading || s.state == StateUninitialized {
				s.state = StateReady
				close(s.ready)
				s.log.Debugln("ready")
			}
			s.mu.Unlock()
		}
		return
	}

	var response ResponseMessage
	if err := json.Unmarshal(msg.Data, &response); err != nil {
		s.log.WithError(err).Debugln("dropping malformed response")
		return
	}
	s.mu.Lock()
	complete, ok := s.pending[response.RequestID]
	delete(s.pending, response.RequestID)
	s.mu.Unlock()
	if !ok {
		s.log.Debugf("dropping response for unknown request %d", response.RequestID)
		return
	}
	complete(response.Status, response.StatusText, Body{Text: response.ResponseText}, response.ResponseHeaders)
}

// Do implements httpclient.Transport. It opens the shim on first use. If ctx
// is done before the response arrives, the request is aborted. A response
// with status 0 is a transport failure of the endpoint and returns ErrProxy.
func (s *Shim) Do(ctx context.Context, req *httpclient.Request) (*httpclient.Response, error) {
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	responses := make(chan *httpclient.Response, 1)
	id, err := s.Send(ctx, req, func(status int, statusText string, body Body, headers string) {
		responses <- &httpclient.Response{
			Header:     ParseHeaders(headers),
			StatusCode: status,
			StatusText: statusText,
			Body:       []byte(body.Text),
		}
	})
	if err != nil {
		return nil, err
	}
	select {
	case res := <-responses:
		if res.StatusCode == 0 {
			return nil, fmt.Errorf("%w: %s", ErrProxy, res.StatusText)
		}
		return res, nil
	case <-ctx.Done():
		s.Abort(id)
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrClosed
	}
}

// Close removes the message listener and closes the connection. Pending
// requests are never completed, blocked Do calls return ErrClosed.
func (s *Shim) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	close(s.closed)
	s.pending = make(map[int64]CompleteFunc)
	s.mu.Unlock()
	s.remove()
	return s.conn.Close()
}
