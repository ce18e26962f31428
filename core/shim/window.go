// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package shim

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

const portQueueSize = 256

// Window is an in-process message hub. Ports attached to the same window
// exchange messages, every message carries the id of the sending port.
// Delivery is asynchronous and keeps the order per receiving port.
type Window struct {
	mu    sync.Mutex
	ports map[string]*Port
}

// NewWindow returns a new window
func NewWindow() *Window {
	return &Window{ports: make(map[string]*Port)}
}

// Port attaches a new port with id to the window. An empty id gets a
// random one.
func (w *Window) Port(id string) (*Port, error) {
	if id == "" {
		id = uuid.NewString()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.ports[id]; ok {
		return nil, fmt.Errorf("port %s already exists", id)
	}
	p := &Port{
		id:       id,
		window:   w,
		handlers: make(map[int]func(Message)),
		queue:    make(chan Message, portQueueSize),
		done:     make(chan struct{}),
	}
	w.ports[id] = p
	go p.deliver()
	return p, nil
}

func (w *Window) port(id string) *Port {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ports[id]
}

// Port is a window attachment. It implements Listener.
type Port struct {
	id     string
	window *Window

	mu       sync.Mutex
	nextID   int
	handlers map[int]func(Message)
	queue    chan Message
	done     chan struct{}
	once     sync.Once
}

// ID implements Listener
func (p *Port) ID() string {
	return p.id
}

// OnMessage implements Listener
func (p *Port) OnMessage(handler func(Message)) func() {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.handlers[id] = handler
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.handlers, id)
		p.mu.Unlock()
	}
}

// SendTo implements Listener
func (p *Port) SendTo(ctx context.Context, target string, data []byte) error {
	to := p.window.port(target)
	if to == nil {
		return fmt.Errorf("no port %s", target)
	}
	msg := Message{Source: p.id, Data: append([]byte(nil), data...)}
	select {
	case to.queue <- msg:
		return nil
	case <-to.done:
		return fmt.Errorf("port %s is closed", target)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close detaches the port from the window
func (p *Port) Close() error {
	p.once.Do(func() {
		p.window.mu.Lock()
		delete(p.window.ports, p.id)
		p.window.mu.Unlock()
		close(p.done)
	})
	return nil
}

// Connect returns a Conn from this port to peer
func (p *Port) Connect(peer string) Conn {
	return portConn{Port: p, peer: peer}
}

func (p *Port) deliver() {
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.queue:
			p.mu.Lock()
			handlers := make([]func(Message), 0, len(p.handlers))
			for _, h := range p.handlers {
				handlers = append(handlers, h)
			}
			p.mu.Unlock()
			for _, h := range handlers {
				h(msg)
			}
		}
	}
}

type portConn struct {
	*Port
	peer string
}

func (c portConn) Send(ctx context.Context, data []byte) error {
	return c.SendTo(ctx, c.peer, data)
}

func (c portConn) Peer() string {
	return c.peer
}
