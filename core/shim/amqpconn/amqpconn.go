// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package amqpconn carries shim messages over RabbitMQ.

The endpoint consumes a well known queue. Every client declares an exclusive
reply queue and sends with ReplyTo set to it, the endpoint answers on the
default exchange with the reply queue as routing key. The AppId of every
publishing is the id of the sender.
*/
package amqpconn

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/baasic/core/logger"
	"github.com/relabs-tech/baasic/core/shim"
)

// defaults
const (
	DefaultQueue      = "baasic-proxy"
	DefaultEndpointID = "baasic-proxy"
)

// Options configure both sides of the connection
type Options struct {
	// Queue consumed by the endpoint, default DefaultQueue
	Queue string
	// EndpointID is the id of the endpoint, default DefaultEndpointID
	EndpointID string
}

func (o *Options) defaults() {
	if o.Queue == "" {
		o.Queue = DefaultQueue
	}
	if o.EndpointID == "" {
		o.EndpointID = DefaultEndpointID
	}
}

// dispatcher fans messages out to handlers
type dispatcher struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]func(shim.Message)
}

func (d *dispatcher) add(handler func(shim.Message)) func() {
	d.mu.Lock()
	if d.handlers == nil {
		d.handlers = make(map[int]func(shim.Message))
	}
	d.nextID++
	id := d.nextID
	d.handlers[id] = handler
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.handlers, id)
		d.mu.Unlock()
	}
}

func (d *dispatcher) dispatch(msg shim.Message) {
	d.mu.Lock()
	handlers := make([]func(shim.Message), 0, len(d.handlers))
	for _, h := range d.handlers {
		handlers = append(handlers, h)
	}
	d.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (d *dispatcher) consume(deliveries <-chan amqp.Delivery, source func(amqp.Delivery) string, done chan struct{}) {
	defer close(done)
	for delivery := range deliveries {
		d.dispatch(shim.Message{Source: source(delivery), Data: delivery.Body})
	}
}

// Conn is the client side, it implements shim.Conn
type Conn struct {
	dispatcher
	conn    *amqp.Connection
	ch      *amqp.Channel
	options Options
	reply   string
	done    chan struct{}
	log     *logrus.Entry
}

// Dial connects a client to the broker at url
func Dial(url string, options Options) (*Conn, error) {
	options.defaults()
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("cannot declare reply queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("cannot consume reply queue: %w", err)
	}
	c := &Conn{
		conn:    conn,
		ch:      ch,
		options: options,
		reply:   q.Name,
		done:    make(chan struct{}),
		log:     logger.Component("amqpconn"),
	}
	go c.consume(deliveries, func(d amqp.Delivery) string { return d.AppId }, c.done)
	c.log.Debugln("connected, reply queue", q.Name)
	return c, nil
}

// Peer implements shim.Conn
func (c *Conn) Peer() string {
	return c.options.EndpointID
}

// ID returns the id of this client, the name of its reply queue
func (c *Conn) ID() string {
	return c.reply
}

// OnMessage implements shim.Conn
func (c *Conn) OnMessage(handler func(shim.Message)) func() {
	return c.add(handler)
}

// Send implements shim.Conn
func (c *Conn) Send(ctx context.Context, data []byte) error {
	return c.ch.PublishWithContext(ctx, "", c.options.Queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		ReplyTo:     c.reply,
		AppId:       c.reply,
		Body:        data,
	})
}

// Close implements shim.Conn
func (c *Conn) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// Listener is the endpoint side, it implements shim.Listener
type Listener struct {
	dispatcher
	conn    *amqp.Connection
	ch      *amqp.Channel
	options Options
	done    chan struct{}
}

// Listen connects an endpoint to the broker at url and consumes the
// endpoint queue
func Listen(url string, options Options) (*Listener, error) {
	options.defaults()
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err = ch.QueueDeclare(options.Queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("cannot declare queue %s: %w", options.Queue, err)
	}
	deliveries, err := ch.Consume(options.Queue, options.EndpointID, true, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("cannot consume queue %s: %w", options.Queue, err)
	}
	l := &Listener{conn: conn, ch: ch, options: options, done: make(chan struct{})}
	go l.consume(deliveries, func(d amqp.Delivery) string { return d.ReplyTo }, l.done)
	logger.Component("amqpconn").Debugln("listening on", options.Queue)
	return l, nil
}

// ID implements shim.Listener
func (l *Listener) ID() string {
	return l.options.EndpointID
}

// OnMessage implements shim.Listener
func (l *Listener) OnMessage(handler func(shim.Message)) func() {
	return l.add(handler)
}

// SendTo implements shim.Listener, target is the reply queue of a client
func (l *Listener) SendTo(ctx context.Context, target string, data []byte) error {
	return l.ch.PublishWithContext(ctx, "", target, false, false, amqp.Publishing{
		ContentType: "application/json",
		AppId:       l.options.EndpointID,
		Body:        data,
	})
}

// Close implements shim.Listener
func (l *Listener) Close() error {
	err := l.conn.Close()
	<-l.done
	return err
}
