// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package kafkaconn carries shim messages over Kafka.

Clients write to the requests topic, the endpoint consumes it as member of a
consumer group and writes answers to the responses topic. Every record
carries the headers "source" and, for answers, "target". Clients read the
responses topic without consumer group and keep only records targeted at
them. The responses topic must have a single partition.
*/
package kafkaconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/baasic/core/logger"
	"github.com/relabs-tech/baasic/core/shim"
)

// defaults
const (
	DefaultRequestsTopic  = "baasic-proxy-requests"
	DefaultResponsesTopic = "baasic-proxy-responses"
	DefaultEndpointID     = "baasic-proxy"

	headerSource = "source"
	headerTarget = "target"
)

// Options configure both sides of the connection
type Options struct {
	Brokers        []string
	RequestsTopic  string
	ResponsesTopic string
	// EndpointID is the id of the endpoint and the consumer group of the
	// requests topic, default DefaultEndpointID
	EndpointID string
}

func (o *Options) defaults() error {
	if len(o.Brokers) == 0 {
		return fmt.Errorf("no kafka brokers")
	}
	if o.RequestsTopic == "" {
		o.RequestsTopic = DefaultRequestsTopic
	}
	if o.ResponsesTopic == "" {
		o.ResponsesTopic = DefaultResponsesTopic
	}
	if o.EndpointID == "" {
		o.EndpointID = DefaultEndpointID
	}
	return nil
}

// CreateTopics creates the topics of options on the broker at address
func CreateTopics(address string, options Options) error {
	options.Brokers = append(options.Brokers, address)
	if err := options.defaults(); err != nil {
		return err
	}
	conn, err := kafka.Dial("tcp", address)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.CreateTopics(
		kafka.TopicConfig{Topic: options.RequestsTopic, NumPartitions: 1, ReplicationFactor: 1},
		kafka.TopicConfig{Topic: options.ResponsesTopic, NumPartitions: 1, ReplicationFactor: 1},
	)
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// endpoint holds what both sides share: a reader loop and handlers
type endpoint struct {
	id     string
	reader *kafka.Reader
	writer *kafka.Writer
	log    *logrus.Entry

	mu       sync.Mutex
	nextID   int
	handlers map[int]func(shim.Message)
	cancel   context.CancelFunc
	done     chan struct{}
}

func (e *endpoint) OnMessage(handler func(shim.Message)) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.handlers[id] = handler
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.handlers, id)
		e.mu.Unlock()
	}
}

// read delivers all records accepted by filter
func (e *endpoint) read(ctx context.Context, filter func(kafka.Message) bool) {
	defer close(e.done)
	for {
		m, err := e.reader.ReadMessage(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
				e.log.WithError(err).Errorln("cannot read")
			}
			return
		}
		if !filter(m) {
			continue
		}
		msg := shim.Message{Source: header(m, headerSource), Data: m.Value}
		e.mu.Lock()
		handlers := make([]func(shim.Message), 0, len(e.handlers))
		for _, h := range e.handlers {
			handlers = append(handlers, h)
		}
		e.mu.Unlock()
		for _, h := range handlers {
			h(msg)
		}
	}
}

func (e *endpoint) write(ctx context.Context, target string, data []byte) error {
	m := kafka.Message{
		Key:     []byte(target),
		Value:   data,
		Headers: []kafka.Header{{Key: headerSource, Value: []byte(e.id)}},
	}
	if target != "" {
		m.Headers = append(m.Headers, kafka.Header{Key: headerTarget, Value: []byte(target)})
	}
	return e.writer.WriteMessages(ctx, m)
}

func (e *endpoint) Close() error {
	e.cancel()
	<-e.done
	err := e.reader.Close()
	if werr := e.writer.Close(); err == nil {
		err = werr
	}
	return err
}

// Conn is the client side, it implements shim.Conn
type Conn struct {
	endpoint
	peer string
}

// Dial returns a client connection. The client gets a random id.
func Dial(options Options) (*Conn, error) {
	if err := options.defaults(); err != nil {
		return nil, err
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   options.Brokers,
		Topic:     options.ResponsesTopic,
		Partition: 0,
		MaxBytes:  10e6,
	})
	if err := reader.SetOffset(kafka.LastOffset); err != nil {
		reader.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		endpoint: endpoint{
			id:     uuid.NewString(),
			reader: reader,
			writer: &kafka.Writer{
				Addr:         kafka.TCP(options.Brokers...),
				Topic:        options.RequestsTopic,
				Balancer:     &kafka.LeastBytes{},
				RequiredAcks: kafka.RequireOne,
			},
			log:      logger.Component("kafkaconn"),
			handlers: make(map[int]func(shim.Message)),
			cancel:   cancel,
			done:     make(chan struct{}),
		},
		peer: options.EndpointID,
	}
	go c.read(ctx, func(m kafka.Message) bool { return header(m, headerTarget) == c.id })
	return c, nil
}

// ID returns the id of the client
func (c *Conn) ID() string {
	return c.id
}

// Peer implements shim.Conn
func (c *Conn) Peer() string {
	return c.peer
}

// Send implements shim.Conn
func (c *Conn) Send(ctx context.Context, data []byte) error {
	return c.write(ctx, "", data)
}

// Listener is the endpoint side, it implements shim.Listener
type Listener struct {
	endpoint
}

// Listen returns the endpoint side, consuming the requests topic
func Listen(options Options) (*Listener, error) {
	if err := options.defaults(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{endpoint: endpoint{
		id: options.EndpointID,
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  options.Brokers,
			Topic:    options.RequestsTopic,
			GroupID:  options.EndpointID,
			MaxBytes: 10e6,
		}),
		writer: &kafka.Writer{
			Addr:         kafka.TCP(options.Brokers...),
			Topic:        options.ResponsesTopic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		},
		log:      logger.Component("kafkaconn"),
		handlers: make(map[int]func(shim.Message)),
		cancel:   cancel,
		done:     make(chan struct{}),
	}}
	go l.read(ctx, func(kafka.Message) bool { return true })
	return l, nil
}

// ID implements shim.Listener
func (l *Listener) ID() string {
	return l.id
}

// SendTo implements shim.Listener
func (l *Listener) SendTo(ctx context.Context, target string, data []byte) error {
	return l.write(ctx, target, data)
}
