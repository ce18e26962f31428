// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package shim

import "context"

// Message is a message received on a connection
type Message struct {
	// Source is the id of the sender
	Source string
	Data   []byte
}

// Conn is the client side of a message transport to a proxy endpoint. The
// message channel may be shared with other senders, receivers must check
// Message.Source.
type Conn interface {
	// Send posts data to the endpoint
	Send(ctx context.Context, data []byte) error
	// OnMessage subscribes handler to all incoming messages
	OnMessage(handler func(Message)) (remove func())
	// Peer returns the id of the endpoint, i.e. the Source of its messages
	Peer() string
	Close() error
}

// Listener is the endpoint side of a message transport
type Listener interface {
	// ID returns the id of the endpoint
	ID() string
	// OnMessage subscribes handler to all incoming messages
	OnMessage(handler func(Message)) (remove func())
	// SendTo posts data to target
	SendTo(ctx context.Context, target string, data []byte) error
	Close() error
}
