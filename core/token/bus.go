// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package token

import (
	"context"
	"errors"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/baasic/core/storage"
)

// DefaultMessageBusKey is the storage key of the message bus
const DefaultMessageBusKey = "baasic-message-bus"

// message types, they are also the names of the app-level events
const (
	MessageTokenUpdated = "tokenUpdated"
	MessageTokenExpired = "tokenExpired"
)

// Message is the envelope written to the message bus key. Nonce is unique
// per publish, drivers which detect changes by content still see a repeated
// message.
type Message struct {
	Type   string          `json:"type"`
	Args   json.RawMessage `json:"args,omitempty"`
	Sender string          `json:"sender,omitempty"`
	Nonce  string          `json:"nonce,omitempty"`
}

// MessageArgs are the arguments of token messages
type MessageArgs struct {
	APIKey string `json:"apiKey,omitempty"`
	Type   Type   `json:"type,omitempty"`
}

// ParseMessage parses a message bus value. Malformed values return false.
func ParseMessage(value []byte) (*Message, bool) {
	var m Message
	if err := json.Unmarshal(value, &m); err != nil || m.Type == "" {
		return nil, false
	}
	return &m, true
}

// MessageBus is a single slot message channel on top of a storage key.
// Only the most recent message survives: a publish clears the key and
// rewrites it, consumers see "latest wins", not a queue.
type MessageBus struct {
	driver storage.Driver
	key    string
	sender string
}

// NewMessageBus returns a message bus on key, or on DefaultMessageBusKey if
// key is empty. Messages are published with sender.
func NewMessageBus(driver storage.Driver, key, sender string) *MessageBus {
	if key == "" {
		key = DefaultMessageBusKey
	}
	return &MessageBus{driver: driver, key: key, sender: sender}
}

// Key returns the storage key of the bus
func (b *MessageBus) Key() string {
	return b.key
}

// Publish clears the bus key and writes a new message
func (b *MessageBus) Publish(ctx context.Context, messageType string, args interface{}) error {
	m := Message{Type: messageType, Sender: b.sender, Nonce: uuid.NewString()}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return err
		}
		m.Args = raw
	}
	value, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err = b.driver.Remove(ctx, b.key); err != nil {
		return err
	}
	return b.driver.Set(ctx, b.key, value)
}

// Read returns the current message on the bus, nil if there is none or if it
// is malformed
func (b *MessageBus) Read(ctx context.Context) (*Message, error) {
	value, err := b.driver.Get(ctx, b.key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m, _ := ParseMessage(value)
	return m, nil
}
