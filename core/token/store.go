// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package token

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/baasic/core/events"
	"github.com/relabs-tech/baasic/core/logger"
	"github.com/relabs-tech/baasic/core/storage"
)

// DefaultPrefix is the default prefix of the token storage keys
const DefaultPrefix = "baasic-token"

// Options are the options of a Store
type Options struct {
	// APIKey identifies the application, required
	APIKey string
	// Prefix of the token keys, default DefaultPrefix
	Prefix string
	// MessageBusKey is the storage key of the message bus, default DefaultMessageBusKey
	MessageBusKey string
	// Events receives the app-level tokenUpdated and tokenExpired events. If
	// nil, the store creates its own bus, see Events().
	Events events.Handler
}

// Store is a token store on top of a storage.Driver. It implements Handler.
//
// If the driver is a storage.Watcher, the store installs one change listener
// at construction which lives until Close. It translates bus messages of
// other contexts into app-level events:
//
//	tokenExpired: the in-memory mirror is cleared, tokenExpired is raised
//	tokenUpdated: tokenUpdated is raised, the new token is read on the next Get
//
// Received messages are never re-broadcast.
type Store struct {
	driver     storage.Driver
	bus        *MessageBus
	events     events.Handler
	apiKey     string
	accessKey  string
	refreshKey string
	id         string
	log        *logrus.Entry

	mu       sync.Mutex
	mirror   map[Type]*Token
	// versions count the invalidations per type, epoch the full clears
	versions map[Type]uint64
	epoch    uint64
	cancel   func()
}

// NewStore creates a token store. It fails with ErrNoStorage if driver is nil.
func NewStore(driver storage.Driver, options Options) (*Store, error) {
	if driver == nil {
		return nil, ErrNoStorage
	}
	if options.APIKey == "" {
		return nil, fmt.Errorf("token store requires an api key")
	}
	if options.Prefix == "" {
		options.Prefix = DefaultPrefix
	}
	if options.Events == nil {
		options.Events = events.NewBus()
	}
	id := uuid.NewString()
	s := &Store{
		driver:     driver,
		bus:        NewMessageBus(driver, options.MessageBusKey, id),
		events:     options.Events,
		apiKey:     options.APIKey,
		accessKey:  options.Prefix + "-" + options.APIKey,
		refreshKey: options.Prefix + "-refresh-" + options.APIKey,
		id:         id,
		log:        logger.Component("token").WithField("store", id),
		versions:   make(map[Type]uint64),
	}

	if watcher, ok := driver.(storage.Watcher); ok {
		cancel, err := watcher.Watch(s.onChange)
		if err != nil {
			return nil, fmt.Errorf("cannot watch token storage: %w", err)
		}
		s.cancel = cancel
		s.mirror = make(map[Type]*Token)
	} else {
		s.log.Warnln("storage does not deliver change events, tokens are not synchronized")
	}
	return s, nil
}

// Events returns the app-level event handler of the store
func (s *Store) Events() events.Handler {
	return s.events
}

// MessageBus returns the message bus of the store
func (s *Store) MessageBus() *MessageBus {
	return s.bus
}

// Key returns the storage key of tokens of type t
func (s *Store) Key(t Type) string {
	if t == TypeRefresh {
		return s.refreshKey
	}
	return s.accessKey
}

// Store writes the token and publishes tokenUpdated to all other contexts.
// The app-level tokenUpdated event is raised in this context as well.
func (s *Store) Store(ctx context.Context, token *Token) error {
	t, err := s.write(ctx, token)
	if err != nil {
		return err
	}
	args := MessageArgs{APIKey: s.apiKey, Type: t}
	if err := s.bus.Publish(ctx, MessageTokenUpdated, args); err != nil {
		return fmt.Errorf("cannot publish token update: %w", err)
	}
	s.log.Debugf("%s token stored", t)
	s.events.TriggerEvent(MessageTokenUpdated, args)
	return nil
}

// StoreAll writes several tokens, typically access and refresh token of a
// login, and publishes one tokenUpdated
func (s *Store) StoreAll(ctx context.Context, tokens ...*Token) error {
	if len(tokens) == 0 {
		return nil
	}
	var first Type
	for i, token := range tokens {
		t, err := s.write(ctx, token)
		if err != nil {
			return err
		}
		if i == 0 {
			first = t
		}
	}
	args := MessageArgs{APIKey: s.apiKey, Type: first}
	if err := s.bus.Publish(ctx, MessageTokenUpdated, args); err != nil {
		return fmt.Errorf("cannot publish token update: %w", err)
	}
	s.events.TriggerEvent(MessageTokenUpdated, args)
	return nil
}

// write writes the token and returns its type
func (s *Store) write(ctx context.Context, token *Token) (Type, error) {
	if token == nil || token.Token == "" {
		return "", fmt.Errorf("cannot store empty token")
	}
	if token.Type == "" {
		token = token.Clone()
		token.Type = TypeAccess
	}
	value, err := json.Marshal(token)
	if err != nil {
		return "", err
	}
	s.invalidate(token.Type)
	if err = s.driver.Set(ctx, s.Key(token.Type), value); err != nil {
		return "", fmt.Errorf("cannot write %s token: %w", token.Type, err)
	}
	return token.Type, nil
}

// Get returns the token of type t, the access token if t is empty. It returns
// nil if there is no token or if the stored token cannot be parsed.
func (s *Store) Get(ctx context.Context, t Type) *Token {
	if t == "" {
		t = TypeAccess
	}
	s.mu.Lock()
	cached, ok := s.mirror[t]
	version, epoch := s.versions[t], s.epoch
	s.mu.Unlock()
	if ok {
		return cached.Clone()
	}

	value, err := s.driver.Get(ctx, s.Key(t))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.WithError(err).Errorf("cannot read %s token", t)
		}
		return nil
	}
	var token Token
	if err := json.Unmarshal(value, &token); err != nil || token.Token == "" {
		s.log.Warnf("ignoring malformed %s token", t)
		return nil
	}

	// a change seen while reading makes the value stale
	s.mu.Lock()
	if s.mirror != nil && s.versions[t] == version && s.epoch == epoch {
		s.mirror[t] = token.Clone()
	}
	s.mu.Unlock()
	return &token
}

// Remove removes the token of type t without publishing a message. Other
// contexts learn about it through the storage change of the key.
func (s *Store) Remove(ctx context.Context, t Type) error {
	if t == "" {
		t = TypeAccess
	}
	s.invalidate(t)
	if err := s.driver.Remove(ctx, s.Key(t)); err != nil {
		return fmt.Errorf("cannot remove %s token: %w", t, err)
	}
	return nil
}

// Expire removes all tokens and publishes tokenExpired, which logs out every
// context sharing the storage. The app-level tokenExpired event is raised in
// this context as well.
func (s *Store) Expire(ctx context.Context) error {
	s.clearMirror()
	for _, key := range []string{s.accessKey, s.refreshKey} {
		if err := s.driver.Remove(ctx, key); err != nil {
			return fmt.Errorf("cannot remove token: %w", err)
		}
	}
	args := MessageArgs{APIKey: s.apiKey}
	if err := s.bus.Publish(ctx, MessageTokenExpired, args); err != nil {
		return fmt.Errorf("cannot publish token expiry: %w", err)
	}
	s.log.Debugln("tokens expired")
	s.events.TriggerEvent(MessageTokenExpired, args)
	return nil
}

// Close removes the storage change listener. The driver is not closed.
func (s *Store) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Store) invalidate(t Type) {
	s.mu.Lock()
	delete(s.mirror, t)
	s.versions[t]++
	s.mu.Unlock()
}

func (s *Store) clearMirror() {
	s.mu.Lock()
	if s.mirror != nil {
		s.mirror = make(map[Type]*Token)
	}
	s.epoch++
	s.mu.Unlock()
}

// onChange is the storage change listener
func (s *Store) onChange(change storage.Change) {
	if change.IsReset() {
		s.log.Debugln("storage reset, clearing mirror")
		s.clearMirror()
		return
	}
	switch change.Key {
	case s.accessKey:
		s.invalidate(TypeAccess)
	case s.refreshKey:
		s.invalidate(TypeRefresh)
	case s.bus.Key():
		s.onMessage(change.Value)
	}
}

func (s *Store) onMessage(value []byte) {
	if value == nil {
		// the bus is cleared before every publish
		return
	}
	m, ok := ParseMessage(value)
	if !ok {
		s.log.Warnln("ignoring malformed bus message")
		return
	}
	if m.Sender == s.id {
		return
	}
	var args MessageArgs
	if len(m.Args) > 0 {
		if err := json.Unmarshal(m.Args, &args); err != nil {
			s.log.Warnf("ignoring %s message with malformed args", m.Type)
			return
		}
	}
	if args.APIKey != "" && args.APIKey != s.apiKey {
		return
	}

	switch m.Type {
	case MessageTokenExpired:
		s.clearMirror()
		s.log.Debugln("received tokenExpired")
		s.events.TriggerEvent(MessageTokenExpired, args)
	case MessageTokenUpdated:
		if args.Type != "" {
			s.invalidate(args.Type)
		} else {
			s.clearMirror()
		}
		s.log.Debugln("received tokenUpdated")
		s.events.TriggerEvent(MessageTokenUpdated, args)
	default:
		s.log.Debugf("ignoring bus message %s", m.Type)
	}
}
