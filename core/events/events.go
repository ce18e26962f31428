// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package events is a small synchronous publish/subscribe bus for
// application-level events like tokenUpdated or tokenExpired.
package events

import (
	"fmt"
	"sync"

	"github.com/relabs-tech/baasic/core/logger"
)

// Event is a named event with optional data
type Event struct {
	Name string
	Data interface{}
}

// HandlerFunc handles an event
type HandlerFunc func(Event)

// Handler is the interface of an event dispatcher
type Handler interface {
	// TriggerEvent calls all handlers subscribed to name
	TriggerEvent(name string, data interface{})
	// AddEvent subscribes handler to name. The returned function removes the
	// subscription again.
	AddEvent(name string, handler HandlerFunc) (remove func())
}

type subscription struct {
	id      int
	handler HandlerFunc
}

// Bus is the default Handler. Handlers run synchronously in the goroutine
// calling TriggerEvent, in the order they were added. A panicking handler
// does not stop the others.
type Bus struct {
	mu            sync.RWMutex
	nextID        int
	subscriptions map[string][]subscription
}

// NewBus returns a new event bus
func NewBus() *Bus {
	return &Bus{subscriptions: make(map[string][]subscription)}
}

// AddEvent implements Handler
func (b *Bus) AddEvent(name string, handler HandlerFunc) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscriptions[name] = append(b.subscriptions[name], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(name, id) })
	}
}

func (b *Bus) remove(name string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscriptions[name]
	for i, s := range subs {
		if s.id == id {
			// copy, TriggerEvent may still iterate the old slice
			b.subscriptions[name] = append(append([]subscription{}, subs[:i]...), subs[i+1:]...)
			break
		}
	}
	if len(b.subscriptions[name]) == 0 {
		delete(b.subscriptions, name)
	}
}

// TriggerEvent implements Handler
func (b *Bus) TriggerEvent(name string, data interface{}) {
	b.mu.RLock()
	subs := b.subscriptions[name]
	b.mu.RUnlock()

	event := Event{Name: name, Data: data}
	for _, s := range subs {
		if err := call(s.handler, event); err != nil {
			logger.Component("events").WithError(err).Errorf("handler for %s failed", name)
		}
	}
}

// Count returns the number of handlers subscribed to name
func (b *Bus) Count(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions[name])
}

func call(handler HandlerFunc, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from panic: %v", r)
		}
	}()
	handler(event)
	return
}
