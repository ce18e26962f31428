// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package storage provides durable key/value storage for client state.

The token store keeps the current tokens and the message bus slot in a
Driver. All contexts (processes, goroutines, app instances) which share the
same underlying storage see each other's writes. Drivers which also
implement Watcher deliver storage change events, this is what keeps the
token state of several contexts synchronized.

There are several drivers: Memory and Filesystem in this package, Postgres,
Redis and AWS S3 in sub packages.
*/
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get if the key does not exist
var ErrNotFound = errors.New("key not found")

// ErrInvalidKey is returned for keys a driver cannot store
var ErrInvalidKey = errors.New("invalid key")

// ErrUnavailable is returned when a storage cannot be opened
var ErrUnavailable = errors.New("storage unavailable")

// Driver defines the interface of a durable key/value store
type Driver interface {
	// Get returns the value of key or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes the value of key
	Set(ctx context.Context, key string, value []byte) error
	// Remove removes key. Removing a key which does not exist is not an error.
	Remove(ctx context.Context, key string) error
	// Clear removes all keys of this store
	Clear(ctx context.Context) error
	// Close releases all resources of the driver
	Close() error
}

// Change is a storage change event. Value is nil if the key was removed.
// A change with an empty Key is a reset: changes may have been lost and
// watchers must drop whatever they derived from earlier changes.
type Change struct {
	Key   string
	Value []byte
}

// IsReset returns true for a reset change
func (c Change) IsReset() bool {
	return c.Key == ""
}

// Watcher is implemented by drivers which deliver change events
type Watcher interface {
	// Watch calls handler for every change of the store, including changes made
	// through this driver. The returned function stops the delivery.
	Watch(handler func(Change)) (cancel func(), err error)
}

// DriverType represents the different type of storage drivers
type DriverType string

// all supported driver types
const (
	DriverTypeMemory     DriverType = "memory"
	DriverTypeFilesystem DriverType = "filesystem"
	DriverTypePostgres   DriverType = "postgres"
	DriverTypeRedis      DriverType = "redis"
	DriverTypeAWSS3      DriverType = "s3"
)
