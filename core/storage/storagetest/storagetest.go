// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package storagetest contains the conformance tests every storage driver
// must pass. Driver packages call them from their own tests.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relabs-tech/baasic/core/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDriver checks the basic key/value semantics of driver. The driver must
// be empty.
func TestDriver(t *testing.T, driver storage.Driver) {
	ctx := context.Background()

	_, err := driver.Get(ctx, "missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound), "expected ErrNotFound, got %v", err)

	require.NoError(t, driver.Set(ctx, "baasic-token-app", []byte(`{"token":"a"}`)))
	value, err := driver.Get(ctx, "baasic-token-app")
	require.NoError(t, err)
	assert.Equal(t, `{"token":"a"}`, string(value))

	// overwrite
	require.NoError(t, driver.Set(ctx, "baasic-token-app", []byte(`{"token":"b"}`)))
	value, err = driver.Get(ctx, "baasic-token-app")
	require.NoError(t, err)
	assert.Equal(t, `{"token":"b"}`, string(value))

	require.NoError(t, driver.Remove(ctx, "baasic-token-app"))
	_, err = driver.Get(ctx, "baasic-token-app")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	// removing twice is fine
	require.NoError(t, driver.Remove(ctx, "baasic-token-app"))

	require.NoError(t, driver.Set(ctx, "a", []byte("1")))
	require.NoError(t, driver.Set(ctx, "b", []byte("2")))
	require.NoError(t, driver.Clear(ctx))
	_, err = driver.Get(ctx, "a")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	_, err = driver.Get(ctx, "b")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

// TestWatcher checks that writes through one driver are seen as changes by a
// watcher of other, which shares the underlying storage with writer. writer
// and other can be the same driver.
func TestWatcher(t *testing.T, writer storage.Driver, other storage.Watcher, timeout time.Duration) {
	ctx := context.Background()
	changes := make(chan storage.Change, 16)
	cancel, err := other.Watch(func(c storage.Change) {
		if c.Key == "watched" {
			changes <- c
		}
	})
	require.NoError(t, err)

	require.NoError(t, writer.Set(ctx, "watched", []byte("v1")))
	c := waitForChange(t, changes, timeout)
	assert.Equal(t, "v1", string(c.Value))

	require.NoError(t, writer.Remove(ctx, "watched"))
	c = waitForChange(t, changes, timeout)
	assert.Nil(t, c.Value)

	cancel()
	require.NoError(t, writer.Set(ctx, "watched", []byte("v2")))
	select {
	case c := <-changes:
		t.Fatalf("change %s=%s delivered after cancel", c.Key, c.Value)
	case <-time.After(timeout / 4):
	}
}

func waitForChange(t *testing.T, changes chan storage.Change, timeout time.Duration) storage.Change {
	t.Helper()
	select {
	case c := <-changes:
		return c
	case <-time.After(timeout):
		t.Fatal("Timeout waiting for change to be received")
	}
	return storage.Change{}
}
