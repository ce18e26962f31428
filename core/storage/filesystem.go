// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/relabs-tech/baasic/core/logger"
)

const (
	tmpFilePrefix       = ".tmp-"
	defaultPollInterval = 500 * time.Millisecond
)

// FilesystemConfiguration is the configuration of the Filesystem driver
type FilesystemConfiguration struct {
	BasePath     string
	PollInterval time.Duration
}

// Filesystem stores each key in its own file below a base folder. Several
// processes can share the folder, changes are detected by polling.
type Filesystem struct {
	baseFolder   string
	pollInterval time.Duration

	mu       sync.Mutex
	nextID   int
	watchers map[int]func(Change)
	stop     chan struct{}
	done     chan struct{}
}

// NewFilesystem returns a new Filesystem driver. The base folder is created
// if it does not exist.
func NewFilesystem(config FilesystemConfiguration) (*Filesystem, error) {
	if config.BasePath == "" {
		return nil, fmt.Errorf("BasePath must not be empty")
	}
	if err := os.MkdirAll(config.BasePath, 0700); err != nil {
		return nil, fmt.Errorf("cannot create storage folder '%s': %w", config.BasePath, err)
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	logger.Component("storage").Debugf("filesystem storage in %s", config.BasePath)
	return &Filesystem{
		baseFolder:   config.BasePath,
		pollInterval: config.PollInterval,
		watchers:     make(map[int]func(Change)),
	}, nil
}

func (f *Filesystem) filePath(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: '%s'", ErrInvalidKey, key)
	}
	return filepath.Join(f.baseFolder, url.PathEscape(key)), nil
}

// Get implements Driver
func (f *Filesystem) Get(ctx context.Context, key string) ([]byte, error) {
	p, err := f.filePath(key)
	if err != nil {
		return nil, err
	}
	value, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return value, err
}

// Set implements Driver. The value is written to a temporary file first and
// then renamed, readers never see partial values.
func (f *Filesystem) Set(ctx context.Context, key string, value []byte) error {
	p, err := f.filePath(key)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.baseFolder, tmpFilePrefix)
	if err != nil {
		return err
	}
	if _, err = tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p)
}

// Remove implements Driver
func (f *Filesystem) Remove(ctx context.Context, key string) error {
	p, err := f.filePath(key)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Clear implements Driver
func (f *Filesystem) Clear(ctx context.Context) error {
	entries, err := os.ReadDir(f.baseFolder)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(f.baseFolder, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Close implements Driver. It stops the polling.
func (f *Filesystem) Close() error {
	f.mu.Lock()
	stop, done := f.stop, f.done
	f.stop, f.done = nil, nil
	f.watchers = make(map[int]func(Change))
	f.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}

// Watch implements Watcher. The first watcher starts the polling.
func (f *Filesystem) Watch(handler func(Change)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.watchers[id] = handler
	if f.stop == nil {
		snapshot, err := f.snapshot()
		if err != nil {
			delete(f.watchers, id)
			return nil, err
		}
		f.stop = make(chan struct{})
		f.done = make(chan struct{})
		go f.poll(snapshot, f.stop, f.done)
	}
	return func() {
		f.mu.Lock()
		delete(f.watchers, id)
		f.mu.Unlock()
	}, nil
}

// snapshot reads all values of the store
func (f *Filesystem) snapshot() (map[string][]byte, error) {
	entries, err := os.ReadDir(f.baseFolder)
	if err != nil {
		return nil, err
	}
	values := make(map[string][]byte, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), tmpFilePrefix) {
			continue
		}
		key, err := url.PathUnescape(e.Name())
		if err != nil {
			continue
		}
		value, err := os.ReadFile(filepath.Join(f.baseFolder, e.Name()))
		if err != nil {
			// removed in the meantime
			continue
		}
		values[key] = value
	}
	return values, nil
}

func (f *Filesystem) poll(previous map[string][]byte, stop, done chan struct{}) {
	defer close(done)
	rlog := logger.Component("storage")
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		current, err := f.snapshot()
		if err != nil {
			rlog.WithError(err).Errorf("cannot poll %s", f.baseFolder)
			continue
		}
		var changes []Change
		for key, value := range current {
			if old, ok := previous[key]; !ok || !bytes.Equal(old, value) {
				changes = append(changes, Change{Key: key, Value: value})
			}
		}
		for key := range previous {
			if _, ok := current[key]; !ok {
				changes = append(changes, Change{Key: key})
			}
		}
		previous = current
		if len(changes) == 0 {
			continue
		}

		f.mu.Lock()
		handlers := make([]func(Change), 0, len(f.watchers))
		for _, h := range f.watchers {
			handlers = append(handlers, h)
		}
		f.mu.Unlock()
		for _, change := range changes {
			for _, h := range handlers {
				h(change)
			}
		}
	}
}
