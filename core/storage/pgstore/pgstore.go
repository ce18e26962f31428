// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package pgstore provides a storage driver backed by a postgres table.

All values live in the table "_baasic_storage_" of the database schema.
Every write is announced with pg_notify on a channel derived from the schema,
so all processes connected to the same database receive change events.
*/
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/relabs-tech/baasic/core/csql"
	"github.com/relabs-tech/baasic/core/logger"
	"github.com/relabs-tech/baasic/core/storage"
)

// notification is the payload of a change notification. Value is nil for removed keys.
type notification struct {
	Key   string  `json:"key"`
	Value *string `json:"value"`
}

// Store is a storage.Driver and storage.Watcher for postgres
type Store struct {
	db      *csql.DB
	table   string
	channel string

	mu       sync.Mutex
	nextID   int
	watchers map[int]func(storage.Change)
	listener *pq.Listener
	done     chan struct{}
}

// New creates a new store for the specified database. The table is created
// if it does not exist.
func New(db *csql.DB) (*Store, error) {
	table := db.Schema + `."_baasic_storage_"`
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + table + `
(key varchar NOT NULL,
value text NOT NULL,
timestamp timestamp NOT NULL,
PRIMARY KEY(key)
);`)
	if err != nil {
		return nil, fmt.Errorf("cannot create storage table: %w", err)
	}
	return &Store{
		db:       db,
		table:    table,
		channel:  "baasic_storage_" + db.Schema,
		watchers: make(map[int]func(storage.Change)),
	}, nil
}

// Get implements storage.Driver
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM `+s.table+` WHERE key=$1;`, key).Scan(&value)
	if errors.Is(err, csql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read key '%s': %w", key, err)
	}
	return []byte(value), nil
}

// Set implements storage.Driver
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	v := string(value)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO `+s.table+`(key,value,timestamp)
VALUES($1,$2,$3)
ON CONFLICT (key) DO UPDATE SET value=$2,timestamp=$3;`,
			key, v, now)
		if err != nil {
			return err
		}
		count, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("could not write key %s", key)
		}
		return s.notify(ctx, tx, notification{Key: key, Value: &v})
	})
}

// Remove implements storage.Driver
func (s *Store) Remove(ctx context.Context, key string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+s.table+` WHERE key=$1;`, key)
		if err != nil {
			return err
		}
		count, err := res.RowsAffected()
		if err != nil || count == 0 {
			return err
		}
		return s.notify(ctx, tx, notification{Key: key})
	})
}

// Clear implements storage.Driver
func (s *Store) Clear(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `DELETE FROM `+s.table+` RETURNING key;`)
		if err != nil {
			return err
		}
		var keys []string
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				rows.Close()
				return err
			}
			keys = append(keys, key)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, key := range keys {
			if err := s.notify(ctx, tx, notification{Key: key}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// notify queues a change notification, it is delivered when the transaction commits
func (s *Store) notify(ctx context.Context, tx *sql.Tx, n notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `SELECT pg_notify($1, $2);`, s.channel, string(payload))
	return err
}

// Watch implements storage.Watcher. The first watcher opens the listener
// connection.
func (s *Store) Watch(handler func(storage.Change)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		rlog := logger.Component("pgstore")
		listener := pq.NewListener(s.db.DataSourceName, 10*time.Second, time.Minute,
			func(event pq.ListenerEventType, err error) {
				if err != nil {
					rlog.WithError(err).Errorln("listener event", event)
				}
			})
		if err := listener.Listen(s.channel); err != nil {
			listener.Close()
			return nil, fmt.Errorf("cannot listen on %s: %w", s.channel, err)
		}
		s.listener = listener
		s.done = make(chan struct{})
		go s.receive(listener, s.done)
	}
	s.nextID++
	id := s.nextID
	s.watchers[id] = handler
	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}, nil
}

func (s *Store) receive(listener *pq.Listener, done chan struct{}) {
	defer close(done)
	rlog := logger.Component("pgstore")
	for n := range listener.Notify {
		if n == nil {
			rlog.Warnln("listener reconnected, resetting watchers")
			s.dispatch(storage.Change{})
			continue
		}
		var payload notification
		if err := json.Unmarshal([]byte(n.Extra), &payload); err != nil {
			rlog.WithError(err).Errorln("cannot parse notification")
			continue
		}
		change := storage.Change{Key: payload.Key}
		if payload.Value != nil {
			change.Value = []byte(*payload.Value)
		}
		s.dispatch(change)
	}
}

func (s *Store) dispatch(change storage.Change) {
	s.mu.Lock()
	handlers := make([]func(storage.Change), 0, len(s.watchers))
	for _, h := range s.watchers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(change)
	}
}

// Close implements storage.Driver. It closes the listener, the database
// is owned by the caller.
func (s *Store) Close() error {
	s.mu.Lock()
	listener, done := s.listener, s.done
	s.listener, s.done = nil, nil
	s.watchers = make(map[int]func(storage.Change))
	s.mu.Unlock()
	if listener == nil {
		return nil
	}
	err := listener.Close()
	<-done
	return err
}
