// Package cursor persists per-consumer watermarks. A cursor value c means
// every item with position < c has been fully handled by its consumer.
//
// Each key has exactly one writer: the pull and push paths of the protocol
// client own their generation's keys, and every processor runner owns its
// own key. No application level locking is done; atomicity comes from
// writing the cursor inside the same transaction as the effect it guards.
package cursor

import (
	"context"
	"fmt"

	"github.com/maxpert/sitesync/store"
)

// Direction of the stream a cursor tracks
type Direction string

const (
	Pull      Direction = "pull"
	Push      Direction = "push"
	Processor Direction = "processor"
)

// Generation scopes a cursor to one protocol generation
type Generation string

const (
	Legacy    Generation = "legacy"
	Changelog Generation = "changelog"
	// Local is used by consumers of the local changelog that are not tied to a protocol
	Local Generation = "local"
)

const keyPrefix = "cursor/"

// Key identifies one cursor. The string form is stable and persisted.
type Key struct {
	Direction  Direction
	Generation Generation
	Consumer   string
}

func (k Key) String() string {
	s := keyPrefix + string(k.Direction) + "/" + string(k.Generation)
	if k.Consumer != "" {
		s += "/" + k.Consumer
	}
	return s
}

// ProcessorKey is the cursor of a changelog processor
func ProcessorKey(name string) Key {
	return Key{Direction: Processor, Generation: Local, Consumer: name}
}

// Entry is a persisted cursor as listed for operators
type Entry struct {
	Key   string `json:"key"`
	Value uint64 `json:"value"`
}

// Store reads and writes cursors in the site database
type Store struct {
	db *store.Store
}

// NewStore creates a cursor store backed by db
func NewStore(db *store.Store) *Store {
	return &Store{db: db}
}

func (s *Store) querier(q store.Querier) store.Querier {
	if q == nil {
		return s.db.DB()
	}
	return q
}

// Get returns the cursor value, 0 when never set. Pass the transaction the
// caller is in, or nil to read with the write handle.
func (s *Store) Get(ctx context.Context, q store.Querier, key Key) (uint64, error) {
	v, ok, err := store.GetInt(ctx, s.querier(q), key.String())
	if err != nil {
		return 0, err
	}
	if !ok || v < 0 {
		return 0, nil
	}
	return uint64(v), nil
}

// Set persists the cursor. Called with a transaction it commits together
// with that transaction's effect, called with nil it is durable on return.
func (s *Store) Set(ctx context.Context, q store.Querier, key Key, value uint64) error {
	if value > 1<<63-1 {
		return fmt.Errorf("cursor %s: value %d out of range", key, value)
	}
	return store.SetInt(ctx, s.querier(q), key.String(), int64(value))
}

// Advance sets the cursor to value only when that moves it forward, and
// returns the resulting value.
func (s *Store) Advance(ctx context.Context, q store.Querier, key Key, value uint64) (uint64, error) {
	current, err := s.Get(ctx, q, key)
	if err != nil {
		return 0, err
	}
	if value <= current {
		return current, nil
	}
	if err := s.Set(ctx, q, key, value); err != nil {
		return 0, err
	}
	return value, nil
}

// List returns every persisted cursor ordered by key
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	kvs, err := store.ListInts(ctx, s.db.ReadDB(), keyPrefix)
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(kvs))
	for _, kv := range kvs {
		out = append(out, Entry{Key: kv.Key, Value: uint64(kv.Value)})
	}
	return out, nil
}

// Reset deletes every cursor of the given direction and generation,
// including per-consumer ones, so the next run starts from the beginning.
func (s *Store) Reset(ctx context.Context, q store.Querier, direction Direction, generation Generation) (int64, error) {
	prefix := Key{Direction: direction, Generation: generation}.String()
	return store.DeletePrefix(ctx, s.querier(q), prefix)
}
