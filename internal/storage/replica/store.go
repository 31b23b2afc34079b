// Package replica turns local store mutations into network broadcasts.
package replica

import (
	"context"
	"log/slog"

	"github.com/yndnr/persistmesh-go/internal/core/domain"
	"github.com/yndnr/persistmesh-go/internal/core/wire"
	"github.com/yndnr/persistmesh-go/internal/infra/workpool"
	"github.com/yndnr/persistmesh-go/internal/storage/memory"
)

// Broadcaster sends a payload to every open connection.
type Broadcaster interface {
	Broadcast(ctx context.Context, p *wire.Payload) error
}

// Store wraps a LocalStore. Every non-quiet mutation is applied locally
// and then announced to peers on the worker pool; quiet variants are
// used when applying mutations that arrived from the network.
type Store struct {
	local  *memory.LocalStore
	out    Broadcaster
	pool   *workpool.Pool
	logger *slog.Logger
}

// New creates a replicating store.
func New(local *memory.LocalStore, out Broadcaster, pool *workpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		local:  local,
		out:    out,
		pool:   pool,
		logger: logger.With("schema", local.Schema().Name),
	}
}

func (s *Store) Schema() *domain.Schema { return s.local.Schema() }

// Local returns the wrapped store.
func (s *Store) Local() *memory.LocalStore { return s.local }

func (s *Store) announce(p *wire.Payload) {
	job := func() error {
		return s.out.Broadcast(context.Background(), p)
	}
	if err := s.pool.Submit(context.Background(), job); err != nil {
		s.logger.Debug("broadcast dropped", "op", p.Op, "error", err)
	}
}

// Insert stores obj and announces it with all of its fields. An object
// whose hash is already held is neither replaced nor announced.
func (s *Store) Insert(obj any) (uint64, error) {
	hash, inserted, err := s.local.Insert(obj)
	if err != nil {
		return 0, err
	}
	if inserted {
		s.announce(wire.NewCreation(hash, s.Schema().Values(obj)))
	}
	return hash, nil
}

// InsertQuietly stores obj without announcing it.
func (s *Store) InsertQuietly(obj any) (uint64, bool, error) {
	return s.local.Insert(obj)
}

// Update re-keys obj after field changed and announces the new value.
func (s *Store) Update(prior uint64, obj any, field string) (uint64, error) {
	value, err := s.Schema().Value(obj, field)
	if err != nil {
		return 0, err
	}
	hash, err := s.local.Update(prior, obj)
	if err != nil {
		return 0, err
	}
	s.AnnounceChange(hash, prior, field, value)
	return hash, nil
}

// AnnounceChange broadcasts a change already applied with UpdateQuietly.
func (s *Store) AnnounceChange(hash, prior uint64, field string, value any) {
	s.announce(wire.NewChange(hash, prior, field, value))
}

// UpdateQuietly re-keys obj without announcing it.
func (s *Store) UpdateQuietly(prior uint64, obj any) (uint64, error) {
	return s.local.Update(prior, obj)
}

// Remove deletes obj and announces the removal if it was held.
func (s *Store) Remove(obj any) bool {
	return s.RemoveHash(s.local.HashOf(obj))
}

// RemoveHash deletes the object under hash and announces the removal if
// it was held.
func (s *Store) RemoveHash(hash uint64) bool {
	if !s.local.RemoveHash(hash) {
		return false
	}
	s.AnnounceRemoval(hash)
	return true
}

// AnnounceRemoval broadcasts a removal already applied with
// RemoveHashQuietly.
func (s *Store) AnnounceRemoval(hash uint64) {
	s.announce(wire.NewRemoval(hash))
}

func (s *Store) RemoveQuietly(obj any) bool {
	_, ok := s.local.Remove(obj)
	return ok
}

func (s *Store) RemoveHashQuietly(hash uint64) bool {
	return s.local.RemoveHash(hash)
}

// Clear empties the store and announces a removal for every object it
// held.
func (s *Store) Clear() {
	for _, hash := range s.local.Clear() {
		s.announce(wire.NewRemoval(hash))
	}
}

// ClearQuietly empties the store without announcing anything.
func (s *Store) ClearQuietly() {
	s.local.Clear()
}

func (s *Store) Get(hash uint64) (any, bool) { return s.local.Get(hash) }
func (s *Store) Contains(obj any) bool       { return s.local.Contains(obj) }
func (s *Store) ContainsHash(hash uint64) bool {
	return s.local.ContainsHash(hash)
}
func (s *Store) Size() int      { return s.local.Size() }
func (s *Store) Collect() []any { return s.local.Collect() }

// FieldMaps returns the field map of every held object, the form used in
// Initialize payloads.
func (s *Store) FieldMaps() []map[string]any {
	objs := s.local.Collect()
	out := make([]map[string]any, 0, len(objs))
	for _, obj := range objs {
		out = append(out, s.Schema().Values(obj))
	}
	return out
}
