package memory

import (
	"sync"

	"github.com/yndnr/persistmesh-go/internal/core/domain"
	"github.com/yndnr/persistmesh-go/pkg/cmap"
)

// LocalStore maps object hashes to objects of one schema. It has no
// network effect.
type LocalStore struct {
	schema  *domain.Schema
	objects *cmap.Map[uint64, any]

	// Serializes mutations so Update's delete and insert appear atomic.
	mu sync.Mutex
}

// NewLocalStore creates an empty store for schema.
func NewLocalStore(schema *domain.Schema) *LocalStore {
	return &LocalStore{
		schema:  schema,
		objects: cmap.New[uint64, any](),
	}
}

// Schema returns the schema of the stored objects.
func (s *LocalStore) Schema() *domain.Schema {
	return s.schema
}

// HashOf returns the hash obj would be stored under.
func (s *LocalStore) HashOf(obj any) uint64 {
	return domain.Hash(s.schema, obj)
}

func (s *LocalStore) check(obj any) error {
	if !s.schema.Owns(obj) {
		return domain.ErrTypeMismatch.WithDetailsf("%T is not a %s", obj, s.schema.Name)
	}
	return nil
}

// Insert stores obj under its hash and returns the hash. If the hash is
// already held the existing object is kept and inserted is false.
func (s *LocalStore) Insert(obj any) (hash uint64, inserted bool, err error) {
	if err := s.check(obj); err != nil {
		return 0, false, err
	}
	hash = s.HashOf(obj)

	s.mu.Lock()
	defer s.mu.Unlock()
	return hash, s.objects.SetIfAbsent(hash, obj), nil
}

// Update re-keys the object held under prior to obj's current hash.
func (s *LocalStore) Update(prior uint64, obj any) (uint64, error) {
	if err := s.check(obj); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.objects.Has(prior) {
		return 0, domain.ErrObjectNotFound.WithDetailsf("%s %#x", s.schema.Name, prior)
	}
	hash := s.HashOf(obj)
	s.objects.Delete(prior)
	s.objects.SetIfAbsent(hash, obj)
	return hash, nil
}

// Remove deletes obj by its current hash.
func (s *LocalStore) Remove(obj any) (uint64, bool) {
	hash := s.HashOf(obj)
	return hash, s.RemoveHash(hash)
}

// RemoveHash deletes the object held under hash.
func (s *LocalStore) RemoveHash(hash uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects.Pop(hash)
	return ok
}

func (s *LocalStore) Get(hash uint64) (any, bool) {
	return s.objects.Get(hash)
}

// Contains reports whether obj's current hash is held.
func (s *LocalStore) Contains(obj any) bool {
	return s.objects.Has(s.HashOf(obj))
}

func (s *LocalStore) ContainsHash(hash uint64) bool {
	return s.objects.Has(hash)
}

func (s *LocalStore) Size() int {
	return s.objects.Count()
}

// Clear removes every object and returns the hashes that were held.
func (s *LocalStore) Clear() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	hashes := s.objects.Keys()
	s.objects.Clear()
	return hashes
}

// Range calls fn for each object until fn returns false.
func (s *LocalStore) Range(fn func(hash uint64, obj any) bool) {
	s.objects.Range(fn)
}

// Collect returns a snapshot of the stored objects.
func (s *LocalStore) Collect() []any {
	return s.objects.Values()
}

// Hashes returns a snapshot of the held hashes.
func (s *LocalStore) Hashes() []uint64 {
	return s.objects.Keys()
}
