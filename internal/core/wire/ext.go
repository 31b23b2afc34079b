package wire

import (
	"sync"
	"time"

	"github.com/yndnr/persistmesh-go/internal/core/domain"
)

// Transformer carries an application type over the wire as a msgpack
// extension value.
type Transformer interface {
	// Tag is the extension type written on the wire.
	Tag() int8
	// Accepts reports whether the transformer encodes v.
	Accepts(v any) bool
	ToBytes(v any) ([]byte, error)
	FromBytes(b []byte) (any, error)
}

// Registry holds the transformers known to a node. Encoding uses the
// first registered transformer that accepts a value; decoding selects by
// tag.
type Registry struct {
	mu    sync.RWMutex
	list  []Transformer
	byTag map[int8]Transformer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byTag: make(map[int8]Transformer)}
}

// Register appends t. Tags must be unique within a registry.
func (r *Registry) Register(t Transformer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.byTag[t.Tag()]; dup {
		return domain.ErrInvalidConfig.WithDetailsf("extension tag %d already registered", t.Tag())
	}
	r.list = append(r.list, t)
	r.byTag[t.Tag()] = t
	return nil
}

// Len returns the number of registered transformers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.list)
}

func (r *Registry) forValue(v any) Transformer {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.list {
		if t.Accepts(v) {
			return t
		}
	}
	return nil
}

func (r *Registry) forTag(tag int8) (Transformer, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byTag[tag]
	return t, ok
}

// typed adapts a pair of functions over T into a Transformer.
type typed[T any] struct {
	tag  int8
	to   func(T) ([]byte, error)
	from func([]byte) (T, error)
}

// NewTransformer builds a Transformer for values of exactly type T.
func NewTransformer[T any](tag int8, to func(T) ([]byte, error), from func([]byte) (T, error)) Transformer {
	return &typed[T]{tag: tag, to: to, from: from}
}

func (t *typed[T]) Tag() int8 { return t.tag }

func (t *typed[T]) Accepts(v any) bool {
	_, ok := v.(T)
	return ok
}

func (t *typed[T]) ToBytes(v any) ([]byte, error) {
	return t.to(v.(T))
}

func (t *typed[T]) FromBytes(b []byte) (any, error) {
	return t.from(b)
}

// TimeTag is the extension tag used by TimeTransformer.
const TimeTag int8 = 1

// TimeTransformer carries time.Time values using their binary encoding.
func TimeTransformer() Transformer {
	return NewTransformer(TimeTag,
		func(t time.Time) ([]byte, error) { return t.MarshalBinary() },
		func(b []byte) (time.Time, error) {
			var t time.Time
			err := t.UnmarshalBinary(b)
			return t, err
		},
	)
}
