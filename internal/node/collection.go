package node

import (
	"reflect"

	"github.com/yndnr/persistmesh-go/internal/core/domain"
	"github.com/yndnr/persistmesh-go/internal/storage/memory"
	"github.com/yndnr/persistmesh-go/internal/storage/replica"
)

// Collection is the replicated set of *T objects on a node.
type Collection[T any] struct {
	n     *Node
	store *replica.Store
}

// Register creates the store for schema, which must describe *T.
// Registration is only possible before Start, and each schema name may
// be registered once.
func Register[T any](n *Node, schema *domain.Schema) (*Collection[T], error) {
	if !schema.Owns(new(T)) {
		return nil, domain.ErrTypeMismatch.WithDetailsf("schema %s does not describe %T", schema.Name, new(T))
	}
	store := replica.New(memory.NewLocalStore(schema), n, n.pool, n.logger)
	if err := n.addStore(store); err != nil {
		return nil, err
	}
	return &Collection[T]{n: n, store: store}, nil
}

func (c *Collection[T]) Schema() *domain.Schema { return c.store.Schema() }

func (c *Collection[T]) Len() int { return c.store.Size() }

// Persist stores obj and announces it to peers. If an equal object is
// already held, the returned Handle refers to the held object.
func (c *Collection[T]) Persist(obj *T) (*Handle[T], error) {
	hash, err := c.store.Insert(obj)
	if err != nil {
		return nil, err
	}
	if held, ok := c.Get(hash); ok {
		obj = held
	}
	return &Handle[T]{c: c, obj: obj}, nil
}

// Get returns the object held under hash.
func (c *Collection[T]) Get(hash uint64) (*T, bool) {
	v, ok := c.store.Get(hash)
	if !ok {
		return nil, false
	}
	return v.(*T), true
}

// All returns the held objects. Peers may change their fields at any
// time; use Snapshot to read them.
func (c *Collection[T]) All() []*T {
	objs := c.store.Collect()
	out := make([]*T, len(objs))
	for i, v := range objs {
		out[i] = v.(*T)
	}
	return out
}

// Snapshot returns copies of the held objects.
func (c *Collection[T]) Snapshot() []T {
	c.n.mutateMu.RLock()
	defer c.n.mutateMu.RUnlock()
	objs := c.store.Collect()
	out := make([]T, len(objs))
	for i, v := range objs {
		out[i] = *v.(*T)
	}
	return out
}

// Handle returns a Handle for an object already held by the collection.
func (c *Collection[T]) Handle(obj *T) (*Handle[T], bool) {
	c.n.mutateMu.RLock()
	held := c.store.Contains(obj)
	c.n.mutateMu.RUnlock()
	if !held {
		return nil, false
	}
	return &Handle[T]{c: c, obj: obj}, true
}

// Handle wraps a persisted object. Changes made through it are applied
// locally and announced; changes made directly on the object are not.
type Handle[T any] struct {
	c   *Collection[T]
	obj *T
}

// Object returns the wrapped object. Treat it as read-only, and read it
// through Load while peers are connected.
func (h *Handle[T]) Object() *T { return h.obj }

// Load returns a copy of the object.
func (h *Handle[T]) Load() T {
	h.c.n.mutateMu.RLock()
	defer h.c.n.mutateMu.RUnlock()
	return *h.obj
}

// Hash returns the object's current hash.
func (h *Handle[T]) Hash() uint64 {
	h.c.n.mutateMu.RLock()
	defer h.c.n.mutateMu.RUnlock()
	return h.c.store.Local().HashOf(h.obj)
}

// Set writes one field and announces the change.
func (h *Handle[T]) Set(field string, value any) error {
	schema := h.c.store.Schema()
	return h.Mutate(field, func(obj *T) error {
		return schema.Apply(obj, field, value)
	})
}

// Mutate runs fn on the object and announces the new value of field.
// fn should change only that field. Nothing is announced when the field
// and the hash come out unchanged.
func (h *Handle[T]) Mutate(field string, fn func(obj *T) error) error {
	schema := h.c.store.Schema()
	if _, ok := schema.Lookup(field); !ok {
		return domain.ErrUnknownField.WithDetailsf("%s.%s", schema.Name, field)
	}

	ch, err := h.mutate(field, fn)
	if err != nil || ch == nil {
		return err
	}
	h.c.store.AnnounceChange(ch.hash, ch.prior, field, ch.value)
	return nil
}

type change struct {
	hash, prior uint64
	value       any
}

// mutate applies fn under the write lock. The announcement is left to
// the caller so a full broadcast queue never blocks readers.
func (h *Handle[T]) mutate(field string, fn func(obj *T) error) (*change, error) {
	h.c.n.mutateMu.Lock()
	defer h.c.n.mutateMu.Unlock()

	schema := h.c.store.Schema()
	local := h.c.store.Local()
	prior := local.HashOf(h.obj)
	if !local.ContainsHash(prior) {
		return nil, domain.ErrObjectNotFound.WithDetailsf("%s %#x", schema.Name, prior)
	}
	before, err := schema.Value(h.obj, field)
	if err != nil {
		return nil, err
	}
	if err := fn(h.obj); err != nil {
		return nil, err
	}
	after, err := schema.Value(h.obj, field)
	if err != nil {
		return nil, err
	}
	if local.HashOf(h.obj) == prior && reflect.DeepEqual(before, after) {
		return nil, nil
	}

	hash, err := h.c.store.UpdateQuietly(prior, h.obj)
	if err != nil {
		return nil, err
	}
	return &change{hash: hash, prior: prior, value: after}, nil
}

// Unpersist removes the object and announces the removal.
func (h *Handle[T]) Unpersist() bool {
	h.c.n.mutateMu.Lock()
	hash := h.c.store.Local().HashOf(h.obj)
	removed := h.c.store.RemoveHashQuietly(hash)
	h.c.n.mutateMu.Unlock()

	if removed {
		h.c.store.AnnounceRemoval(hash)
	}
	return removed
}
