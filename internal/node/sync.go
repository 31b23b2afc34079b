package node

import (
	"context"
	"reflect"

	"github.com/yndnr/persistmesh-go/internal/core/domain"
	"github.com/yndnr/persistmesh-go/internal/core/wire"
	"github.com/yndnr/persistmesh-go/internal/server/peerserver"
	"github.com/yndnr/persistmesh-go/internal/storage/replica"
	"github.com/yndnr/persistmesh-go/internal/telemetry/logger"
)

// syncHook applies payloads received from peers to the node's stores.
// Every store write here is quiet; forwarding is left to the manager.
type syncHook struct {
	n *Node
}

func (h *syncHook) Snapshot() []map[string]any { return h.n.snapshot() }

func (h *syncHook) Invalidate() { h.n.Invalidate() }

func (h *syncHook) Apply(ctx context.Context, c *peerserver.Conn, p *wire.Payload) bool {
	var applied bool
	switch p.Op {
	case wire.OpInitialize:
		applied = h.initialize(ctx, c, p)
	case wire.OpCreation:
		applied = h.creation(ctx, p)
	case wire.OpChange:
		applied = h.change(ctx, p)
	case wire.OpRemoval:
		applied = h.removal(p)
	default:
		return false
	}

	if applied {
		h.n.metrics.SyncApplied.WithLabelValues(p.Op.String()).Inc()
	} else {
		h.n.metrics.SyncIgnored.WithLabelValues(p.Op.String()).Inc()
	}
	return applied
}

type resolved struct {
	store *replica.Store
	obj   any
}

// resolve finds the store for a field map and builds the object.
func (h *syncHook) resolve(fields map[string]any) (resolved, error) {
	schema, err := domain.BestMatch(h.n.schemas(), fields)
	if err != nil {
		return resolved{}, err
	}
	obj, err := schema.Build(fields)
	if err != nil {
		return resolved{}, err
	}
	return resolved{store: h.n.store(schema.Name), obj: obj}, nil
}

func (h *syncHook) initialize(ctx context.Context, c *peerserver.Conn, p *wire.Payload) bool {
	log := logger.L(ctx)

	objs := make([]resolved, 0, len(p.Init.Objects))
	for _, fields := range p.Init.Objects {
		r, err := h.resolve(fields)
		if err != nil {
			log.Warn("dropping unresolvable object from initialize", "error", err)
			continue
		}
		objs = append(objs, r)
	}

	if len(objs) > 0 && objs[0].store.Contains(objs[0].obj) {
		log.Debug("initialize already known, skipping", "objects", len(objs))
		return false
	}

	// Reply before inserting so the peer is not sent its own objects.
	if p.Init.Respond && c != nil {
		if err := c.Send(ctx, wire.NewInitialize(false, h.n.snapshot())); err != nil {
			log.Warn("initialize reply failed", "error", err)
		}
	}
	if len(objs) == 0 {
		return false
	}

	for _, r := range objs {
		if _, _, err := r.store.InsertQuietly(r.obj); err != nil {
			log.Warn("initialize insert failed", "error", err)
		}
	}
	log.Info("initialized from peer", "objects", len(objs))
	return true
}

func (h *syncHook) creation(ctx context.Context, p *wire.Payload) bool {
	if h.n.holding(p.HashValue()) != nil {
		return false
	}
	r, err := h.resolve(p.Data)
	if err != nil {
		logger.L(ctx).Warn("dropping unresolvable creation", "hash", p.HashValue(), "error", err)
		return false
	}
	_, inserted, err := r.store.InsertQuietly(r.obj)
	if err != nil {
		logger.L(ctx).Warn("creation insert failed", "error", err)
		return false
	}
	return inserted
}

func (h *syncHook) change(ctx context.Context, p *wire.Payload) bool {
	prior := p.PriorHashValue()
	store := h.n.holding(prior)
	if store == nil {
		return false
	}

	h.n.mutateMu.Lock()
	defer h.n.mutateMu.Unlock()

	obj, ok := store.Get(prior)
	if !ok {
		return false
	}
	schema := store.Schema()
	var changed bool
	for field, value := range p.Data {
		before, err := schema.Value(obj, field)
		if err != nil {
			logger.L(ctx).Warn("change not applied", "field", field, "error", err)
			return false
		}
		if err := schema.Apply(obj, field, value); err != nil {
			logger.L(ctx).Warn("change not applied", "field", field, "error", err)
			return false
		}
		after, _ := schema.Value(obj, field)
		if !reflect.DeepEqual(before, after) {
			changed = true
		}
	}
	// A value already held is a change this node has seen. With a hash
	// that ignores the field this is the only thing that stops a cycle.
	if !changed {
		return false
	}
	if _, err := store.UpdateQuietly(prior, obj); err != nil {
		return false
	}
	return true
}

func (h *syncHook) removal(p *wire.Payload) bool {
	store := h.n.holding(p.HashValue())
	if store == nil {
		return false
	}
	return store.RemoveHashQuietly(p.HashValue())
}
