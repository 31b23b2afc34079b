package peerserver

import (
	"context"

	"github.com/yndnr/persistmesh-go/internal/core/wire"
)

// Spy observes and gates connection lifecycle events.
type Spy interface {
	// InterceptConnectionRequest is called on the acceptor when Identify
	// arrives. The returned metadata is sent back in Ok; an error rejects
	// the connection.
	InterceptConnectionRequest(c *Conn, version int, sentAt int64, meta map[string]any) (map[string]any, error)
	// InterceptCompletedHandshake is called on the initiator when Ok
	// arrives. Returning false rejects the connection.
	InterceptCompletedHandshake(c *Conn, version int, sentAt int64, meta map[string]any) bool
	// Disconnected is called when either side rejects the handshake or
	// the peer kicks us.
	Disconnected(c *Conn)
	// LatencyCheck reports a latency sample in milliseconds.
	LatencyCheck(c *Conn, ms int64)
}

// NopSpy accepts every connection and ignores events.
type NopSpy struct{}

func (NopSpy) InterceptConnectionRequest(*Conn, int, int64, map[string]any) (map[string]any, error) {
	return nil, nil
}
func (NopSpy) InterceptCompletedHandshake(*Conn, int, int64, map[string]any) bool { return true }
func (NopSpy) Disconnected(*Conn)                                                 {}
func (NopSpy) LatencyCheck(*Conn, int64)                                          {}

// Hook applies replicated payloads to local state.
type Hook interface {
	// Apply handles Initialize, Creation, Change and Removal payloads and
	// reports whether the payload changed local state and should be
	// forwarded to the other connections.
	Apply(ctx context.Context, c *Conn, p *wire.Payload) bool
	// Snapshot returns the field maps of every local object, sent in the
	// initiator's Initialize.
	Snapshot() []map[string]any
	// Invalidate quietly drops all local state. It runs when a peer kicks
	// this node.
	Invalidate()
}
