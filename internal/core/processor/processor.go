package processor

import (
	"net"
	"strconv"

	"github.com/yndnr/persistmesh-go/internal/core/domain"
	"github.com/yndnr/persistmesh-go/pkg/crypto/adaptive"
)

// Processor tags written in the packet header.
const (
	TagIdentity  byte = 0
	TagEncrypted byte = 1
)

// Role is the side of the connection a node plays.
type Role uint8

const (
	// RoleInitiator dialed the connection and sent Identify.
	RoleInitiator Role = iota
	// RoleAcceptor accepted the connection.
	RoleAcceptor
)

func (r Role) String() string {
	if r == RoleAcceptor {
		return "acceptor"
	}
	return "initiator"
}

// Peer keys per-connection processor state.
type Peer struct {
	Host string
	Port int
	Role Role
}

func (p Peer) String() string {
	return p.Role.String() + "/" + net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Processor packs outgoing and consumes incoming packet bodies.
// Implementations must be safe for concurrent use across peers.
type Processor interface {
	Tag() byte
	Pack(peer Peer, raw []byte) ([]byte, error)
	Consume(peer Peer, data []byte) ([]byte, error)
	// Release drops any state held for peer.
	Release(peer Peer)
}

type identity struct{}

// Identity returns the pass-through processor.
func Identity() Processor { return identity{} }

func (identity) Tag() byte                                   { return TagIdentity }
func (identity) Pack(_ Peer, raw []byte) ([]byte, error)     { return raw, nil }
func (identity) Consume(_ Peer, data []byte) ([]byte, error) { return data, nil }
func (identity) Release(Peer)                                {}

// Kind names a processor in configuration.
const (
	KindNone      = "none"
	KindEncrypted = "encrypted"
)

// New builds the processor named by kind. secret and cipher are only used
// by the encrypted processor.
func New(kind, secret, cipher string) (Processor, error) {
	switch kind {
	case "", KindNone:
		return Identity(), nil
	case KindEncrypted:
		if secret == "" {
			return nil, domain.ErrInvalidConfig.WithDetails("encrypted processor requires a secret")
		}
		t, err := adaptive.ParseCipherType(cipher)
		if err != nil {
			return nil, domain.ErrInvalidConfig.WithCause(err)
		}
		return NewEncrypted([]byte(secret), t)
	default:
		return nil, domain.ErrInvalidConfig.WithDetailsf("unknown processor %q", kind)
	}
}
