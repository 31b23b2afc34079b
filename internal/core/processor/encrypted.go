package processor

import (
	"crypto/rand"
	"crypto/subtle"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/yndnr/persistmesh-go/internal/core/domain"
	"github.com/yndnr/persistmesh-go/pkg/crypto/adaptive"
)

// SaltSize is the length of the per-connection salt.
const SaltSize = 32

type peerState struct {
	mu   sync.Mutex
	salt []byte // nil until the salt exchange completes
}

// Encrypted seals packets with an AEAD keyed from a shared secret.
//
// The acceptor chooses a random salt and sends it in the clear in front
// of its first packet. From then on both sides encrypt salt||payload and
// verify the salt on receipt, binding every packet to the connection.
type Encrypted struct {
	cipher adaptive.Cipher
	peers  *xsync.MapOf[string, *peerState]
}

// NewEncrypted derives the key from secret and builds the processor.
func NewEncrypted(secret []byte, t adaptive.CipherType) (*Encrypted, error) {
	c, err := adaptive.NewWithType(adaptive.DeriveKey(secret, t), t)
	if err != nil {
		return nil, domain.ErrInvalidConfig.WithCause(err)
	}
	return &Encrypted{
		cipher: c,
		peers:  xsync.NewMapOf[string, *peerState](),
	}, nil
}

func (e *Encrypted) Tag() byte { return TagEncrypted }

// CipherType reports the AEAD in use.
func (e *Encrypted) CipherType() adaptive.CipherType { return e.cipher.Type() }

func (e *Encrypted) state(peer Peer) *peerState {
	st, _ := e.peers.LoadOrCompute(peer.String(), func() *peerState { return &peerState{} })
	return st
}

func (e *Encrypted) Pack(peer Peer, raw []byte) ([]byte, error) {
	st := e.state(peer)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.salt == nil {
		if peer.Role == RoleInitiator {
			// Identify goes out before the acceptor has chosen a salt.
			return raw, nil
		}
		salt := make([]byte, SaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
		st.salt = salt
		out := make([]byte, 0, SaltSize+len(raw))
		return append(append(out, salt...), raw...), nil
	}

	plain := make([]byte, 0, SaltSize+len(raw))
	plain = append(append(plain, st.salt...), raw...)
	return e.cipher.Encrypt(plain, nil)
}

func (e *Encrypted) Consume(peer Peer, data []byte) ([]byte, error) {
	st := e.state(peer)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.salt == nil {
		if peer.Role == RoleAcceptor {
			return data, nil
		}
		if len(data) < SaltSize {
			return nil, domain.ErrMalformedFrame.WithDetailsf("salted packet of %d bytes", len(data))
		}
		st.salt = append([]byte(nil), data[:SaltSize]...)
		return data[SaltSize:], nil
	}

	plain, err := e.cipher.Decrypt(data, nil)
	if err != nil {
		return nil, domain.ErrDecryptFailed.WithCause(err)
	}
	if len(plain) < SaltSize || subtle.ConstantTimeCompare(plain[:SaltSize], st.salt) != 1 {
		return nil, domain.ErrDecryptFailed.WithDetails("salt mismatch")
	}
	return plain[SaltSize:], nil
}

func (e *Encrypted) Release(peer Peer) {
	e.peers.Delete(peer.String())
}
