// Package adaptive provides the authenticated ciphers used to seal
// replication frames between peers.
//
// Two AEAD constructions are available: AES-GCM and
// ChaCha20-Poly1305. Peers must agree on the construction, so callers
// pick one explicitly with NewWithType; New only chooses by hardware
// and is meant for single-process use such as tests and benchmarks.
//
// Keys are derived from a shared secret with DeriveKey, which digests
// the secret with BLAKE2b-256 and truncates the digest to the key size
// of the chosen construction.
package adaptive
