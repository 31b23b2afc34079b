// Package processor transforms framed payload bytes on their way to and
// from the socket.
//
// Every physical packet carries the tag of the processor that produced
// it, so peers configured with different processors detect the mismatch
// on the first packet. Two processors exist: Identity (tag 0) and the
// salted AEAD processor returned by NewEncrypted (tag 1).
package processor
