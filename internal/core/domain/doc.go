// Package domain defines the replication domain model.
//
// It holds the pieces every other layer agrees on:
//
//   - Schema and Field: the explicit accessor contract for a replicated type
//   - Hash: the 64-bit fingerprint that keys every store
//   - BestMatch: resolution of an anonymous field map to a registered Schema
//   - DomainError: coded errors shared by the wire, transport and store layers
//
// The package has no IO and no dependency on the transport.
package domain
