// Package memory holds objects of one schema keyed by their hash.
//
// A LocalStore has no network effect. The replica package wraps it to
// announce mutations to peers.
package memory
