// Package wire implements the replication wire format.
//
// A physical packet on the TCP stream is
//
//	[1 byte processor tag][4 bytes big-endian length][body]
//
// where body is the pre-processed form of a compressed payload. The
// payload itself is a msgpack map with the header keys v, t, op, h and oh,
// plus d for data-bearing variants. Values inside d use the msgpack value
// model extended with application transformers registered in a Registry.
package wire
