// Package peerserver maintains the TCP connections between replicating
// nodes.
//
// A Manager owns a bounded pool of connections, accepted or dialed. Each
// Conn runs one read goroutine that decodes packets in arrival order,
// completes the Identify/Ok handshake with the help of a Spy, answers
// pings, and hands data payloads to a Hook. Payloads the Hook applies are
// forwarded to every other synced connection.
//
// Packet pipeline, outbound: msgpack payload, compression mode byte,
// processor Pack, then the [tag][length][body] frame. Inbound runs the
// same steps in reverse.
package peerserver
