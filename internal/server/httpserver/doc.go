// Package httpserver serves the node's operational endpoints:
//
//	GET /health   liveness
//	GET /metrics  Prometheus exposition
//	GET /peers    open replication connections
//	GET /stores   object counts per schema
//
// It is an operator surface only; replication itself runs over the peer
// protocol.
package httpserver
