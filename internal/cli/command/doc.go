// Package command defines the persistmesh-node command line.
//
//	persistmesh-node run --config node.yaml --peer 10.0.0.2:6000 --seed
//	persistmesh-node version
//
// run starts a node that replicates a Note collection, which makes the
// binary useful for trying out a mesh by hand.
package command
