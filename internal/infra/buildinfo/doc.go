// Package buildinfo reports the build of persistmesh-node.
//
// Release builds set the variables with ldflags:
//
//	go build -ldflags "-X github.com/yndnr/persistmesh-go/internal/infra/buildinfo.Version=v0.3.0"
//
// Without ldflags the commit falls back to the VCS stamp Go embeds.
package buildinfo
