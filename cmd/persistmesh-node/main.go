// Command persistmesh-node runs a replication node.
package main

import (
	"os"

	"github.com/yndnr/persistmesh-go/internal/cli/command"
)

func main() {
	if err := command.App().Run(os.Args); err != nil {
		command.PrintError("%v", err)
		os.Exit(1)
	}
}
