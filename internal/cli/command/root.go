package command

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/persistmesh-go/internal/infra/buildinfo"
)

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:    "persistmesh-node",
		Usage:   "replicate in-memory objects across a mesh of peers",
		Version: buildinfo.Get().String(),
		Commands: []*cli.Command{
			RunCommand(),
			VersionCommand(),
		},
	}
}

// VersionCommand prints the build information.
func VersionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print build information",
		Action: func(c *cli.Context) error {
			info := buildinfo.Get()
			fmt.Fprintf(c.App.Writer, "persistmesh-node %s\n", info)
			fmt.Fprintf(c.App.Writer, "protocol version %d\n", info.Protocol)
			return nil
		},
	}
}

// PrintError prints an error message to stderr.
func PrintError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
}
