// Command unshubd runs the Unified Namespace ingestion and transformation
// hub: see pkg/cli for the serve and version subcommands.
package main

import "github.com/getmockd/unshubd/pkg/cli"

// Version, Commit, and BuildDate are set via -ldflags at release build
// time (e.g. -X main.Version=1.2.3); they default to "dev" builds.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cli.Version = Version
	cli.Commit = Commit
	cli.BuildDate = BuildDate
	cli.Execute()
}
