// Package cli implements unshubd's command-line entrypoint: flag parsing,
// wiring every component together, and the serve command's startup and
// graceful shutdown sequence.
//
// Grounded on the teacher's pkg/cli/root.go (package-level rootCmd,
// Execute() called once from main.main(), persistent flags registered in
// init()).
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is injected at build time via -ldflags.
	Version = "dev"
	// Commit is injected at build time via -ldflags.
	Commit = "none"
	// BuildDate is injected at build time via -ldflags.
	BuildDate = "unknown"
)

// rootCmd is the base command invoked when unshubd is run with no
// subcommand.
var rootCmd = &cobra.Command{
	Use:   "unshubd",
	Short: "unshubd is a real-time Unified Namespace MQTT ingestion and transformation hub",
	Long: `unshubd supervises one or more MQTT brokers, decodes and canonicalizes
inbound messages (including Sparkplug B), persists them to an embedded
event store, runs sandboxed topic transformation rules, and evaluates
alert rules against the live message stream.

Configuration is read from a single YAML or JSON document named by
--config.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. It is called once from main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
