// Command enginectl drives query-engine builds from the terminal. It
// embeds the same wiring as the API server, so a build started here runs
// the full ingest pipeline against whatever backends the environment
// configures, falling back to in-process stores when none are.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/groundplane/groundplane/internal/config"
	"github.com/groundplane/groundplane/internal/faults"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", faults.MessageOf(err))
		os.Exit(faults.ExitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:   "enginectl",
		Short: "Build and inspect groundplane query engines",
		Long: `enginectl runs the engine build pipeline without going through the API
server: it ingests a source, chunks and embeds the content and writes
the vectors to the configured vector store.

It reads the same environment variables as the server, so point it at
the same Mongo, Redis and vector-store backends to operate on live
data. Without them it runs against in-process stores, which is enough
to validate a source and an embedding model end to end.`,
		Version:       config.Load().Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Service logs go to stderr so stdout stays scriptable.
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
			zerolog.SetGlobalLevel(zerolog.WarnLevel)
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show service logs while running")
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return faults.Wrap(faults.Validation, err.Error(), err)
	})

	root.AddCommand(newBuildCmd())
	root.AddCommand(newStatusCmd())

	return root
}
