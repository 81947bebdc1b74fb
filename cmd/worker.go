package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ceetaro/Suitkaise-sub005/pkg/processing"
)

// WorkerCommand is the argument a Manager passes to worker processes.
const WorkerCommand = "_worker"

// CreateWorkerCmd creates the hidden command that worker processes run.
// main dispatches worker processes before flag parsing, so this is only
// reached when the binary is invoked by hand.
func CreateWorkerCmd(registry *processing.Registry) *cobra.Command {
	return &cobra.Command{
		Use:    WorkerCommand,
		Short:  "Run a worker process (started by the supervisor)",
		Hidden: true,
		Args:   cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			if !processing.IsChild() {
				fmt.Fprintf(os.Stderr, "%s is started by the supervisor, not by hand\n", WorkerCommand)
				os.Exit(2)
			}
			os.Exit(processing.RunChild(registry))
		},
	}
}
