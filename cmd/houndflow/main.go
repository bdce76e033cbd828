// Command houndflow loads, validates and runs browser automation workflows,
// and serves the HTTP and MCP control surfaces.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "houndflow",
		Short:         "Declarative browser automation workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	setupFlags(root)
	root.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newDiagramCmd(),
		newSecretCmd(),
		newResumeCmd(),
		newServeCmd(),
		newVersionCmd(),
	)
	return root
}

// runFailedError reports an execution that ended in a non-completed status.
type runFailedError struct {
	status string
}

func (e *runFailedError) Error() string {
	return "execution ended with status " + e.status
}

// exitCode is 2 for runs that finished unsuccessfully and 1 otherwise.
func exitCode(err error) int {
	if _, ok := err.(*runFailedError); ok {
		return 2
	}
	return 1
}
