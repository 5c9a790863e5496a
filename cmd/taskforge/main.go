// Command taskforge is the unified entry point for the parallel task
// orchestration engine: a single binary that can run the engine directly
// (serve) or run it under a crash-resilient parent process (supervise).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "taskforge",
		Short: "Parallel task orchestration engine",
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(newSuperviseCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
