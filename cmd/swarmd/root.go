package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at build time via -ldflags.
var version = "dev"

// NewRootCommand builds the swarmd CLI: serve runs the supervisor and HTTP
// front door, agent runs a single worker process (the Lazy Runtime's launch
// target), status inspects a board on disk.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "swarmd",
		Short: "coordination core for a multi-agent task execution system",
		Long: `swarmd runs the coordination core: a task board, mailboxes, a context
bus, and a pool of agent workers that claim, execute, critique, and
synthesize tasks submitted through the HTTP front door.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "path to the YAML configuration document")
	root.PersistentFlags().String("work-dir", "", "override the configured work_dir")

	root.AddCommand(newServeCommand())
	root.AddCommand(newAgentCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print swarmd's version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("swarmd " + version)
		},
	}
}

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "swarmd:", err)
		os.Exit(1)
	}
}
