// Command davctl is a small operator CLI over dav2 pools: create a pool
// file, inspect its stats, check it for corruption, or force a WAL
// replay. Grounded on dsmmcken-dh-cli's cobra command-tree convention
// (root.go wires one addXCommands per subcommand group onto a shared
// root; subcommands bind their own local flags).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var jsonFlag bool

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "davctl",
		Short:         "Inspect and manage dav2 pool files",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&jsonFlag, "json", "j", false, "output as JSON")

	addCreateCommand(root)
	addOpenCommand(root)
	addStatsCommand(root)
	addFsckCommand(root)
	addReplayCommand(root)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "davctl:", err)
		os.Exit(1)
	}
}
