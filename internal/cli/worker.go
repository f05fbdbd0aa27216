package cli

import (
	"github.com/spf13/cobra"

	"github.com/matzehuels/ffcanvas/pkg/raster"
)

// workerCommand creates the hidden command run by worker processes. The pool
// spawns it with the protocol on stdin and stdout.
func (c *CLI) workerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run a raster worker on stdin/stdout",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return raster.ServeWorker(cmd.Context(), workerLevel())
		},
	}
}
