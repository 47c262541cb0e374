package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"tinyclaw/internal/ipc"
)

// NewStopCmd creates the stop command.
func NewStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := getContext(cmd)
			if cliCtx == nil {
				return fmt.Errorf("CLI context not initialized")
			}

			socket := cliCtx.Paths.SocketPath()
			if !ipc.IsRunning(socket) {
				fmt.Println("tinyclaw is not running")
				return nil
			}

			if err := ipc.NewClient(socket).Stop(); err != nil {
				return fmt.Errorf("stop: %w", err)
			}
			fmt.Println("Stop requested")
			return nil
		},
	}
}
