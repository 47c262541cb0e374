package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"tinyclaw/internal/ipc"
)

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of the running instance",
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

			client := ipc.NewClient(socket)
			st, err := client.Status()
			if err != nil {
				return fmt.Errorf("query status: %w", err)
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(st, "", "  ")
				fmt.Println(string(data))
				return nil
			}

			fmt.Printf("tinyclaw %s (pid %d)\n", st.Version, st.PID)
			fmt.Printf("  Uptime:       %s\n", st.Uptime)
			fmt.Printf("  Claimed:      %t\n", st.Claimed)
			fmt.Printf("  Active users: %d\n", st.ActivePrincipals)
			fmt.Printf("  Connections:  %d\n", st.ConnectedClients)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}
