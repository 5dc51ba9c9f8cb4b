package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/teleclaude/teleclaude/pkg/protocol"
)

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <session-id> <text>...",
		Short: "Send a message to a session's agent",
		Args:  minArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			host, _ := os.Hostname()
			req := protocol.SendMessageRequest{
				Text:      strings.Join(args[1:], " "),
				Origin:    protocol.AdapterTUI,
				ActorName: host,
			}
			queuedID, err := api.SendMessage(ctx, args[0], req)
			if err != nil {
				return err
			}
			fmt.Printf("queued %s\n", queuedID)
			return nil
		},
	}
}
