package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/teleclaude/teleclaude/internal/mcpserver"
)

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve daemon tools to an agent over MCP stdio",
		Long:  "Runs an MCP server on stdin/stdout backed by the local daemon socket. Agents configure this command as an MCP server to start sessions on other computers, message them, and wait for replies.",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient()
			if err != nil {
				return err
			}
			return mcpserver.Serve(api, os.Getenv("TELECLAUDE_SESSION_ID"), Version)
		},
	}
}
