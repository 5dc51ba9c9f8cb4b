// Package mcpserver exposes daemon operations as MCP tools over stdio.
// Agents spawn `teleclaude mcp` from inside their session panes; the tools
// proxy to the daemon API through the Unix socket. This is the
// agent-to-agent surface: an agent lists peers, starts a session for
// another agent, and messages it, all without leaving its own turn.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/teleclaude/teleclaude/pkg/client"
)

// Serve runs the stdio MCP server until stdin closes. callerSession is the
// session the spawning agent belongs to (from TELECLAUDE_SESSION_ID in the
// pane environment), empty when invoked outside a managed pane.
func Serve(api *client.Client, callerSession, version string) error {
	s := server.NewMCPServer(
		"teleclaude",
		version,
		server.WithToolCapabilities(true),
	)
	registerTools(s, api, callerSession)
	return server.ServeStdio(s)
}
