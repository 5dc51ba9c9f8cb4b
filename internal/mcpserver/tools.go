package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/teleclaude/teleclaude/pkg/client"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

func registerTools(s *server.MCPServer, api *client.Client, callerSession string) {
	s.AddTool(
		mcp.NewTool("teleclaude_list_sessions",
			mcp.WithDescription("List active sessions across the connected computers. Use this to find a session to message or to check what is already running."),
			mcp.WithString("computer",
				mcp.Description("Only sessions on this computer"),
			),
			mcp.WithString("project",
				mcp.Description("Only sessions under this project path"),
			),
			mcp.WithBoolean("all",
				mcp.Description("Include closed sessions"),
			),
		),
		listSessionsHandler(api),
	)

	s.AddTool(
		mcp.NewTool("teleclaude_start_session",
			mcp.WithDescription("Start a new agent session in a project directory and return its session id. The new session runs its own agent in a tmux pane; message it with teleclaude_send_message."),
			mcp.WithString("project_path",
				mcp.Required(),
				mcp.Description("Project directory for the new session"),
			),
			mcp.WithString("agent",
				mcp.Description("Agent CLI to run: claude, gemini, or codex (default claude)"),
			),
			mcp.WithString("title",
				mcp.Description("Human-readable session title"),
			),
			mcp.WithString("thinking_mode",
				mcp.Description("Thinking mode hint passed to the agent"),
			),
		),
		startSessionHandler(api, callerSession),
	)

	s.AddTool(
		mcp.NewTool("teleclaude_send_message",
			mcp.WithDescription("Send a message to another session's agent. Delivery is queued and processed as the target agent's next turn; its answer comes back to you when it finishes."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("Target session id (from teleclaude_list_sessions or teleclaude_start_session)"),
			),
			mcp.WithString("text",
				mcp.Required(),
				mcp.Description("The message to deliver"),
			),
		),
		sendMessageHandler(api, callerSession),
	)

	s.AddTool(
		mcp.NewTool("teleclaude_end_session",
			mcp.WithDescription("End a session: close its platform channels and kill its pane."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session id to end"),
			),
		),
		endSessionHandler(api),
	)
}

func listSessionsHandler(api *client.Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		list, err := api.ListSessions(ctx, client.ListOptions{
			Computer: req.GetString("computer", ""),
			Project:  req.GetString("project", ""),
			All:      req.GetBool("all", false),
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list sessions: %v", err)), nil
		}

		formatted, err := json.MarshalIndent(list, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encode sessions: %v", err)), nil
		}
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func startSessionHandler(api *client.Client, callerSession string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectPath, err := req.RequireString("project_path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		sess, err := api.CreateSession(ctx, protocol.CreateSessionRequest{
			ProjectPath:      projectPath,
			Agent:            req.GetString("agent", ""),
			Title:            req.GetString("title", ""),
			ThinkingMode:     req.GetString("thinking_mode", ""),
			Origin:           protocol.AdapterMCP,
			InitiatorSession: callerSession,
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("start session: %v", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf(
			"Started session %s (%s, agent %s) in %s.\nMessage it with teleclaude_send_message using this session_id.",
			sess.SessionID, sess.Title, sess.ActiveAgent, sess.ProjectPath,
		)), nil
	}
}

func sendMessageHandler(api *client.Client, callerSession string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		queuedID, err := api.SendMessage(ctx, sessionID, protocol.SendMessageRequest{
			Text:      text,
			Origin:    protocol.AdapterMCP,
			ActorID:   callerSession,
			ActorName: callerName(ctx, api, callerSession),
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("send message: %v", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf(
			"Message queued (%s). The agent in session %s will process it as its next turn.",
			queuedID, sessionID,
		)), nil
	}
}

func endSessionHandler(api *client.Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		if err := api.EndSession(ctx, sessionID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("end session: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Session %s closed.", sessionID)), nil
	}
}

// callerName labels messages sent on behalf of the calling session so
// observers see which peer is talking.
func callerName(ctx context.Context, api *client.Client, callerSession string) string {
	if callerSession == "" {
		return "peer agent"
	}
	sess, err := api.Session(ctx, callerSession)
	if err != nil || sess.Title == "" {
		short := callerSession
		if len(short) > 8 {
			short = short[:8]
		}
		return "session " + short
	}
	return sess.Title
}
