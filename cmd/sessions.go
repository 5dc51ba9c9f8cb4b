package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	runewidth "github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/pkg/client"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// apiClient builds a daemon client from the resolved config.
func apiClient() (*client.Client, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return client.New(cfg.API.SocketPath), nil
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage sessions",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsEndCmd())
	cmd.AddCommand(sessionsEscalateCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	var (
		all      bool
		computer string
		project  string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions known to the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			list, err := api.ListSessions(ctx, client.ListOptions{All: all, Computer: computer, Project: project})
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			printSessionTable(list)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include closed sessions")
	cmd.Flags().StringVar(&computer, "computer", "", "filter by computer name")
	cmd.Flags().StringVar(&project, "project", "", "filter by project path")
	return cmd
}

// printSessionTable renders aligned columns. Widths come from runewidth
// so titles with CJK or emoji keep the table straight.
func printSessionTable(list []protocol.SessionInfo) {
	headers := []string{"SESSION", "COMPUTER", "AGENT", "STATE", "STATUS", "TITLE", "LAST ACTIVITY"}
	rows := make([][]string, 0, len(list))
	for _, s := range list {
		rows = append(rows, []string{
			trimID(s.SessionID),
			s.ComputerName,
			s.ActiveAgent,
			s.AgentState,
			s.LifecycleStatus,
			runewidth.Truncate(s.Title, 40, "…"),
			s.LastActivity.Local().Format("2006-01-02 15:04"),
		})
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	printRow := func(cells []string) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			parts[i] = pad(cell, widths[i])
		}
		fmt.Println(strings.TrimRight(strings.Join(parts, "  "), " "))
	}
	printRow(headers)
	for _, row := range rows {
		printRow(row)
	}
}

func pad(s string, w int) string {
	gap := w - runewidth.StringWidth(s)
	if gap <= 0 {
		return s
	}
	return s + strings.Repeat(" ", gap)
}

// trimID shortens a session id to its first UUID group for display.
func trimID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func sessionsEndCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "end <session-id>",
		Short: "End a session and its agent process",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			if err := api.EndSession(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("session %s closed\n", args[0])
			return nil
		},
	}
}

func sessionsEscalateCmd() *cobra.Command {
	var (
		email string
		role  string
	)
	cmd := &cobra.Command{
		Use:   "escalate <session-id>",
		Short: "Attach a human relay to an agent-initiated session",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" {
				form := huh.NewForm(huh.NewGroup(
					huh.NewInput().
						Title("Human email").
						Value(&email).
						Validate(func(s string) error {
							if !strings.Contains(s, "@") {
								return fmt.Errorf("not an email address")
							}
							return nil
						}),
					huh.NewSelect[string]().
						Title("Relay role").
						Options(huh.NewOptions("member", "admin", "contributor", "newcomer")...).
						Value(&role),
				))
				if err := form.Run(); err != nil {
					return err
				}
			}

			api, err := apiClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			req := protocol.EscalateRequest{HumanEmail: email, HumanRole: role}
			if err := api.Escalate(ctx, args[0], req); err != nil {
				return err
			}
			fmt.Printf("session %s escalated to %s\n", args[0], email)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "human email to attach")
	cmd.Flags().StringVar(&role, "role", "", "relay role (default: member)")
	return cmd
}
