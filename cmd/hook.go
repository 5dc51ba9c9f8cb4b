package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/internal/store/sqlstore"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

const hookPayloadCap = 1 << 20

func hookCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hook <agent> <native-event>",
		Short: "Record an agent lifecycle event (called from agent hook config)",
		Long:  "Reads the hook payload from stdin and appends it to the durable outbox. The daemon drains the outbox on its own; this command never talks to it, so hooks keep working while the daemon restarts.",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, nativeEvent := args[0], args[1]
			if !slices.Contains(protocol.KnownAgents(), agent) {
				return fmt.Errorf("%w: unknown agent %q", errValidation, agent)
			}
			eventType := protocol.HookEventFor(agent, nativeEvent)
			if eventType == "" {
				return fmt.Errorf("%w: agent %s has no hook named %q", errValidation, agent, nativeEvent)
			}

			// Outside a managed pane there is no session to attribute the
			// event to. Exit clean so globally-installed hook config does
			// not break agents run by hand.
			sessionID := os.Getenv("TELECLAUDE_SESSION_ID")
			if sessionID == "" {
				fmt.Fprintln(os.Stderr, "TELECLAUDE_SESSION_ID not set; ignoring hook event")
				return nil
			}

			payload, err := io.ReadAll(io.LimitReader(os.Stdin, hookPayloadCap))
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
			if !json.Valid(payload) {
				payload = []byte("{}")
			}

			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			outbox := sqlstore.NewHookOutboxStore(db)
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			id, err := outbox.Append(ctx, &store.HookEntry{
				SessionID:   sessionID,
				EventType:   eventType,
				PayloadJSON: string(payload),
			})
			if err != nil {
				return err
			}
			if verbose {
				fmt.Fprintf(os.Stderr, "hook %s recorded as %s\n", eventType, id)
			}
			return nil
		},
	}
}
