package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Announce a binary rollout to peer daemons",
		Long:  "Tells the local daemon to broadcast a deploy notice to every peer host. The artifact itself ships out of band; peers surface the notice on their frontends.",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			st, err := api.Sync(ctx)
			if err != nil {
				return err
			}
			if st.PeersNotified {
				fmt.Printf("%s: deploy notice broadcast to peers\n", st.Computer)
			} else {
				fmt.Printf("%s: no peer transport configured, local only\n", st.Computer)
			}

			computers, err := api.Computers(ctx)
			if err != nil {
				return err
			}
			for _, c := range computers {
				marker := " "
				if c.Self {
					marker = "*"
				}
				fmt.Printf("%s %-20s sessions=%d\n", marker, c.Name, c.SessionCount)
			}
			return nil
		},
	}
}
