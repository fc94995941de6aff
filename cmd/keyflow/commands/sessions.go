package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List stored inbound megolm sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := machine.Store().ListInboundGroupSessions(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range sessions {
				backed := " "
				if s.BackedUp {
					backed = "B"
				}
				fmt.Printf("%s %-40s %s first=%d %s\n", backed, s.RoomID, s.SessionID, s.FirstKnownIndex, s.Provenance)
			}
			fmt.Printf("%d sessions\n", len(sessions))
			return nil
		},
	}
	return cmd
}
