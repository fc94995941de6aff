package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keyflow"
)

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Export and import megolm room keys",
	}
	cmd.AddCommand(keysExportCmd(), keysImportCmd())
	return cmd
}

func keysExportCmd() *cobra.Command {
	var roomID string
	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Export room keys to a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := machine.ExportRoomKeys(cmd.Context(), id.RoomID(roomID))
			if err != nil {
				return err
			}
			encoded, err := json.MarshalIndent(sessions, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[0], encoded, 0o600); err != nil {
				return err
			}
			fmt.Printf("Exported %d sessions to %s\n", len(sessions), args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&roomID, "room", "", "only export keys of this room")
	return cmd
}

func keysImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import room keys from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var sessions []*keyflow.ExportedSession
			if err := json.Unmarshal(raw, &sessions); err != nil {
				return fmt.Errorf("parse key export: %w", err)
			}
			imported, err := machine.ImportRoomKeys(cmd.Context(), sessions)
			if err != nil {
				return err
			}
			fmt.Printf("Imported %d of %d sessions\n", imported, len(sessions))
			return nil
		},
	}
}
