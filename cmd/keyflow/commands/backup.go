package commands

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keyflow"
	"github.com/arko-chat/keyflow/credentials"
	"github.com/arko-chat/keyflow/driver"
	"github.com/arko-chat/keyflow/event"
	"github.com/arko-chat/keyflow/store"
)

// backupDump is the JSON shape of an offline key-backup dump: the version
// metadata plus the full rooms map as served by the backup endpoints.
type backupDump struct {
	Version   id.KeyBackupVersion                                       `json:"version"`
	Algorithm string                                                    `json:"algorithm"`
	PublicKey id.Curve25519                                             `json:"public_key"`
	Rooms     map[id.RoomID]map[id.SessionID]*keyflow.BackupSessionData `json:"rooms"`
}

// dumpBackupClient serves a backup dump file through the BackupClient
// interface so restore runs through the exact same path as a live server.
type dumpBackupClient struct {
	dump *backupDump
}

func (c *dumpBackupClient) GetVersion(ctx context.Context) (*keyflow.BackupVersionInfo, error) {
	if c.dump == nil {
		return nil, fmt.Errorf("no backup dump loaded")
	}
	return &keyflow.BackupVersionInfo{
		Version:   c.dump.Version,
		Algorithm: c.dump.Algorithm,
		PublicKey: c.dump.PublicKey,
	}, nil
}

func (c *dumpBackupClient) PutKeys(ctx context.Context, version id.KeyBackupVersion, rooms map[id.RoomID]map[id.SessionID]*keyflow.BackupSessionData) (string, int, error) {
	return "", 0, fmt.Errorf("offline: cannot upload to a backup dump")
}

func (c *dumpBackupClient) GetKeys(ctx context.Context, version id.KeyBackupVersion) (map[id.RoomID]map[id.SessionID]*keyflow.BackupSessionData, error) {
	if c.dump == nil {
		return nil, fmt.Errorf("no backup dump loaded")
	}
	return c.dump.Rooms, nil
}

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Restore room keys from a server-side backup dump",
	}
	cmd.AddCommand(backupRestoreCmd(), backupSetKeyCmd())
	return cmd
}

func backupRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <dump.json>",
		Short: "Decrypt and import every session from a backup dump file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var dump backupDump
			if err := json.Unmarshal(raw, &dump); err != nil {
				return fmt.Errorf("parse backup dump: %w", err)
			}
			backupClient.dump = &dump

			if err := seedBackupKeyFromKeyring(cmd.Context()); err != nil {
				return err
			}
			imported, err := machine.Backup.RestoreFromBackup(cmd.Context(), dump.Version)
			if err != nil {
				return err
			}
			fmt.Printf("Imported %d sessions from backup version %s\n", imported, dump.Version)
			return nil
		},
	}
}

func backupSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key <base64-recovery-key>",
		Short: "Store the backup recovery key in the OS keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := base64.RawStdEncoding.DecodeString(args[0])
			if err != nil {
				return fmt.Errorf("decode recovery key: %w", err)
			}
			if _, err := driver.BackupKeyFromBytes(raw); err != nil {
				return err
			}
			if err := credentials.StoreBackupKey(userID, args[0]); err != nil {
				return err
			}
			return machine.Store().PutSecret(cmd.Context(), &store.Secret{
				Name:     event.TypeMegolmBackupKey,
				Value:    args[0],
				StoredAt: time.Now().UTC(),
			})
		},
	}
}

// seedBackupKeyFromKeyring copies a keyring-held recovery key into the secret
// cache when the store has none, so restore can find it.
func seedBackupKeyFromKeyring(ctx context.Context) error {
	_, err := machine.Secrets.GetBackupKey(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, keyflow.ErrNoBackupKey) {
		return err
	}
	val, err := credentials.LoadBackupKey(userID)
	if err != nil {
		return fmt.Errorf("no backup key cached; run \"keyflow backup set-key\" first")
	}
	return machine.Store().PutSecret(ctx, &store.Secret{
		Name:     event.TypeMegolmBackupKey,
		Value:    val,
		StoredAt: time.Now().UTC(),
	})
}
