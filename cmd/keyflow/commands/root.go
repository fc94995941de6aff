// Package commands implements the keyflow maintenance CLI: inspecting the
// local session store, exporting and importing megolm keys, and restoring
// from server-side backup dumps. Everything works offline against the crypto
// database; no homeserver connection is made.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keyflow"
	"github.com/arko-chat/keyflow/badgerstore"
	"github.com/arko-chat/keyflow/credentials"
	"github.com/arko-chat/keyflow/driver"
)

var (
	dataDir  string
	userID   string
	deviceID string
	verbose  bool

	machine      *keyflow.Machine
	db           *badgerstore.Store
	backupClient = &dumpBackupClient{}
)

// applyEnvFallbacks fills unset flags from the environment, so scripted use
// does not have to repeat identity flags on every invocation.
func applyEnvFallbacks() {
	if userID == "" {
		userID = os.Getenv("KEYFLOW_USER_ID")
	}
	if deviceID == "" {
		deviceID = os.Getenv("KEYFLOW_DEVICE_ID")
	}
	if dataDir == "" {
		dataDir = os.Getenv("KEYFLOW_DATA_DIR")
	}
}

// nopSender satisfies the to-device transport for offline use; any command
// that would actually send fails loudly instead of silently dropping.
type nopSender struct{}

func (nopSender) SendToDevice(ctx context.Context, eventType string, messages map[id.UserID]map[id.DeviceID]json.RawMessage) error {
	return fmt.Errorf("offline: refusing to send %s", eventType)
}

func Execute() error {
	root := &cobra.Command{
		Use:          "keyflow",
		Short:        "Inspect and maintain the local Matrix E2EE key store",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			applyEnvFallbacks()
			if userID == "" {
				return fmt.Errorf("--user-id is required")
			}
			if dataDir == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				dataDir = filepath.Join(dir, ".keyflow")
			}
			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				return err
			}

			level := zerolog.WarnLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

			pickleKey, err := credentials.LoadOrCreatePickleKey(userID)
			if err != nil {
				return fmt.Errorf("load pickle key: %w", err)
			}
			db, err = badgerstore.Open(filepath.Join(dataDir, "crypto"))
			if err != nil {
				return err
			}
			machine, err = keyflow.New(keyflow.Config{
				UserID:    id.UserID(userID),
				DeviceID:  id.DeviceID(deviceID),
				PickleKey: pickleKey,
			}, keyflow.Deps{
				Driver: driver.NewOlmDriver(),
				Store:  db,
				Sender: nopSender{},
				Backup: backupClient,
				Log:    log,
			})
			if err != nil {
				return err
			}
			return machine.Load(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if db != nil {
				return db.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "crypto store dir (default ~/.keyflow)")
	root.PersistentFlags().StringVar(&userID, "user-id", "", "Matrix user ID")
	root.PersistentFlags().StringVar(&deviceID, "device-id", "", "Matrix device ID")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(sessionsCmd(), keysCmd(), secretsCmd(), backupCmd())
	return root.Execute()
}
