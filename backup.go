package keyflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keyflow/driver"
	"github.com/arko-chat/keyflow/store"
)

// BackupAlgorithm is the only server-side key backup algorithm supported.
const BackupAlgorithm = "m.megolm_backup.v1.curve25519-aes-sha2"

// BackupVersionInfo describes the current server-side backup version.
type BackupVersionInfo struct {
	Version   id.KeyBackupVersion
	Algorithm string
	// PublicKey is the curve25519 key sessions are encrypted to, from the
	// version's auth data.
	PublicKey id.Curve25519
	Count     int
	ETag      string
}

// BackupSessionData is one backed-up session as stored on the server.
type BackupSessionData struct {
	FirstMessageIndex uint32                       `json:"first_message_index"`
	ForwardedCount    int                          `json:"forwarded_count"`
	IsVerified        bool                         `json:"is_verified"`
	SessionData       *driver.EncryptedSessionData `json:"session_data"`
}

// BackupClient is the server-side key backup transport. PutKeys must return
// ErrBackupVersionConflict (wrapped is fine) when the server reports the
// version is no longer current.
type BackupClient interface {
	GetVersion(ctx context.Context) (*BackupVersionInfo, error)
	PutKeys(ctx context.Context, version id.KeyBackupVersion, rooms map[id.RoomID]map[id.SessionID]*BackupSessionData) (etag string, count int, err error)
	GetKeys(ctx context.Context, version id.KeyBackupVersion) (map[id.RoomID]map[id.SessionID]*BackupSessionData, error)
}

// backupPayload is the plaintext inside an encrypted backup entry.
type backupPayload struct {
	Algorithm         id.Algorithm          `json:"algorithm"`
	ForwardingChain   []string              `json:"forwarding_curve25519_key_chain"`
	SenderKey         id.Curve25519         `json:"sender_key"`
	SenderClaimedKeys map[string]id.Ed25519 `json:"sender_claimed_keys"`
	SessionKey        string                `json:"session_key"`
}

// KeyBackupService reconciles local inbound sessions against the server-side
// encrypted key backup.
type KeyBackupService struct {
	m      *Machine
	client BackupClient
}

func newKeyBackupService(m *Machine, client BackupClient) *KeyBackupService {
	return &KeyBackupService{m: m, client: client}
}

// BackupNotYetBackedUp uploads every inbound session not yet in the current
// backup version, one session at a time so progress survives a mid-run
// failure. Returns how many sessions were uploaded. A version conflict stops
// the run immediately with ErrBackupVersionConflict.
func (b *KeyBackupService) BackupNotYetBackedUp(ctx context.Context, limit int) (int, error) {
	if b.client == nil {
		return 0, fmt.Errorf("no backup client configured")
	}
	info, err := b.client.GetVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch backup version: %w", err)
	}
	if info == nil || info.Version == "" {
		return 0, fmt.Errorf("no backup version exists on the server")
	}
	if info.Algorithm != BackupAlgorithm {
		return 0, fmt.Errorf("unsupported backup algorithm %q", info.Algorithm)
	}

	sessions, err := b.m.store.ListInboundGroupSessionsToBackup(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list sessions to back up: %w", err)
	}
	log := zerolog.Ctx(ctx).With().Str("backup_version", string(info.Version)).Logger()
	uploaded := 0
	for _, rec := range sessions {
		if ctx.Err() != nil {
			return uploaded, ctx.Err()
		}
		entry, err := b.encryptSession(rec, info.PublicKey)
		if err != nil {
			log.Warn().Err(err).
				Str("session_id", rec.SessionID.String()).
				Msg("Failed to prepare session for backup, skipping")
			continue
		}
		etag, count, err := b.client.PutKeys(ctx, info.Version, map[id.RoomID]map[id.SessionID]*BackupSessionData{
			rec.RoomID: {rec.SessionID: entry},
		})
		if err != nil {
			if errors.Is(err, ErrBackupVersionConflict) {
				return uploaded, fmt.Errorf("upload session %s: %w", rec.SessionID, err)
			}
			log.Warn().Err(err).
				Str("session_id", rec.SessionID.String()).
				Msg("Failed to upload session, skipping")
			continue
		}
		if err := b.m.store.MarkInboundGroupSessionBackedUp(ctx, rec.RoomID, rec.SessionID, info.Version); err != nil {
			return uploaded, fmt.Errorf("mark session backed up: %w", err)
		}
		err = b.m.store.PutBackupState(ctx, &store.BackupState{
			Version: info.Version,
			ETag:    etag,
			Count:   count,
		})
		if err != nil {
			return uploaded, fmt.Errorf("persist backup state: %w", err)
		}
		uploaded++
	}
	if uploaded > 0 {
		log.Info().Int("uploaded", uploaded).Msg("Backed up megolm sessions")
	}
	return uploaded, nil
}

func (b *KeyBackupService) encryptSession(rec *store.InboundGroupSession, backupPublicKey id.Curve25519) (*BackupSessionData, error) {
	b.m.cryptoLock.Lock()
	session, err := b.m.driver.UnpickleInboundGroupSession(rec.Pickled, b.m.cfg.PickleKey)
	if err != nil {
		b.m.cryptoLock.Unlock()
		return nil, fmt.Errorf("unpickle session: %w", err)
	}
	exported, err := session.Export(session.FirstKnownIndex())
	verified := session.IsVerified()
	firstIndex := session.FirstKnownIndex()
	b.m.cryptoLock.Unlock()
	if err != nil {
		return nil, fmt.Errorf("export session: %w", err)
	}

	plaintext, err := json.Marshal(&backupPayload{
		Algorithm:         id.AlgorithmMegolmV1,
		ForwardingChain:   rec.ForwardingChains,
		SenderKey:         rec.SenderKey,
		SenderClaimedKeys: map[string]id.Ed25519{"ed25519": rec.SigningKey},
		SessionKey:        string(exported),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal backup payload: %w", err)
	}
	encrypted, err := driver.EncryptSessionData(string(backupPublicKey), plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt backup payload: %w", err)
	}
	return &BackupSessionData{
		FirstMessageIndex: firstIndex,
		ForwardedCount:    len(rec.ForwardingChains),
		IsVerified:        verified,
		SessionData:       encrypted,
	}, nil
}

// RestoreFromBackup downloads and imports every session in a backup version.
// An empty version means the server's current one. Individual sessions that
// fail to decrypt or import are logged and skipped. Returns how many
// sessions were imported.
func (b *KeyBackupService) RestoreFromBackup(ctx context.Context, version id.KeyBackupVersion) (int, error) {
	if b.client == nil {
		return 0, fmt.Errorf("no backup client configured")
	}
	backupKey, err := b.m.Secrets.GetBackupKey(ctx)
	if err != nil {
		return 0, err
	}
	if version == "" {
		info, err := b.client.GetVersion(ctx)
		if err != nil {
			return 0, fmt.Errorf("fetch backup version: %w", err)
		}
		if info == nil || info.Version == "" {
			return 0, fmt.Errorf("no backup version exists on the server")
		}
		version = info.Version
	}
	rooms, err := b.client.GetKeys(ctx, version)
	if err != nil {
		return 0, fmt.Errorf("fetch backed-up keys: %w", err)
	}

	log := zerolog.Ctx(ctx).With().Str("backup_version", string(version)).Logger()
	imported := 0
	for roomID, sessions := range rooms {
		for sessionID, entry := range sessions {
			if entry.SessionData == nil {
				continue
			}
			plaintext, err := backupKey.DecryptSessionData(entry.SessionData)
			if err != nil {
				log.Warn().Err(err).
					Str("session_id", sessionID.String()).
					Msg("Failed to decrypt backed-up session, skipping")
				continue
			}
			var payload backupPayload
			if err := json.Unmarshal(plaintext, &payload); err != nil {
				log.Warn().Err(err).
					Str("session_id", sessionID.String()).
					Msg("Failed to parse backed-up session, skipping")
				continue
			}
			_, err = b.m.Megolm.ImportInbound(ctx, roomID, sessionID, []byte(payload.SessionKey), Provenance{
				Source:           "backup",
				SenderKey:        payload.SenderKey,
				SigningKey:       payload.SenderClaimedKeys["ed25519"],
				ForwardingChains: payload.ForwardingChain,
				BackupVersion:    version,
			})
			if err != nil {
				log.Warn().Err(err).
					Str("session_id", sessionID.String()).
					Msg("Failed to import backed-up session, skipping")
				continue
			}
			imported++
		}
	}
	log.Info().Int("imported", imported).Msg("Restored sessions from backup")
	return imported, nil
}

// VerifyBackupKey checks that the cached backup key actually matches the
// server-side version's public key before trusting it for restore.
func (b *KeyBackupService) VerifyBackupKey(ctx context.Context) error {
	info, err := b.client.GetVersion(ctx)
	if err != nil {
		return fmt.Errorf("fetch backup version: %w", err)
	}
	backupKey, err := b.m.Secrets.GetBackupKey(ctx)
	if err != nil {
		return err
	}
	pub, err := backupKey.PublicKey()
	if err != nil {
		return err
	}
	if pub != string(info.PublicKey) {
		return fmt.Errorf("cached backup key does not match version %s", info.Version)
	}
	return nil
}
