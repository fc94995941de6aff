package keyflow

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// ExportedSession is one inbound megolm session in the interoperable room
// key export format.
type ExportedSession struct {
	Algorithm         id.Algorithm          `json:"algorithm"`
	RoomID            id.RoomID             `json:"room_id"`
	SenderKey         id.Curve25519         `json:"sender_key"`
	SessionID         id.SessionID          `json:"session_id"`
	SessionKey        string                `json:"session_key"`
	SenderClaimedKeys map[string]id.Ed25519 `json:"sender_claimed_keys"`
	ForwardingChains  []string              `json:"forwarding_curve25519_key_chain"`
}

// ExportRoomKeys exports every stored inbound session, or only those of one
// room when roomID is non-empty. Each session is exported from its earliest
// known index.
func (m *Machine) ExportRoomKeys(ctx context.Context, roomID id.RoomID) ([]*ExportedSession, error) {
	sessions, err := m.store.ListInboundGroupSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list inbound sessions: %w", err)
	}
	var exported []*ExportedSession
	for _, rec := range sessions {
		if roomID != "" && rec.RoomID != roomID {
			continue
		}
		m.cryptoLock.Lock()
		session, err := m.driver.UnpickleInboundGroupSession(rec.Pickled, m.cfg.PickleKey)
		if err != nil {
			m.cryptoLock.Unlock()
			return nil, fmt.Errorf("unpickle session %s: %w", rec.SessionID, err)
		}
		key, err := session.Export(session.FirstKnownIndex())
		m.cryptoLock.Unlock()
		if err != nil {
			return nil, fmt.Errorf("export session %s: %w", rec.SessionID, err)
		}
		exported = append(exported, &ExportedSession{
			Algorithm:         id.AlgorithmMegolmV1,
			RoomID:            rec.RoomID,
			SenderKey:         rec.SenderKey,
			SessionID:         rec.SessionID,
			SessionKey:        string(key),
			SenderClaimedKeys: map[string]id.Ed25519{"ed25519": rec.SigningKey},
			ForwardingChains:  rec.ForwardingChains,
		})
	}
	return exported, nil
}

// ImportRoomKeys imports previously exported sessions. Entries that fail are
// logged and skipped; returns how many were imported.
func (m *Machine) ImportRoomKeys(ctx context.Context, sessions []*ExportedSession) (int, error) {
	log := zerolog.Ctx(ctx)
	imported := 0
	for _, entry := range sessions {
		if entry.Algorithm != id.AlgorithmMegolmV1 {
			continue
		}
		_, err := m.Megolm.ImportInbound(ctx, entry.RoomID, entry.SessionID, []byte(entry.SessionKey), Provenance{
			Source:           "export",
			SenderKey:        entry.SenderKey,
			SigningKey:       entry.SenderClaimedKeys["ed25519"],
			ForwardingChains: entry.ForwardingChains,
		})
		if err != nil {
			log.Warn().Err(err).
				Str("session_id", entry.SessionID.String()).
				Msg("Failed to import session, skipping")
			continue
		}
		imported++
	}
	return imported, nil
}
