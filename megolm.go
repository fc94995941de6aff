package keyflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keyflow/driver"
	"github.com/arko-chat/keyflow/event"
	"github.com/arko-chat/keyflow/store"
)

// ErrWrongRoom means a megolm plaintext declared a different room than the
// event it arrived in.
var ErrWrongRoom = errors.New("encrypted event is not intended for this room")

// DeviceRef identifies one device of one user.
type DeviceRef struct {
	UserID   id.UserID
	DeviceID id.DeviceID
}

// ImportResult describes what importing an inbound session did.
type ImportResult int

const (
	// ImportedNew stored a session that was not known before.
	ImportedNew ImportResult = iota
	// MergedBetter replaced the stored session because the import reaches
	// further back in the ratchet.
	MergedBetter
	// KeptExisting left the stored session in place; the import knew the
	// same range or less.
	KeptExisting
	// StoredUnconnected stored the import as an independent session under
	// its actual ID because it shares no ratchet with the claimed one.
	StoredUnconnected
)

// Provenance records how an inbound session reached this device.
type Provenance struct {
	// Source is "direct", "forwarded" or "backup".
	Source     string
	SenderKey  id.Curve25519
	SigningKey id.Ed25519
	// ForwardingChains lists the identity keys a forwarded key passed
	// through, oldest first.
	ForwardingChains []string
	BackupVersion    id.KeyBackupVersion
	// Trusted marks sessions received over channels that already carry
	// trust, such as direct m.room_key delivery.
	Trusted bool
}

// OutboundSessionState reports the current outbound session of a room after
// EnsureOutboundSession, including which devices still need the key.
type OutboundSessionState struct {
	SessionID    id.SessionID
	Rotated      bool
	PendingShare []DeviceRef
}

// MegolmSessionManager owns the outbound group session per room and the
// import, merge and decrypt paths of inbound group sessions.
type MegolmSessionManager struct {
	m *Machine
}

func newMegolmSessionManager(m *Machine) *MegolmSessionManager {
	return &MegolmSessionManager{m: m}
}

// EnsureOutboundSession returns the current outbound session for a room,
// rotating first when age or usage exceeds policy, or when the device set
// gained a member and the policy demands a fresh session on membership
// change. Devices in the set that were never given the key are recorded as
// pending distribution.
func (g *MegolmSessionManager) EnsureOutboundSession(ctx context.Context, roomID id.RoomID, devices []DeviceRef) (*OutboundSessionState, error) {
	g.m.cryptoLock.Lock()
	defer g.m.cryptoLock.Unlock()

	rec, err := g.m.store.GetOutboundGroupSession(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("look up outbound session: %w", err)
	}

	rotate := rec == nil
	if rec != nil {
		policy := g.m.cfg.Rotation
		switch {
		case time.Since(rec.CreatedAt) > policy.MaxAge:
			rotate = true
		case rec.MessageCount >= policy.MaxMessages:
			rotate = true
		case policy.RotateOnDeviceChange && hasUnknownDevice(rec, devices):
			rotate = true
		}
	}

	if rotate {
		rec, err = g.rotateLocked(ctx, roomID)
		if err != nil {
			return nil, err
		}
	}

	for _, device := range devices {
		key := store.DeviceKey(device.UserID, device.DeviceID)
		if _, shared := rec.SharedWith[key]; shared {
			continue
		}
		rec.PendingShare[key] = struct{}{}
	}
	if err := g.m.store.PutOutboundGroupSession(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist outbound session: %w", err)
	}

	state := &OutboundSessionState{SessionID: rec.SessionID, Rotated: rotate}
	for key := range rec.PendingShare {
		ref, ok := parseDeviceKey(key)
		if ok {
			state.PendingShare = append(state.PendingShare, ref)
		}
	}
	return state, nil
}

func hasUnknownDevice(rec *store.OutboundGroupSession, devices []DeviceRef) bool {
	for _, device := range devices {
		key := store.DeviceKey(device.UserID, device.DeviceID)
		if _, shared := rec.SharedWith[key]; shared {
			continue
		}
		if _, pending := rec.PendingShare[key]; pending {
			continue
		}
		return true
	}
	return false
}

func parseDeviceKey(key string) (DeviceRef, bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return DeviceRef{UserID: id.UserID(key[:i]), DeviceID: id.DeviceID(key[i+1:])}, true
		}
	}
	return DeviceRef{}, false
}

// rotateLocked replaces the room's outbound session and stores the matching
// inbound session so this device can decrypt its own messages. Callers hold
// cryptoLock.
func (g *MegolmSessionManager) rotateLocked(ctx context.Context, roomID id.RoomID) (*store.OutboundGroupSession, error) {
	session, err := g.m.driver.NewOutboundGroupSession()
	if err != nil {
		return nil, fmt.Errorf("create outbound group session: %w", err)
	}
	pickled, err := session.Pickle(g.m.cfg.PickleKey)
	if err != nil {
		return nil, fmt.Errorf("pickle outbound group session: %w", err)
	}
	rec := &store.OutboundGroupSession{
		RoomID:       roomID,
		SessionID:    session.ID(),
		Pickled:      pickled,
		CreatedAt:    time.Now().UTC(),
		SharedWith:   make(map[string]struct{}),
		PendingShare: make(map[string]struct{}),
	}

	sessionKey, err := session.Key()
	if err != nil {
		return nil, fmt.Errorf("export session-sharing key: %w", err)
	}
	ownSigningKey, ownIdentityKey, err := g.m.account.IdentityKeys()
	if err != nil {
		return nil, fmt.Errorf("read own identity keys: %w", err)
	}
	inbound, err := g.m.driver.NewInboundGroupSession([]byte(sessionKey))
	if err != nil {
		return nil, fmt.Errorf("create own inbound session: %w", err)
	}
	if err := g.storeInboundLocked(ctx, roomID, inbound, Provenance{
		Source:     "own",
		SenderKey:  ownIdentityKey,
		SigningKey: ownSigningKey,
		Trusted:    true,
	}); err != nil {
		return nil, err
	}
	if err := g.m.store.PutOutboundGroupSession(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist rotated outbound session: %w", err)
	}
	zerolog.Ctx(ctx).Debug().
		Str("room_id", roomID.String()).
		Str("session_id", session.ID().String()).
		Msg("Rotated outbound megolm session")
	return rec, nil
}

// ShareRoomKey delivers the current outbound session key to every device
// still pending distribution. Failures for individual devices are logged and
// left pending for the next attempt; devices already handled stay marked
// shared even if a later one fails or the context is cancelled.
func (g *MegolmSessionManager) ShareRoomKey(ctx context.Context, roomID id.RoomID) error {
	g.m.cryptoLock.Lock()
	rec, err := g.m.store.GetOutboundGroupSession(ctx, roomID)
	if err != nil || rec == nil {
		g.m.cryptoLock.Unlock()
		if err != nil {
			return fmt.Errorf("look up outbound session: %w", err)
		}
		return ErrNoOutboundSession
	}
	session, err := g.m.driver.UnpickleOutboundGroupSession(rec.Pickled, g.m.cfg.PickleKey)
	if err != nil {
		g.m.cryptoLock.Unlock()
		return fmt.Errorf("unpickle outbound session: %w", err)
	}
	sessionKey, err := session.Key()
	g.m.cryptoLock.Unlock()
	if err != nil {
		return fmt.Errorf("export session-sharing key: %w", err)
	}

	content := &event.RoomKey{
		Algorithm:  id.AlgorithmMegolmV1,
		RoomID:     roomID,
		SessionID:  rec.SessionID,
		SessionKey: sessionKey,
	}
	log := zerolog.Ctx(ctx).With().
		Str("room_id", roomID.String()).
		Str("session_id", rec.SessionID.String()).
		Logger()

	for key := range rec.PendingShare {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ref, ok := parseDeviceKey(key)
		if !ok {
			if _, err := g.recordShareProgress(ctx, roomID, rec.SessionID, key, false); err != nil {
				return fmt.Errorf("persist share progress: %w", err)
			}
			continue
		}
		if err := g.m.Olm.SendEncrypted(ctx, ref.UserID, ref.DeviceID, event.TypeRoomKey, content); err != nil {
			log.Warn().Err(err).
				Str("user_id", ref.UserID.String()).
				Str("device_id", ref.DeviceID.String()).
				Msg("Failed to share room key with device, leaving pending")
			continue
		}
		stale, err := g.recordShareProgress(ctx, roomID, rec.SessionID, key, true)
		if err != nil {
			return fmt.Errorf("persist share progress: %w", err)
		}
		if stale {
			log.Debug().Msg("Outbound session replaced mid-share, abandoning the superseded key")
			return nil
		}
	}
	return nil
}

// recordShareProgress re-reads the outbound record under cryptoLock before
// persisting, so a rotation that happened while the lock was released is
// never clobbered with the superseded session. Reports stale when the stored
// session is no longer the one being shared.
func (g *MegolmSessionManager) recordShareProgress(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, deviceKey string, shared bool) (stale bool, err error) {
	g.m.cryptoLock.Lock()
	defer g.m.cryptoLock.Unlock()
	current, err := g.m.store.GetOutboundGroupSession(ctx, roomID)
	if err != nil {
		return false, err
	}
	if current == nil || current.SessionID != sessionID {
		return true, nil
	}
	delete(current.PendingShare, deviceKey)
	if shared {
		current.SharedWith[deviceKey] = struct{}{}
	}
	return false, g.m.store.PutOutboundGroupSession(ctx, current)
}

// Encrypt encrypts plaintext with the room's current outbound session and
// returns the assigned message index. The caller must have ensured a session
// exists.
func (g *MegolmSessionManager) Encrypt(ctx context.Context, roomID id.RoomID, plaintext []byte) (ciphertext []byte, sessionID id.SessionID, index uint, err error) {
	g.m.cryptoLock.Lock()
	defer g.m.cryptoLock.Unlock()

	rec, err := g.m.store.GetOutboundGroupSession(ctx, roomID)
	if err != nil {
		return nil, "", 0, fmt.Errorf("look up outbound session: %w", err)
	}
	if rec == nil {
		return nil, "", 0, fmt.Errorf("%w: %s", ErrNoOutboundSession, roomID)
	}
	session, err := g.m.driver.UnpickleOutboundGroupSession(rec.Pickled, g.m.cfg.PickleKey)
	if err != nil {
		return nil, "", 0, fmt.Errorf("unpickle outbound session: %w", err)
	}
	index = session.MessageIndex()
	ciphertext, err = session.Encrypt(plaintext)
	if err != nil {
		return nil, "", 0, fmt.Errorf("megolm encrypt: %w", err)
	}
	pickled, err := session.Pickle(g.m.cfg.PickleKey)
	if err != nil {
		return nil, "", 0, fmt.Errorf("pickle outbound session: %w", err)
	}
	rec.Pickled = pickled
	rec.MessageCount++
	if err := g.m.store.PutOutboundGroupSession(ctx, rec); err != nil {
		return nil, "", 0, fmt.Errorf("persist outbound session: %w", err)
	}
	return ciphertext, rec.SessionID, index, nil
}

// ReceiveRoomKey handles a directly shared m.room_key payload.
func (g *MegolmSessionManager) ReceiveRoomKey(ctx context.Context, from *DecryptedOlmEvent, content *event.RoomKey) {
	log := zerolog.Ctx(ctx).With().
		Str("room_id", content.RoomID.String()).
		Str("session_id", content.SessionID.String()).
		Logger()
	if content.Algorithm != id.AlgorithmMegolmV1 || from.Keys.Ed25519 == "" {
		log.Debug().Str("algorithm", string(content.Algorithm)).Msg("Ignoring weird room key")
		return
	}

	g.m.cryptoLock.Lock()
	defer g.m.cryptoLock.Unlock()
	session, err := g.m.driver.NewInboundGroupSession([]byte(content.SessionKey))
	if err != nil {
		log.Error().Err(err).Msg("Failed to create inbound group session")
		return
	}
	if session.ID() != content.SessionID {
		log.Warn().Err(ErrMismatchedSessionID).
			Str("actual_session_id", session.ID().String()).
			Msg("Dropping room key")
		return
	}
	if err := g.storeInboundLocked(ctx, content.RoomID, session, Provenance{
		Source:     "direct",
		SenderKey:  from.SenderKey,
		SigningKey: from.Keys.Ed25519,
		Trusted:    true,
	}); err != nil {
		log.Error().Err(err).Msg("Failed to store inbound group session")
		return
	}
	log.Debug().Msg("Received inbound group session")
}

// ImportInbound imports exported session key material (forwarded key or
// backup entry) and merges it with any stored session for the same ID. A
// better import, one reaching further back in the ratchet, replaces the
// stored session; an equal or worse one is discarded so already-decryptable
// history is never lost. Material that decodes to a different session ID
// than claimed is stored independently under its actual ID.
func (g *MegolmSessionManager) ImportInbound(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, exported []byte, prov Provenance) (ImportResult, error) {
	g.m.cryptoLock.Lock()
	defer g.m.cryptoLock.Unlock()

	session, err := g.m.driver.ImportInboundGroupSession(exported)
	if err != nil {
		return 0, fmt.Errorf("import inbound group session: %w", err)
	}
	unconnected := session.ID() != sessionID

	existing, err := g.m.store.GetInboundGroupSession(ctx, roomID, session.ID())
	if err != nil {
		return 0, fmt.Errorf("look up stored session: %w", err)
	}
	result := ImportedNew
	if unconnected {
		result = StoredUnconnected
	}
	if existing != nil {
		stored, err := g.m.driver.UnpickleInboundGroupSession(existing.Pickled, g.m.cfg.PickleKey)
		if err != nil {
			return 0, fmt.Errorf("unpickle stored session: %w", err)
		}
		switch driver.CompareInbound(stored, session) {
		case driver.SessionEqual, driver.SessionWorse:
			zerolog.Ctx(ctx).Debug().
				Str("session_id", session.ID().String()).
				Uint32("stored_first_index", stored.FirstKnownIndex()).
				Uint32("imported_first_index", session.FirstKnownIndex()).
				Msg("Keeping stored session over import")
			g.m.markSessionReceived(session.ID())
			return KeptExisting, nil
		case driver.SessionBetter:
			result = MergedBetter
		}
	}

	// storeInboundLocked wakes waiters of the actual session ID; waiters of
	// a mismatched claimed ID must keep waiting since nothing was stored
	// under it.
	if err := g.storeInboundLocked(ctx, roomID, session, prov); err != nil {
		return 0, err
	}
	return result, nil
}

// storeInboundLocked persists an inbound session record. Callers hold
// cryptoLock.
func (g *MegolmSessionManager) storeInboundLocked(ctx context.Context, roomID id.RoomID, session driver.InboundGroupSession, prov Provenance) error {
	pickled, err := session.Pickle(g.m.cfg.PickleKey)
	if err != nil {
		return fmt.Errorf("pickle inbound session: %w", err)
	}
	rec := &store.InboundGroupSession{
		RoomID:           roomID,
		SessionID:        session.ID(),
		SenderKey:        prov.SenderKey,
		SigningKey:       prov.SigningKey,
		Pickled:          pickled,
		ForwardingChains: prov.ForwardingChains,
		FirstKnownIndex:  session.FirstKnownIndex(),
		Provenance:       prov.Source,
		Trusted:          prov.Trusted,
		BackupVersion:    prov.BackupVersion,
		BackedUp:         prov.Source == "backup",
		ReceivedAt:       time.Now().UTC(),
	}
	if err := g.m.store.PutInboundGroupSession(ctx, rec); err != nil {
		return fmt.Errorf("persist inbound session: %w", err)
	}
	g.m.markSessionReceived(rec.SessionID)
	return nil
}

// Decrypt decrypts one megolm ciphertext and enforces message-index
// integrity. Decrypting the same event twice returns the cached plaintext
// without touching the ratchet; a different event at an already-used index
// is rejected as a replay.
func (g *MegolmSessionManager) Decrypt(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, ciphertext string, eventID id.EventID, timestamp int64) ([]byte, uint, error) {
	cachedIndex, cached, err := g.m.store.FindMessageIndexByEvent(ctx, roomID, sessionID, eventID)
	if err == nil && cached != nil {
		return cached.Plaintext, cachedIndex, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, 0, fmt.Errorf("look up cached plaintext: %w", err)
	}

	g.m.cryptoLock.Lock()
	defer g.m.cryptoLock.Unlock()

	rec, err := g.m.store.GetInboundGroupSession(ctx, roomID, sessionID)
	if err != nil {
		return nil, 0, fmt.Errorf("look up inbound session: %w", err)
	}
	if rec == nil {
		return nil, 0, fmt.Errorf("%w (ID %s)", ErrUnknownSession, sessionID)
	}
	session, err := g.m.driver.UnpickleInboundGroupSession(rec.Pickled, g.m.cfg.PickleKey)
	if err != nil {
		return nil, 0, fmt.Errorf("unpickle inbound session: %w", err)
	}
	plaintext, index, err := session.Decrypt([]byte(ciphertext))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	existing, err := g.m.store.GetMessageIndex(ctx, roomID, sessionID, index)
	if err != nil {
		return nil, 0, fmt.Errorf("check message index: %w", err)
	}
	if existing != nil && existing.EventID != eventID {
		return nil, 0, fmt.Errorf("%w: index %d claimed by %s", ErrReplayDetected, index, existing.EventID)
	}

	err = g.m.store.DoTxn(ctx, func(ctx context.Context) error {
		pickled, err := session.Pickle(g.m.cfg.PickleKey)
		if err != nil {
			return fmt.Errorf("pickle inbound session: %w", err)
		}
		rec.Pickled = pickled
		if err := g.m.store.PutInboundGroupSession(ctx, rec); err != nil {
			return err
		}
		return g.m.store.PutMessageIndex(ctx, roomID, sessionID, index, &store.MessageIndex{
			EventID:   eventID,
			Timestamp: timestamp,
			Plaintext: plaintext,
		})
	})
	if err != nil {
		return nil, 0, fmt.Errorf("persist decrypt state: %w", err)
	}
	return plaintext, index, nil
}

// megolmPayload is the plaintext structure of an encrypted room event.
type megolmPayload struct {
	RoomID  id.RoomID       `json:"room_id"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// RoomEvent is an encrypted room event as delivered by sync.
type RoomEvent struct {
	RoomID    id.RoomID
	EventID   id.EventID
	Sender    id.UserID
	Timestamp int64
	Content   *event.EncryptedMegolm
}

// DecryptedRoomEvent is the decrypted payload plus the trust resolution of
// the session that produced it.
type DecryptedRoomEvent struct {
	Type          string
	Content       json.RawMessage
	Index         uint
	Trust         id.TrustState
	ForwardedKeys bool
}

// DecryptRoomEvent decrypts an m.room.encrypted room event and annotates it
// with the sending session's trust state.
func (m *Machine) DecryptRoomEvent(ctx context.Context, evt *RoomEvent) (*DecryptedRoomEvent, error) {
	if evt.Content.Algorithm != id.AlgorithmMegolmV1 {
		return nil, fmt.Errorf("%w: %s", event.ErrUnknownAlgorithm, evt.Content.Algorithm)
	}
	rec, err := m.store.GetInboundGroupSession(ctx, evt.RoomID, evt.Content.SessionID)
	if err != nil {
		return nil, fmt.Errorf("look up inbound session: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w (ID %s)", ErrUnknownSession, evt.Content.SessionID)
	}
	if evt.Content.SenderKey != "" && evt.Content.SenderKey != rec.SenderKey {
		return nil, errors.New("sender key in content does not match megolm session")
	}

	plaintext, index, err := m.Megolm.Decrypt(ctx, evt.RoomID, evt.Content.SessionID, evt.Content.Ciphertext, evt.EventID, evt.Timestamp)
	if err != nil {
		return nil, err
	}

	var payload megolmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("parse megolm payload: %w", err)
	}
	if payload.RoomID != evt.RoomID {
		return nil, ErrWrongRoom
	}

	trust, forwarded := m.resolveSessionTrust(ctx, evt.Sender, rec)
	return &DecryptedRoomEvent{
		Type:          payload.Type,
		Content:       payload.Content,
		Index:         index,
		Trust:         trust,
		ForwardedKeys: forwarded,
	}, nil
}

func (m *Machine) resolveSessionTrust(ctx context.Context, sender id.UserID, rec *store.InboundGroupSession) (id.TrustState, bool) {
	log := zerolog.Ctx(ctx)
	ownSigningKey, ownIdentityKey, err := m.OwnIdentityKeys()
	if err == nil && rec.SigningKey == ownSigningKey && rec.SenderKey == ownIdentityKey && len(rec.ForwardingChains) == 0 {
		return id.TrustStateVerified, false
	}
	if len(rec.ForwardingChains) == 0 {
		device, err := m.store.FindDeviceByKey(ctx, sender, rec.SenderKey)
		if err != nil || device == nil {
			log.Debug().
				Str("session_id", rec.SessionID.String()).
				Str("sender_key", rec.SenderKey.String()).
				Msg("Couldn't resolve session trust: sent by unknown device")
			return id.TrustStateUnknownDevice, false
		}
		return m.Trust.ResolveDeviceTrust(ctx, device), false
	}
	lastHop := rec.ForwardingChains[len(rec.ForwardingChains)-1]
	device, err := m.store.FindDeviceByKey(ctx, sender, id.Curve25519(lastHop))
	if err != nil || device == nil {
		log.Debug().
			Str("session_id", rec.SessionID.String()).
			Str("last_hop", lastHop).
			Msg("Couldn't resolve session trust: forwarding chain ends with unknown device")
		return id.TrustStateForwarded, true
	}
	return m.Trust.ResolveDeviceTrust(ctx, device), true
}

// EncryptRoomEvent wraps a room event payload with the room's current
// outbound session. Returns ErrNoOutboundSession when none exists; callers
// ensure and share a session first.
func (m *Machine) EncryptRoomEvent(ctx context.Context, roomID id.RoomID, eventType string, content any) (*event.EncryptedMegolm, uint, error) {
	rawContent, err := json.Marshal(content)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal room event content: %w", err)
	}
	plaintext, err := json.Marshal(&megolmPayload{RoomID: roomID, Type: eventType, Content: rawContent})
	if err != nil {
		return nil, 0, fmt.Errorf("marshal megolm payload: %w", err)
	}
	ciphertext, sessionID, index, err := m.Megolm.Encrypt(ctx, roomID, plaintext)
	if err != nil {
		return nil, 0, err
	}
	_, ownIdentityKey, err := m.OwnIdentityKeys()
	if err != nil {
		return nil, 0, err
	}
	return &event.EncryptedMegolm{
		Algorithm:  id.AlgorithmMegolmV1,
		SenderKey:  ownIdentityKey,
		DeviceID:   m.cfg.DeviceID,
		SessionID:  sessionID,
		Ciphertext: string(ciphertext),
	}, index, nil
}
