package keyflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keyflow/driver"
	"github.com/arko-chat/keyflow/event"
	"github.com/arko-chat/keyflow/store"
)

// OlmEventKeys carries the claimed signing key inside an olm plaintext.
type OlmEventKeys struct {
	Ed25519 id.Ed25519 `json:"ed25519"`
}

// DecryptedOlmEvent is the plaintext of an olm-encrypted to-device event,
// with the sender metadata needed to judge the payload's provenance.
type DecryptedOlmEvent struct {
	Sender        id.UserID    `json:"sender"`
	SenderDevice  id.DeviceID  `json:"sender_device"`
	Keys          OlmEventKeys `json:"keys"`
	Recipient     id.UserID    `json:"recipient"`
	RecipientKeys OlmEventKeys `json:"recipient_keys"`

	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`

	// SenderKey is taken from the envelope, not the plaintext.
	SenderKey id.Curve25519 `json:"-"`
}

// OlmEncryptionService owns pairwise olm session selection and creation and
// provides the secure channel underneath all key distribution.
type OlmEncryptionService struct {
	m       *Machine
	claimer KeyClaimer
	// establish collapses concurrent session establishment to the same
	// peer into one key claim.
	establish singleflight.Group
}

func newOlmEncryptionService(m *Machine, claimer KeyClaimer) *OlmEncryptionService {
	return &OlmEncryptionService{m: m, claimer: claimer}
}

// EncryptOlm wraps a to-device payload for one recipient device, creating an
// olm session via a one-time key claim when none exists yet.
func (s *OlmEncryptionService) EncryptOlm(ctx context.Context, eventType string, content any, toUser id.UserID, toDevice id.DeviceID) (*event.EncryptedOlm, error) {
	device, err := s.m.store.GetDevice(ctx, toUser, toDevice)
	if err != nil {
		return nil, fmt.Errorf("look up device: %w", err)
	}
	if device == nil || device.IdentityKey == "" {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoIdentityKey, toUser, toDevice)
	}

	rec, err := s.getOrCreateSession(ctx, device)
	if err != nil {
		return nil, err
	}

	rawContent, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal olm payload content: %w", err)
	}

	s.m.cryptoLock.Lock()
	defer s.m.cryptoLock.Unlock()
	if s.m.account == nil {
		return nil, ErrAccountNotLoaded
	}
	ownSigningKey, ownIdentityKey, err := s.m.account.IdentityKeys()
	if err != nil {
		return nil, fmt.Errorf("read own identity keys: %w", err)
	}

	plaintext, err := json.Marshal(&DecryptedOlmEvent{
		Sender:        s.m.cfg.UserID,
		SenderDevice:  s.m.cfg.DeviceID,
		Keys:          OlmEventKeys{Ed25519: ownSigningKey},
		Recipient:     toUser,
		RecipientKeys: OlmEventKeys{Ed25519: device.SigningKey},
		Type:          eventType,
		Content:       rawContent,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal olm payload: %w", err)
	}

	session, err := s.m.driver.UnpickleSession(rec.Pickled, s.m.cfg.PickleKey)
	if err != nil {
		return nil, fmt.Errorf("unpickle olm session: %w", err)
	}
	msgType, ciphertext, err := session.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("olm encrypt: %w", err)
	}
	if err := s.persistSession(ctx, rec, session); err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Debug().
		Str("recipient", device.UserID.String()).
		Str("recipient_device", device.DeviceID.String()).
		Str("olm_session_id", session.ID().String()).
		Msg("Encrypted olm message")

	return &event.EncryptedOlm{
		Algorithm: id.AlgorithmOlmV1,
		SenderKey: ownIdentityKey,
		Ciphertext: map[id.Curve25519]event.OlmCiphertext{
			device.IdentityKey: {Type: msgType, Body: string(ciphertext)},
		},
	}, nil
}

// SendEncrypted encrypts a payload to one device and ships it as an
// m.room.encrypted to-device event.
func (s *OlmEncryptionService) SendEncrypted(ctx context.Context, toUser id.UserID, toDevice id.DeviceID, eventType string, content any) error {
	encrypted, err := s.EncryptOlm(ctx, eventType, content, toUser, toDevice)
	if err != nil {
		return err
	}
	return s.m.sendToDevice(ctx, event.TypeEncrypted, map[id.UserID]map[id.DeviceID]any{
		toUser: {toDevice: encrypted},
	})
}

func (s *OlmEncryptionService) getOrCreateSession(ctx context.Context, device *store.Device) (*store.OlmSession, error) {
	existing, err := s.m.store.GetLatestOlmSession(ctx, device.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("look up olm sessions: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	rec, err, _ := s.establish.Do(string(device.IdentityKey), func() (any, error) {
		if again, err := s.m.store.GetLatestOlmSession(ctx, device.IdentityKey); err != nil || again != nil {
			return again, err
		}
		return s.createOutboundSession(ctx, device)
	})
	if err != nil {
		return nil, err
	}
	return rec.(*store.OlmSession), nil
}

func (s *OlmEncryptionService) createOutboundSession(ctx context.Context, device *store.Device) (*store.OlmSession, error) {
	if s.claimer == nil {
		return nil, fmt.Errorf("%w: no key claimer configured", ErrKeyClaimExhausted)
	}
	// The network claim happens outside the crypto lock; only the ratchet
	// work below is serialized.
	oneTimeKey, err := s.claimer.ClaimOneTimeKey(ctx, device.UserID, device.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("claim one-time key for %s/%s: %w", device.UserID, device.DeviceID, err)
	}

	s.m.cryptoLock.Lock()
	defer s.m.cryptoLock.Unlock()
	if s.m.account == nil {
		return nil, ErrAccountNotLoaded
	}
	session, err := s.m.account.NewOutboundSession(device.IdentityKey, oneTimeKey)
	if err != nil {
		return nil, fmt.Errorf("create outbound olm session: %w", err)
	}
	pickled, err := session.Pickle(s.m.cfg.PickleKey)
	if err != nil {
		return nil, fmt.Errorf("pickle new olm session: %w", err)
	}
	rec := &store.OlmSession{
		SenderKey: device.IdentityKey,
		SessionID: session.ID(),
		Pickled:   pickled,
		CreatedAt: time.Now().UTC(),
		LastUsed:  time.Now().UTC(),
	}
	if err := s.m.store.PutOlmSession(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist new olm session: %w", err)
	}
	zerolog.Ctx(ctx).Debug().
		Str("recipient", device.UserID.String()).
		Str("recipient_device", device.DeviceID.String()).
		Str("olm_session_id", session.ID().String()).
		Msg("Created outbound olm session")
	return rec, nil
}

// DecryptOlm unwraps an olm envelope addressed to this device. Existing
// sessions are tried first; an unmatched pre-key message creates an inbound
// session. The whole operation runs inside the crypto lock so concurrent
// delivery of the same envelope reuses one ratchet instead of forking two.
func (s *OlmEncryptionService) DecryptOlm(ctx context.Context, sender id.UserID, envelope *event.EncryptedOlm) (*DecryptedOlmEvent, error) {
	s.m.cryptoLock.Lock()
	defer s.m.cryptoLock.Unlock()
	if s.m.account == nil {
		return nil, ErrAccountNotLoaded
	}
	ownSigningKey, ownIdentityKey, err := s.m.account.IdentityKeys()
	if err != nil {
		return nil, fmt.Errorf("read own identity keys: %w", err)
	}
	ciphertext, ok := envelope.Ciphertext[ownIdentityKey]
	if !ok {
		return nil, ErrNotEncryptedForMe
	}
	if ciphertext.Type != id.OlmMsgTypePreKey && ciphertext.Type != id.OlmMsgTypeMsg {
		return nil, fmt.Errorf("unsupported olm message type %d", ciphertext.Type)
	}

	plaintext, err := s.tryExistingSessions(ctx, envelope.SenderKey, ciphertext)
	if err != nil {
		return nil, err
	}
	if plaintext == nil {
		if ciphertext.Type != id.OlmMsgTypePreKey {
			return nil, errors.New("no matching olm session and message is not a pre-key message")
		}
		plaintext, err = s.createInboundSession(ctx, envelope.SenderKey, ciphertext.Body)
		if err != nil {
			return nil, err
		}
	}

	var decrypted DecryptedOlmEvent
	if err := json.Unmarshal(plaintext, &decrypted); err != nil {
		return nil, fmt.Errorf("parse olm payload: %w", err)
	}
	if decrypted.Sender != sender {
		return nil, ErrSenderMismatch
	}
	if decrypted.Recipient != s.m.cfg.UserID || decrypted.RecipientKeys.Ed25519 != ownSigningKey {
		return nil, ErrRecipientMismatch
	}
	decrypted.SenderKey = envelope.SenderKey
	return &decrypted, nil
}

// tryExistingSessions returns (nil, nil) when no stored session can handle
// the message. Callers hold cryptoLock.
func (s *OlmEncryptionService) tryExistingSessions(ctx context.Context, senderKey id.Curve25519, ciphertext event.OlmCiphertext) ([]byte, error) {
	records, err := s.m.store.GetOlmSessions(ctx, senderKey)
	if err != nil {
		return nil, fmt.Errorf("look up olm sessions for %s: %w", senderKey, err)
	}
	log := zerolog.Ctx(ctx)
	for _, rec := range records {
		session, err := s.m.driver.UnpickleSession(rec.Pickled, s.m.cfg.PickleKey)
		if err != nil {
			log.Warn().Err(err).Str("olm_session_id", rec.SessionID.String()).Msg("Failed to unpickle olm session, skipping")
			continue
		}
		if ciphertext.Type == id.OlmMsgTypePreKey {
			matches, err := session.MatchesInbound(senderKey, ciphertext.Body)
			if err != nil {
				return nil, fmt.Errorf("match pre-key message: %w", err)
			}
			if !matches {
				continue
			}
		}
		plaintext, err := session.Decrypt(ciphertext.Body, ciphertext.Type)
		if err != nil {
			if ciphertext.Type == id.OlmMsgTypePreKey {
				return nil, fmt.Errorf("matching session failed to decrypt pre-key message: %w", err)
			}
			continue
		}
		if err := s.persistSession(ctx, rec, session); err != nil {
			log.Warn().Err(err).Msg("Failed to persist olm session after decrypt")
		}
		return plaintext, nil
	}
	return nil, nil
}

// createInboundSession handles an unmatched pre-key message. Callers hold
// cryptoLock.
func (s *OlmEncryptionService) createInboundSession(ctx context.Context, senderKey id.Curve25519, body string) ([]byte, error) {
	session, err := s.m.account.NewInboundSession(senderKey, body)
	if err != nil {
		return nil, fmt.Errorf("create inbound olm session: %w", err)
	}
	if err := s.m.account.RemoveOneTimeKeys(session); err != nil {
		return nil, fmt.Errorf("remove used one-time key: %w", err)
	}
	if err := s.m.persistAccount(ctx); err != nil {
		return nil, err
	}
	plaintext, err := session.Decrypt(body, id.OlmMsgTypePreKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt with fresh inbound session: %w", err)
	}
	rec := &store.OlmSession{
		SenderKey: senderKey,
		SessionID: session.ID(),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.persistSession(ctx, rec, session); err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Debug().
		Str("sender_key", senderKey.String()).
		Str("olm_session_id", session.ID().String()).
		Msg("Created inbound olm session from pre-key message")
	return plaintext, nil
}

func (s *OlmEncryptionService) persistSession(ctx context.Context, rec *store.OlmSession, session driver.Session) error {
	pickled, err := session.Pickle(s.m.cfg.PickleKey)
	if err != nil {
		return fmt.Errorf("pickle olm session: %w", err)
	}
	rec.Pickled = pickled
	rec.LastUsed = time.Now().UTC()
	if err := s.m.store.PutOlmSession(ctx, rec); err != nil {
		return fmt.Errorf("persist olm session: %w", err)
	}
	return nil
}
