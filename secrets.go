package keyflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keyflow/driver"
	"github.com/arko-chat/keyflow/event"
	"github.com/arko-chat/keyflow/store"
)

// pendingSecretRequest is an incoming secret request buffered until the end
// of the sync batch, mirroring the room key request flow.
type pendingSecretRequest struct {
	sender  id.UserID
	content *event.SecretRequest
}

// KeySecretService manages account-level secrets: decrypting them out of
// SSSS-encrypted account data, gossiping them between this user's devices
// over m.secret.request/m.secret.send, and caching the results.
type KeySecretService struct {
	m           *Machine
	accountData AccountDataSource
	pending     *xsync.Map[string, *pendingSecretRequest]
}

func newKeySecretService(m *Machine, accountData AccountDataSource) *KeySecretService {
	return &KeySecretService{
		m:           m,
		accountData: accountData,
		pending:     xsync.NewMap[string, *pendingSecretRequest](),
	}
}

// cacheableSecrets returns the secret names this device keeps locally. The
// dehydrated device key is only handled when the experimental flag is on.
func (s *KeySecretService) cacheableSecrets() []string {
	names := []string{
		event.TypeCrossSigningMaster,
		event.TypeCrossSigningSelfSigning,
		event.TypeCrossSigningUserSigning,
		event.TypeMegolmBackupKey,
	}
	if s.m.cfg.ExperimentalDehydration {
		names = append(names, event.TypeDehydratedDeviceKey)
	}
	return names
}

// DecryptOrCreateMissingSecrets walks all cacheable secrets, decrypting each
// one from account data with the given secret-storage key. A failure on one
// secret never blocks the others. Cross-signing and backup keys are never
// recreated here, only the dehydrated device key may be generated when it is
// missing and the experimental flag allows it. Returns how many secrets were
// stored.
func (s *KeySecretService) DecryptOrCreateMissingSecrets(ctx context.Context, ssssKey []byte, keyID string) (int, error) {
	if s.accountData == nil {
		return 0, fmt.Errorf("no account data source configured")
	}
	log := zerolog.Ctx(ctx)
	stored := 0
	for _, name := range s.cacheableSecrets() {
		if existing, err := s.m.store.GetSecret(ctx, name); err == nil && existing != nil {
			continue
		}
		raw, err := s.accountData.GetAccountData(ctx, name)
		if err != nil {
			log.Warn().Err(err).Str("secret", name).Msg("Failed to fetch secret account data")
			continue
		}
		if raw == nil {
			if name == event.TypeDehydratedDeviceKey {
				if err := s.createDehydratedKey(ctx); err != nil {
					log.Warn().Err(err).Msg("Failed to create dehydrated device key")
				} else {
					stored++
				}
				continue
			}
			log.Debug().Str("secret", name).Msg("Secret not present in account data")
			continue
		}
		value, err := s.decryptSSSSPayload(raw, ssssKey, keyID, name)
		if err != nil {
			log.Warn().Err(err).Str("secret", name).Msg("Failed to decrypt secret")
			continue
		}
		err = s.m.store.PutSecret(ctx, &store.Secret{
			Name:     name,
			Value:    value,
			Source:   raw,
			StoredAt: time.Now().UTC(),
		})
		if err != nil {
			log.Warn().Err(err).Str("secret", name).Msg("Failed to cache secret")
			continue
		}
		stored++
	}
	return stored, nil
}

func (s *KeySecretService) decryptSSSSPayload(raw json.RawMessage, ssssKey []byte, keyID, name string) (string, error) {
	var payload event.EncryptedSecret
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("parse encrypted secret: %w", err)
	}
	data, ok := payload.Encrypted[keyID]
	if !ok {
		return "", fmt.Errorf("secret has no copy for key %s", keyID)
	}
	plaintext, err := driver.DecryptSSSS(ssssKey, name, data.IV, data.Ciphertext, data.MAC)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(plaintext)), nil
}

func (s *KeySecretService) createDehydratedKey(ctx context.Context) error {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return err
	}
	zerolog.Ctx(ctx).Info().Msg("Generated new dehydrated device key")
	return s.m.store.PutSecret(ctx, &store.Secret{
		Name:     event.TypeDehydratedDeviceKey,
		Value:    base64.RawStdEncoding.EncodeToString(key),
		StoredAt: time.Now().UTC(),
	})
}

// GetBackupKey returns the cached megolm backup decryption key.
func (s *KeySecretService) GetBackupKey(ctx context.Context) (*driver.BackupKey, error) {
	secret, err := s.m.store.GetSecret(ctx, event.TypeMegolmBackupKey)
	if err != nil {
		return nil, fmt.Errorf("look up backup key: %w", err)
	}
	if secret == nil {
		return nil, ErrNoBackupKey
	}
	raw, err := decodeSecretValue(secret.Value)
	if err != nil {
		return nil, fmt.Errorf("decode backup key: %w", err)
	}
	return driver.BackupKeyFromBytes(raw)
}

func decodeSecretValue(value string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(value, "="))
}

// RequestSecret asks this user's other devices for a secret. Idempotent
// while a request for the same name is outstanding.
func (s *KeySecretService) RequestSecret(ctx context.Context, name string) error {
	existing, err := s.m.store.FindSecretRequestByName(ctx, name)
	if err != nil {
		return fmt.Errorf("look up outstanding secret request: %w", err)
	}
	if existing != nil {
		return nil
	}
	targets, err := s.m.Outgoing.otherOwnDevices(ctx)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return nil
	}
	requestID := uuid.NewString()
	content := &event.SecretRequest{
		Name:               name,
		Action:             event.ActionRequest,
		RequestingDeviceID: s.m.cfg.DeviceID,
		RequestID:          requestID,
	}
	messages := map[id.UserID]map[id.DeviceID]any{s.m.cfg.UserID: {}}
	for _, deviceID := range targets {
		messages[s.m.cfg.UserID][deviceID] = content
	}
	if err := s.m.sendToDevice(ctx, event.TypeSecretRequest, messages); err != nil {
		return fmt.Errorf("send secret request: %w", err)
	}
	err = s.m.store.PutSecretRequest(ctx, &store.SecretRequest{
		RequestID:    requestID,
		Name:         name,
		AskedDevices: targets,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("persist secret request: %w", err)
	}
	zerolog.Ctx(ctx).Info().
		Str("secret", name).
		Str("request_id", requestID).
		Msg("Requested secret from other devices")
	return nil
}

// HandleRequest buffers or cancels one incoming secret request. Same-user
// only, own device ignored, cancellations tolerated for unknown requests.
func (s *KeySecretService) HandleRequest(ctx context.Context, sender id.UserID, content *event.SecretRequest) {
	log := zerolog.Ctx(ctx).With().
		Str("request_id", content.RequestID).
		Str("secret", content.Name).
		Logger()
	if sender != s.m.cfg.UserID || content.RequestingDeviceID == s.m.cfg.DeviceID {
		return
	}
	key := requestKey(sender, content.RequestingDeviceID, content.RequestID)
	switch content.Action {
	case event.ActionRequest:
		s.pending.Store(key, &pendingSecretRequest{sender: sender, content: content})
	case event.ActionRequestCancel:
		if _, cancelled := s.pending.LoadAndDelete(key); cancelled {
			log.Debug().Msg("Cancelled pending secret request")
		}
	default:
		log.Debug().Str("action", string(content.Action)).Msg("Ignoring secret request with unknown action")
	}
}

// ResolvePending answers the secret requests that survived the batch.
// Secrets only ever go to verified devices; there is no opt-out.
func (s *KeySecretService) ResolvePending(ctx context.Context) {
	s.pending.Range(func(key string, req *pendingSecretRequest) bool {
		s.pending.Delete(key)
		s.answer(ctx, req)
		return true
	})
}

func (s *KeySecretService) answer(ctx context.Context, req *pendingSecretRequest) {
	content := req.content
	log := zerolog.Ctx(ctx).With().
		Str("request_id", content.RequestID).
		Str("secret", content.Name).
		Str("requesting_device", content.RequestingDeviceID.String()).
		Logger()

	verified, err := s.m.Trust.IsDeviceVerified(ctx, req.sender, content.RequestingDeviceID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to check requesting device trust, dropping secret request")
		return
	}
	if !verified {
		log.Debug().Msg("Ignoring secret request from unverified device")
		return
	}
	secret, err := s.m.store.GetSecret(ctx, content.Name)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to look up requested secret")
		return
	}
	if secret == nil {
		log.Debug().Msg("Requested secret not cached, dropping request")
		return
	}
	send := &event.SecretSend{RequestID: content.RequestID, Secret: secret.Value}
	if err := s.m.Olm.SendEncrypted(ctx, req.sender, content.RequestingDeviceID, event.TypeSecretSend, send); err != nil {
		log.Warn().Err(err).Msg("Failed to send secret")
		return
	}
	log.Info().Msg("Sent secret to requesting device")
}

// HandleSecretSend matches an m.secret.send answer to an outstanding request
// and caches the value. Unsolicited or unverified answers are dropped.
func (s *KeySecretService) HandleSecretSend(ctx context.Context, from *DecryptedOlmEvent, content *event.SecretSend) {
	log := zerolog.Ctx(ctx).With().Str("request_id", content.RequestID).Logger()
	if from.Sender != s.m.cfg.UserID {
		log.Debug().Str("sender", from.Sender.String()).Msg("Ignoring secret from another user")
		return
	}
	req, err := s.m.store.GetSecretRequest(ctx, content.RequestID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to look up secret request")
		return
	}
	if req == nil {
		log.Debug().Msg("Ignoring unsolicited secret")
		return
	}
	answeringDevice, err := s.m.store.FindDeviceByKey(ctx, from.Sender, from.SenderKey)
	if err != nil || answeringDevice == nil {
		log.Warn().Err(err).Msg("Ignoring secret from unknown device")
		return
	}
	switch s.m.Trust.ResolveDeviceTrust(ctx, answeringDevice) {
	case id.TrustStateVerified, id.TrustStateCrossSignedVerified:
	default:
		log.Warn().Str("device_id", answeringDevice.DeviceID.String()).Msg("Ignoring secret from unverified device")
		return
	}

	err = s.m.store.PutSecret(ctx, &store.Secret{
		Name:     req.Name,
		Value:    content.Secret,
		StoredAt: time.Now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Str("secret", req.Name).Msg("Failed to cache gossiped secret")
		return
	}
	if err := s.m.store.DeleteSecretRequest(ctx, req.RequestID); err != nil {
		log.Warn().Err(err).Msg("Failed to delete answered secret request")
	}
	log.Info().Str("secret", req.Name).Msg("Received gossiped secret")
}

// ForgetSecrets wipes every cached secret, for use on logout or SSSS key
// rotation.
func (s *KeySecretService) ForgetSecrets(ctx context.Context) error {
	return s.m.store.DeleteAllSecrets(ctx)
}
