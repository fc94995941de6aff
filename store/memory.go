package store

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
	"maunium.net/go/mautrix/id"
)

// MemoryStore is an in-process Store used by tests and by short-lived
// dehydrated-device flows. Transactions are serialized by a single mutex;
// since there is no durability there is nothing to roll back, so a failed
// transaction may leave its earlier writes applied.
type MemoryStore struct {
	txnLock sync.Mutex

	account *xsync.Map[string, *Account]

	olmSessions      *xsync.Map[string, *OlmSession]
	outboundSessions *xsync.Map[id.RoomID, *OutboundGroupSession]
	inboundSessions  *xsync.Map[string, *InboundGroupSession]
	messageIndices   *xsync.Map[string, *MessageIndex]

	roomKeyRequests *xsync.Map[string, *RoomKeyRequest]
	secretRequests  *xsync.Map[string, *SecretRequest]
	secrets         *xsync.Map[string, *Secret]

	devices          *xsync.Map[string, *Device]
	crossSigningKeys *xsync.Map[string, *CrossSigningKey]
	signatures       *xsync.Map[string, *KeySignature]
	keyChainLinks    *xsync.Map[string, *KeyChainLink]

	backupState *xsync.Map[string, *BackupState]
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		account:          xsync.NewMap[string, *Account](),
		olmSessions:      xsync.NewMap[string, *OlmSession](),
		outboundSessions: xsync.NewMap[id.RoomID, *OutboundGroupSession](),
		inboundSessions:  xsync.NewMap[string, *InboundGroupSession](),
		messageIndices:   xsync.NewMap[string, *MessageIndex](),
		roomKeyRequests:  xsync.NewMap[string, *RoomKeyRequest](),
		secretRequests:   xsync.NewMap[string, *SecretRequest](),
		secrets:          xsync.NewMap[string, *Secret](),
		devices:          xsync.NewMap[string, *Device](),
		crossSigningKeys: xsync.NewMap[string, *CrossSigningKey](),
		signatures:       xsync.NewMap[string, *KeySignature](),
		keyChainLinks:    xsync.NewMap[string, *KeyChainLink](),
		backupState:      xsync.NewMap[string, *BackupState](),
	}
}

const singletonKey = "self"

func olmSessionKey(senderKey id.Curve25519, sessionID id.SessionID) string {
	return string(senderKey) + "/" + string(sessionID)
}

func inboundKey(roomID id.RoomID, sessionID id.SessionID) string {
	return string(roomID) + "/" + string(sessionID)
}

func messageIndexKey(roomID id.RoomID, sessionID id.SessionID, index uint) string {
	return string(roomID) + "/" + string(sessionID) + "/" + strconv.FormatUint(uint64(index), 10)
}

func signatureKey(sig *KeySignature) string {
	return string(sig.SignedUserID) + "/" + string(sig.SignedKey) + "/" + string(sig.SignerUserID) + "/" + string(sig.SignerKey)
}

func (s *MemoryStore) GetAccount(ctx context.Context) (*Account, error) {
	account, _ := s.account.Load(singletonKey)
	return account, nil
}

func (s *MemoryStore) PutAccount(ctx context.Context, account *Account) error {
	s.account.Store(singletonKey, account)
	return nil
}

func (s *MemoryStore) GetOlmSessions(ctx context.Context, senderKey id.Curve25519) ([]*OlmSession, error) {
	var sessions []*OlmSession
	s.olmSessions.Range(func(_ string, session *OlmSession) bool {
		if session.SenderKey == senderKey {
			sessions = append(sessions, session)
		}
		return true
	})
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastUsed.After(sessions[j].LastUsed)
	})
	return sessions, nil
}

func (s *MemoryStore) GetLatestOlmSession(ctx context.Context, senderKey id.Curve25519) (*OlmSession, error) {
	sessions, err := s.GetOlmSessions(ctx, senderKey)
	if err != nil || len(sessions) == 0 {
		return nil, err
	}
	return sessions[0], nil
}

func (s *MemoryStore) PutOlmSession(ctx context.Context, session *OlmSession) error {
	s.olmSessions.Store(olmSessionKey(session.SenderKey, session.SessionID), session)
	return nil
}

func (s *MemoryStore) GetOutboundGroupSession(ctx context.Context, roomID id.RoomID) (*OutboundGroupSession, error) {
	session, _ := s.outboundSessions.Load(roomID)
	return session, nil
}

func (s *MemoryStore) PutOutboundGroupSession(ctx context.Context, session *OutboundGroupSession) error {
	s.outboundSessions.Store(session.RoomID, session)
	return nil
}

func (s *MemoryStore) DeleteOutboundGroupSession(ctx context.Context, roomID id.RoomID) error {
	s.outboundSessions.Delete(roomID)
	return nil
}

func (s *MemoryStore) GetInboundGroupSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) (*InboundGroupSession, error) {
	session, _ := s.inboundSessions.Load(inboundKey(roomID, sessionID))
	return session, nil
}

func (s *MemoryStore) PutInboundGroupSession(ctx context.Context, session *InboundGroupSession) error {
	s.inboundSessions.Store(inboundKey(session.RoomID, session.SessionID), session)
	return nil
}

func (s *MemoryStore) ListInboundGroupSessions(ctx context.Context) ([]*InboundGroupSession, error) {
	var sessions []*InboundGroupSession
	s.inboundSessions.Range(func(_ string, session *InboundGroupSession) bool {
		sessions = append(sessions, session)
		return true
	})
	sort.Slice(sessions, func(i, j int) bool {
		return inboundKey(sessions[i].RoomID, sessions[i].SessionID) < inboundKey(sessions[j].RoomID, sessions[j].SessionID)
	})
	return sessions, nil
}

func (s *MemoryStore) ListInboundGroupSessionsToBackup(ctx context.Context, limit int) ([]*InboundGroupSession, error) {
	all, err := s.ListInboundGroupSessions(ctx)
	if err != nil {
		return nil, err
	}
	var pending []*InboundGroupSession
	for _, session := range all {
		if session.BackedUp {
			continue
		}
		pending = append(pending, session)
		if limit > 0 && len(pending) >= limit {
			break
		}
	}
	return pending, nil
}

func (s *MemoryStore) MarkInboundGroupSessionBackedUp(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, version id.KeyBackupVersion) error {
	session, ok := s.inboundSessions.Load(inboundKey(roomID, sessionID))
	if !ok {
		return ErrNotFound
	}
	updated := *session
	updated.BackedUp = true
	updated.BackupVersion = version
	s.inboundSessions.Store(inboundKey(roomID, sessionID), &updated)
	return nil
}

func (s *MemoryStore) DeleteRoomSessions(ctx context.Context, roomID id.RoomID) error {
	s.outboundSessions.Delete(roomID)
	prefix := string(roomID) + "/"
	s.inboundSessions.Range(func(key string, _ *InboundGroupSession) bool {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			s.inboundSessions.Delete(key)
		}
		return true
	})
	s.messageIndices.Range(func(key string, _ *MessageIndex) bool {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			s.messageIndices.Delete(key)
		}
		return true
	})
	return nil
}

func (s *MemoryStore) GetMessageIndex(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, index uint) (*MessageIndex, error) {
	record, _ := s.messageIndices.Load(messageIndexKey(roomID, sessionID, index))
	return record, nil
}

func (s *MemoryStore) FindMessageIndexByEvent(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, eventID id.EventID) (uint, *MessageIndex, error) {
	prefix := string(roomID) + "/" + string(sessionID) + "/"
	var foundIndex uint
	var found *MessageIndex
	s.messageIndices.Range(func(key string, record *MessageIndex) bool {
		if len(key) < len(prefix) || key[:len(prefix)] != prefix || record.EventID != eventID {
			return true
		}
		index, err := strconv.ParseUint(key[len(prefix):], 10, 64)
		if err != nil {
			return true
		}
		foundIndex = uint(index)
		found = record
		return false
	})
	if found == nil {
		return 0, nil, ErrNotFound
	}
	return foundIndex, found, nil
}

func (s *MemoryStore) PutMessageIndex(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, index uint, record *MessageIndex) error {
	s.messageIndices.Store(messageIndexKey(roomID, sessionID, index), record)
	return nil
}

func (s *MemoryStore) GetRoomKeyRequest(ctx context.Context, requestID string) (*RoomKeyRequest, error) {
	request, _ := s.roomKeyRequests.Load(requestID)
	return request, nil
}

func (s *MemoryStore) FindRoomKeyRequest(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) (*RoomKeyRequest, error) {
	var found *RoomKeyRequest
	s.roomKeyRequests.Range(func(_ string, request *RoomKeyRequest) bool {
		if request.RoomID == roomID && request.SessionID == sessionID {
			found = request
			return false
		}
		return true
	})
	return found, nil
}

func (s *MemoryStore) PutRoomKeyRequest(ctx context.Context, request *RoomKeyRequest) error {
	s.roomKeyRequests.Store(request.RequestID, request)
	return nil
}

func (s *MemoryStore) DeleteRoomKeyRequest(ctx context.Context, requestID string) error {
	s.roomKeyRequests.Delete(requestID)
	return nil
}

func (s *MemoryStore) GetSecretRequest(ctx context.Context, requestID string) (*SecretRequest, error) {
	request, _ := s.secretRequests.Load(requestID)
	return request, nil
}

func (s *MemoryStore) FindSecretRequestByName(ctx context.Context, name string) (*SecretRequest, error) {
	var found *SecretRequest
	s.secretRequests.Range(func(_ string, request *SecretRequest) bool {
		if request.Name == name {
			found = request
			return false
		}
		return true
	})
	return found, nil
}

func (s *MemoryStore) PutSecretRequest(ctx context.Context, request *SecretRequest) error {
	s.secretRequests.Store(request.RequestID, request)
	return nil
}

func (s *MemoryStore) DeleteSecretRequest(ctx context.Context, requestID string) error {
	s.secretRequests.Delete(requestID)
	return nil
}

func (s *MemoryStore) GetSecret(ctx context.Context, name string) (*Secret, error) {
	secret, _ := s.secrets.Load(name)
	return secret, nil
}

func (s *MemoryStore) PutSecret(ctx context.Context, secret *Secret) error {
	s.secrets.Store(secret.Name, secret)
	return nil
}

func (s *MemoryStore) DeleteAllSecrets(ctx context.Context) error {
	s.secrets.Range(func(name string, _ *Secret) bool {
		s.secrets.Delete(name)
		return true
	})
	return nil
}

func (s *MemoryStore) GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*Device, error) {
	device, _ := s.devices.Load(DeviceKey(userID, deviceID))
	return device, nil
}

func (s *MemoryStore) FindDeviceByKey(ctx context.Context, userID id.UserID, identityKey id.Curve25519) (*Device, error) {
	var found *Device
	s.devices.Range(func(_ string, device *Device) bool {
		if device.UserID == userID && device.IdentityKey == identityKey && !device.Deleted {
			found = device
			return false
		}
		return true
	})
	return found, nil
}

func (s *MemoryStore) GetDevices(ctx context.Context, userID id.UserID) ([]*Device, error) {
	var devices []*Device
	s.devices.Range(func(_ string, device *Device) bool {
		if device.UserID == userID && !device.Deleted {
			devices = append(devices, device)
		}
		return true
	})
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].DeviceID < devices[j].DeviceID
	})
	return devices, nil
}

func (s *MemoryStore) PutDevice(ctx context.Context, device *Device) error {
	s.devices.Store(DeviceKey(device.UserID, device.DeviceID), device)
	return nil
}

func (s *MemoryStore) GetCrossSigningKeys(ctx context.Context, userID id.UserID) (map[id.CrossSigningUsage]*CrossSigningKey, error) {
	keys := make(map[id.CrossSigningUsage]*CrossSigningKey)
	s.crossSigningKeys.Range(func(_ string, key *CrossSigningKey) bool {
		if key.UserID == userID {
			keys[key.Usage] = key
		}
		return true
	})
	return keys, nil
}

func (s *MemoryStore) PutCrossSigningKey(ctx context.Context, key *CrossSigningKey) error {
	s.crossSigningKeys.Store(string(key.UserID)+"/"+string(key.Usage), key)
	return nil
}

func (s *MemoryStore) IsKeySignedBy(ctx context.Context, signedUserID id.UserID, signedKey id.Ed25519, signerUserID id.UserID, signerKey id.Ed25519) (bool, error) {
	_, ok := s.signatures.Load(signatureKey(&KeySignature{
		SignedUserID: signedUserID,
		SignedKey:    signedKey,
		SignerUserID: signerUserID,
		SignerKey:    signerKey,
	}))
	return ok, nil
}

func (s *MemoryStore) PutSignature(ctx context.Context, signature *KeySignature) error {
	s.signatures.Store(signatureKey(signature), signature)
	return nil
}

func (s *MemoryStore) DropSignaturesByKey(ctx context.Context, userID id.UserID, key id.Ed25519) (int, error) {
	var dropped int
	s.signatures.Range(func(mapKey string, signature *KeySignature) bool {
		if signature.SignerUserID == userID && signature.SignerKey == key {
			s.signatures.Delete(mapKey)
			dropped++
		}
		return true
	})
	return dropped, nil
}

func (s *MemoryStore) GetKeyChainLinks(ctx context.Context, signerKey id.Ed25519) ([]*KeyChainLink, error) {
	var links []*KeyChainLink
	s.keyChainLinks.Range(func(_ string, link *KeyChainLink) bool {
		if link.SignerKey == signerKey {
			links = append(links, link)
		}
		return true
	})
	return links, nil
}

func (s *MemoryStore) PutKeyChainLink(ctx context.Context, link *KeyChainLink) error {
	s.keyChainLinks.Store(string(link.SignerKey)+"/"+string(link.SignedKey), link)
	return nil
}

func (s *MemoryStore) DeleteKeyChainLinks(ctx context.Context, signerKey id.Ed25519) error {
	s.keyChainLinks.Range(func(key string, link *KeyChainLink) bool {
		if link.SignerKey == signerKey {
			s.keyChainLinks.Delete(key)
		}
		return true
	})
	return nil
}

func (s *MemoryStore) GetBackupState(ctx context.Context) (*BackupState, error) {
	state, _ := s.backupState.Load(singletonKey)
	return state, nil
}

func (s *MemoryStore) PutBackupState(ctx context.Context, state *BackupState) error {
	s.backupState.Store(singletonKey, state)
	return nil
}

func (s *MemoryStore) DoTxn(ctx context.Context, fn func(ctx context.Context) error) error {
	s.txnLock.Lock()
	defer s.txnLock.Unlock()
	return fn(ctx)
}
