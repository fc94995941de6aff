// Package badgerstore persists crypto material in an embedded badger
// database. Records are stored as JSON under typed key prefixes; secondary
// index entries hold the primary key as their value.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keyflow/store"
)

const (
	prefixAccount       = "account"
	prefixOlmSession    = "olm/"
	prefixOutboundGroup = "ogs/"
	prefixInboundGroup  = "igs/"
	prefixMessageIndex  = "msgidx/"
	prefixMessageEvent  = "msgevt/"
	prefixKeyRequest    = "keyreq/"
	prefixKeyRequestIdx = "keyreq_session/"
	prefixSecretRequest = "secreq/"
	prefixSecretReqName = "secreq_name/"
	prefixSecret        = "secret/"
	prefixDevice        = "device/"
	prefixCrossSigning  = "xsign/"
	prefixSignature     = "sig/"
	prefixKeyChain      = "chain/"
	prefixBackupState   = "backup_state"
)

// Store implements store.Store on badger.
type Store struct {
	db *badger.DB
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// txnCtxKey carries the open transaction through the context DoTxn hands to
// its callback, so only store calls made with that context join it. A badger
// transaction is not safe for concurrent use; unrelated goroutines keep
// getting their own.
type txnCtxKey struct{}

func txnFrom(ctx context.Context) *badger.Txn {
	txn, _ := ctx.Value(txnCtxKey{}).(*badger.Txn)
	return txn
}

// update runs fn in the transaction carried by ctx if there is one, otherwise
// in its own.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if txn := txnFrom(ctx); txn != nil {
		return fn(txn)
	}
	return s.db.Update(fn)
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if txn := txnFrom(ctx); txn != nil {
		return fn(txn)
	}
	return s.db.View(fn)
}

// DoTxn runs fn atomically in a single badger transaction. Nested calls join
// the outer transaction.
func (s *Store) DoTxn(ctx context.Context, fn func(ctx context.Context) error) error {
	if txnFrom(ctx) != nil {
		return fn(ctx)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return fn(context.WithValue(ctx, txnCtxKey{}, txn))
	})
}

func getJSON[T any](txn *badger.Txn, key string) (*T, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out T
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func setJSON(txn *badger.Txn, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), encoded)
}

func getString(txn *badger.Txn, key string) (string, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	return string(val), err
}

func iterate[T any](txn *badger.Txn, prefix string, fn func(key string, record *T) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		var record T
		err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		})
		if err != nil {
			return err
		}
		cont, err := fn(string(item.Key()), &record)
		if err != nil || !cont {
			return err
		}
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context) (*store.Account, error) {
	var account *store.Account
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		account, err = getJSON[store.Account](txn, prefixAccount)
		return err
	})
	return account, err
}

func (s *Store) PutAccount(ctx context.Context, account *store.Account) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, prefixAccount, account)
	})
}

func olmSessionKey(senderKey id.Curve25519, sessionID id.SessionID) string {
	return prefixOlmSession + string(senderKey) + "/" + string(sessionID)
}

func (s *Store) GetOlmSessions(ctx context.Context, senderKey id.Curve25519) ([]*store.OlmSession, error) {
	var sessions []*store.OlmSession
	err := s.view(ctx, func(txn *badger.Txn) error {
		return iterate(txn, prefixOlmSession+string(senderKey)+"/", func(_ string, rec *store.OlmSession) (bool, error) {
			sessions = append(sessions, rec)
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastUsed.After(sessions[j].LastUsed)
	})
	return sessions, nil
}

func (s *Store) GetLatestOlmSession(ctx context.Context, senderKey id.Curve25519) (*store.OlmSession, error) {
	sessions, err := s.GetOlmSessions(ctx, senderKey)
	if err != nil || len(sessions) == 0 {
		return nil, err
	}
	return sessions[0], nil
}

func (s *Store) PutOlmSession(ctx context.Context, session *store.OlmSession) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, olmSessionKey(session.SenderKey, session.SessionID), session)
	})
}

func (s *Store) GetOutboundGroupSession(ctx context.Context, roomID id.RoomID) (*store.OutboundGroupSession, error) {
	var session *store.OutboundGroupSession
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		session, err = getJSON[store.OutboundGroupSession](txn, prefixOutboundGroup+string(roomID))
		return err
	})
	return session, err
}

func (s *Store) PutOutboundGroupSession(ctx context.Context, session *store.OutboundGroupSession) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, prefixOutboundGroup+string(session.RoomID), session)
	})
}

func (s *Store) DeleteOutboundGroupSession(ctx context.Context, roomID id.RoomID) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixOutboundGroup + string(roomID)))
	})
}

func inboundKey(roomID id.RoomID, sessionID id.SessionID) string {
	return prefixInboundGroup + string(roomID) + "/" + string(sessionID)
}

func (s *Store) GetInboundGroupSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) (*store.InboundGroupSession, error) {
	var session *store.InboundGroupSession
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		session, err = getJSON[store.InboundGroupSession](txn, inboundKey(roomID, sessionID))
		return err
	})
	return session, err
}

func (s *Store) PutInboundGroupSession(ctx context.Context, session *store.InboundGroupSession) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, inboundKey(session.RoomID, session.SessionID), session)
	})
}

func (s *Store) ListInboundGroupSessions(ctx context.Context) ([]*store.InboundGroupSession, error) {
	var sessions []*store.InboundGroupSession
	err := s.view(ctx, func(txn *badger.Txn) error {
		return iterate(txn, prefixInboundGroup, func(_ string, rec *store.InboundGroupSession) (bool, error) {
			sessions = append(sessions, rec)
			return true, nil
		})
	})
	return sessions, err
}

func (s *Store) ListInboundGroupSessionsToBackup(ctx context.Context, limit int) ([]*store.InboundGroupSession, error) {
	var sessions []*store.InboundGroupSession
	err := s.view(ctx, func(txn *badger.Txn) error {
		return iterate(txn, prefixInboundGroup, func(_ string, rec *store.InboundGroupSession) (bool, error) {
			if rec.BackedUp {
				return true, nil
			}
			sessions = append(sessions, rec)
			return limit <= 0 || len(sessions) < limit, nil
		})
	})
	return sessions, err
}

func (s *Store) MarkInboundGroupSessionBackedUp(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, version id.KeyBackupVersion) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		rec, err := getJSON[store.InboundGroupSession](txn, inboundKey(roomID, sessionID))
		if err != nil {
			return err
		}
		if rec == nil {
			return store.ErrNotFound
		}
		rec.BackedUp = true
		rec.BackupVersion = version
		return setJSON(txn, inboundKey(roomID, sessionID), rec)
	})
}

func (s *Store) DeleteRoomSessions(ctx context.Context, roomID id.RoomID) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		for _, prefix := range []string{
			prefixInboundGroup + string(roomID) + "/",
			prefixMessageIndex + string(roomID) + "/",
			prefixMessageEvent + string(roomID) + "/",
		} {
			if err := deletePrefix(txn, prefix); err != nil {
				return err
			}
		}
		return txn.Delete([]byte(prefixOutboundGroup + string(roomID)))
	})
}

func deletePrefix(txn *badger.Txn, prefix string) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func messageIndexKey(roomID id.RoomID, sessionID id.SessionID, index uint) string {
	return fmt.Sprintf("%s%s/%s/%020d", prefixMessageIndex, roomID, sessionID, index)
}

func messageEventKey(roomID id.RoomID, sessionID id.SessionID, eventID id.EventID) string {
	return prefixMessageEvent + string(roomID) + "/" + string(sessionID) + "/" + string(eventID)
}

func (s *Store) GetMessageIndex(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, index uint) (*store.MessageIndex, error) {
	var record *store.MessageIndex
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		record, err = getJSON[store.MessageIndex](txn, messageIndexKey(roomID, sessionID, index))
		return err
	})
	return record, err
}

func (s *Store) FindMessageIndexByEvent(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, eventID id.EventID) (uint, *store.MessageIndex, error) {
	var index uint
	var record *store.MessageIndex
	err := s.view(ctx, func(txn *badger.Txn) error {
		val, err := getString(txn, messageEventKey(roomID, sessionID, eventID))
		if err != nil {
			return err
		}
		if val == "" {
			return store.ErrNotFound
		}
		parsed, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return err
		}
		index = uint(parsed)
		record, err = getJSON[store.MessageIndex](txn, messageIndexKey(roomID, sessionID, index))
		if err == nil && record == nil {
			return store.ErrNotFound
		}
		return err
	})
	if err != nil {
		return 0, nil, err
	}
	return index, record, nil
}

func (s *Store) PutMessageIndex(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, index uint, record *store.MessageIndex) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if err := setJSON(txn, messageIndexKey(roomID, sessionID, index), record); err != nil {
			return err
		}
		key := messageEventKey(roomID, sessionID, record.EventID)
		return txn.Set([]byte(key), []byte(strconv.FormatUint(uint64(index), 10)))
	})
}

func (s *Store) GetRoomKeyRequest(ctx context.Context, requestID string) (*store.RoomKeyRequest, error) {
	var request *store.RoomKeyRequest
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		request, err = getJSON[store.RoomKeyRequest](txn, prefixKeyRequest+requestID)
		return err
	})
	return request, err
}

func keyRequestIndexKey(roomID id.RoomID, sessionID id.SessionID) string {
	return prefixKeyRequestIdx + string(roomID) + "/" + string(sessionID)
}

func (s *Store) FindRoomKeyRequest(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) (*store.RoomKeyRequest, error) {
	var request *store.RoomKeyRequest
	err := s.view(ctx, func(txn *badger.Txn) error {
		requestID, err := getString(txn, keyRequestIndexKey(roomID, sessionID))
		if err != nil || requestID == "" {
			return err
		}
		request, err = getJSON[store.RoomKeyRequest](txn, prefixKeyRequest+requestID)
		return err
	})
	return request, err
}

func (s *Store) PutRoomKeyRequest(ctx context.Context, request *store.RoomKeyRequest) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if err := setJSON(txn, prefixKeyRequest+request.RequestID, request); err != nil {
			return err
		}
		return txn.Set([]byte(keyRequestIndexKey(request.RoomID, request.SessionID)), []byte(request.RequestID))
	})
}

func (s *Store) DeleteRoomKeyRequest(ctx context.Context, requestID string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		request, err := getJSON[store.RoomKeyRequest](txn, prefixKeyRequest+requestID)
		if err != nil {
			return err
		}
		if request != nil {
			if err := txn.Delete([]byte(keyRequestIndexKey(request.RoomID, request.SessionID))); err != nil {
				return err
			}
		}
		return txn.Delete([]byte(prefixKeyRequest + requestID))
	})
}

func (s *Store) GetSecretRequest(ctx context.Context, requestID string) (*store.SecretRequest, error) {
	var request *store.SecretRequest
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		request, err = getJSON[store.SecretRequest](txn, prefixSecretRequest+requestID)
		return err
	})
	return request, err
}

func (s *Store) FindSecretRequestByName(ctx context.Context, name string) (*store.SecretRequest, error) {
	var request *store.SecretRequest
	err := s.view(ctx, func(txn *badger.Txn) error {
		requestID, err := getString(txn, prefixSecretReqName+name)
		if err != nil || requestID == "" {
			return err
		}
		request, err = getJSON[store.SecretRequest](txn, prefixSecretRequest+requestID)
		return err
	})
	return request, err
}

func (s *Store) PutSecretRequest(ctx context.Context, request *store.SecretRequest) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if err := setJSON(txn, prefixSecretRequest+request.RequestID, request); err != nil {
			return err
		}
		return txn.Set([]byte(prefixSecretReqName+request.Name), []byte(request.RequestID))
	})
}

func (s *Store) DeleteSecretRequest(ctx context.Context, requestID string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		request, err := getJSON[store.SecretRequest](txn, prefixSecretRequest+requestID)
		if err != nil {
			return err
		}
		if request != nil {
			if err := txn.Delete([]byte(prefixSecretReqName + request.Name)); err != nil {
				return err
			}
		}
		return txn.Delete([]byte(prefixSecretRequest + requestID))
	})
}

func (s *Store) GetSecret(ctx context.Context, name string) (*store.Secret, error) {
	var secret *store.Secret
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		secret, err = getJSON[store.Secret](txn, prefixSecret+name)
		return err
	})
	return secret, err
}

func (s *Store) PutSecret(ctx context.Context, secret *store.Secret) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, prefixSecret+secret.Name, secret)
	})
}

func (s *Store) DeleteAllSecrets(ctx context.Context) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return deletePrefix(txn, prefixSecret)
	})
}

func deviceKey(userID id.UserID, deviceID id.DeviceID) string {
	return prefixDevice + string(userID) + "/" + string(deviceID)
}

func (s *Store) GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*store.Device, error) {
	var device *store.Device
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		device, err = getJSON[store.Device](txn, deviceKey(userID, deviceID))
		return err
	})
	return device, err
}

func (s *Store) FindDeviceByKey(ctx context.Context, userID id.UserID, identityKey id.Curve25519) (*store.Device, error) {
	var found *store.Device
	err := s.view(ctx, func(txn *badger.Txn) error {
		return iterate(txn, prefixDevice+string(userID)+"/", func(_ string, rec *store.Device) (bool, error) {
			if rec.IdentityKey == identityKey {
				found = rec
				return false, nil
			}
			return true, nil
		})
	})
	return found, err
}

func (s *Store) GetDevices(ctx context.Context, userID id.UserID) ([]*store.Device, error) {
	var devices []*store.Device
	err := s.view(ctx, func(txn *badger.Txn) error {
		return iterate(txn, prefixDevice+string(userID)+"/", func(_ string, rec *store.Device) (bool, error) {
			devices = append(devices, rec)
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].DeviceID < devices[j].DeviceID
	})
	return devices, nil
}

func (s *Store) PutDevice(ctx context.Context, device *store.Device) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, deviceKey(device.UserID, device.DeviceID), device)
	})
}

func (s *Store) GetCrossSigningKeys(ctx context.Context, userID id.UserID) (map[id.CrossSigningUsage]*store.CrossSigningKey, error) {
	keys := make(map[id.CrossSigningUsage]*store.CrossSigningKey)
	err := s.view(ctx, func(txn *badger.Txn) error {
		return iterate(txn, prefixCrossSigning+string(userID)+"/", func(_ string, rec *store.CrossSigningKey) (bool, error) {
			keys[rec.Usage] = rec
			return true, nil
		})
	})
	return keys, err
}

func (s *Store) PutCrossSigningKey(ctx context.Context, key *store.CrossSigningKey) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, prefixCrossSigning+string(key.UserID)+"/"+string(key.Usage), key)
	})
}

func signatureKey(sig *store.KeySignature) string {
	return prefixSignature + strings.Join([]string{
		string(sig.SignedUserID), string(sig.SignedKey),
		string(sig.SignerUserID), string(sig.SignerKey),
	}, "/")
}

func (s *Store) IsKeySignedBy(ctx context.Context, signedUserID id.UserID, signedKey id.Ed25519, signerUserID id.UserID, signerKey id.Ed25519) (bool, error) {
	key := signatureKey(&store.KeySignature{
		SignedUserID: signedUserID, SignedKey: signedKey,
		SignerUserID: signerUserID, SignerKey: signerKey,
	})
	found := false
	err := s.view(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err == nil {
			found = true
		}
		return err
	})
	return found, err
}

func (s *Store) PutSignature(ctx context.Context, signature *store.KeySignature) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, signatureKey(signature), signature)
	})
}

func (s *Store) DropSignaturesByKey(ctx context.Context, userID id.UserID, key id.Ed25519) (int, error) {
	dropped := 0
	err := s.update(ctx, func(txn *badger.Txn) error {
		var keys [][]byte
		err := iterate(txn, prefixSignature, func(k string, rec *store.KeySignature) (bool, error) {
			if rec.SignerUserID == userID && rec.SignerKey == key {
				keys = append(keys, []byte(k))
			}
			return true, nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		dropped = len(keys)
		return nil
	})
	return dropped, err
}

func chainKey(link *store.KeyChainLink) string {
	return prefixKeyChain + string(link.SignerKey) + "/" + string(link.SignedUserID) + "/" + string(link.SignedKey)
}

func (s *Store) GetKeyChainLinks(ctx context.Context, signerKey id.Ed25519) ([]*store.KeyChainLink, error) {
	var links []*store.KeyChainLink
	err := s.view(ctx, func(txn *badger.Txn) error {
		return iterate(txn, prefixKeyChain+string(signerKey)+"/", func(_ string, rec *store.KeyChainLink) (bool, error) {
			links = append(links, rec)
			return true, nil
		})
	})
	return links, err
}

func (s *Store) PutKeyChainLink(ctx context.Context, link *store.KeyChainLink) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, chainKey(link), link)
	})
}

func (s *Store) DeleteKeyChainLinks(ctx context.Context, signerKey id.Ed25519) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return deletePrefix(txn, prefixKeyChain+string(signerKey)+"/")
	})
}

func (s *Store) GetBackupState(ctx context.Context) (*store.BackupState, error) {
	var state *store.BackupState
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		state, err = getJSON[store.BackupState](txn, prefixBackupState)
		return err
	})
	return state, err
}

func (s *Store) PutBackupState(ctx context.Context, state *store.BackupState) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, prefixBackupState, state)
	})
}
