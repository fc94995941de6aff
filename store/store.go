// Package store defines the persistence contract for crypto material. The
// records hold pickled ratchet state plus plain metadata; implementations
// only need to be faithful key/value stores, all crypto-aware logic lives in
// the managers.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"maunium.net/go/mautrix/id"
)

// ErrNotFound is returned by lookups for absent records where a nil result
// would be ambiguous.
var ErrNotFound = errors.New("store: not found")

// Account is the pickled long-term Olm identity of this device.
type Account struct {
	Pickled []byte `json:"pickled"`
	// Shared is set once the identity and one-time keys have been
	// published, after which the account must never be regenerated.
	Shared bool `json:"shared"`
}

// OlmSession is a pickled pairwise Olm session with one peer device.
type OlmSession struct {
	SenderKey id.Curve25519 `json:"sender_key"`
	SessionID id.SessionID  `json:"session_id"`
	Pickled   []byte        `json:"pickled"`
	CreatedAt time.Time     `json:"created_at"`
	LastUsed  time.Time     `json:"last_used"`
}

// OutboundGroupSession is the current sending-side Megolm session of a room.
type OutboundGroupSession struct {
	RoomID    id.RoomID    `json:"room_id"`
	SessionID id.SessionID `json:"session_id"`
	Pickled   []byte       `json:"pickled"`
	CreatedAt time.Time    `json:"created_at"`
	// MessageCount mirrors the ratchet counter so rotation policy can be
	// evaluated without unpickling.
	MessageCount int `json:"message_count"`
	// SharedWith records the devices already given the session key, keyed
	// by userID/deviceID.
	SharedWith map[string]struct{} `json:"shared_with"`
	// PendingShare records devices that still need the key.
	PendingShare map[string]struct{} `json:"pending_share"`
}

// DeviceKey builds the SharedWith/PendingShare map key for a device.
func DeviceKey(userID id.UserID, deviceID id.DeviceID) string {
	return string(userID) + "/" + string(deviceID)
}

// InboundGroupSession is a pickled receiving-side Megolm session.
type InboundGroupSession struct {
	RoomID     id.RoomID     `json:"room_id"`
	SessionID  id.SessionID  `json:"session_id"`
	SenderKey  id.Curve25519 `json:"sender_key"`
	SigningKey id.Ed25519    `json:"signing_key"`
	Pickled    []byte        `json:"pickled"`
	// ForwardingChains lists the identity keys a forwarded key passed
	// through; empty for directly received sessions.
	ForwardingChains []string            `json:"forwarding_chains"`
	FirstKnownIndex  uint32              `json:"first_known_index"`
	Provenance       string              `json:"provenance"`
	Trusted          bool                `json:"trusted"`
	BackedUp         bool                `json:"backed_up"`
	BackupVersion    id.KeyBackupVersion `json:"backup_version,omitempty"`
	ReceivedAt       time.Time           `json:"received_at"`
}

// MessageIndex is the replay-protection record for one megolm message slot.
// A (room, session, index) triple maps to exactly one event; the cached
// plaintext makes re-decryption of the same event idempotent.
type MessageIndex struct {
	EventID   id.EventID `json:"event_id"`
	Timestamp int64      `json:"origin_server_ts"`
	Plaintext []byte     `json:"plaintext"`
}

// RoomKeyRequest is an outstanding megolm key request issued by this device.
type RoomKeyRequest struct {
	RequestID string        `json:"request_id"`
	RoomID    id.RoomID     `json:"room_id"`
	SessionID id.SessionID  `json:"session_id"`
	SenderKey id.Curve25519 `json:"sender_key,omitempty"`
	// AskedDevices is the set of own devices the request went to.
	AskedDevices []id.DeviceID `json:"asked_devices"`
	CreatedAt    time.Time     `json:"created_at"`
}

// SecretRequest is an outstanding m.secret.request issued by this device.
type SecretRequest struct {
	RequestID    string        `json:"request_id"`
	Name         string        `json:"name"`
	AskedDevices []id.DeviceID `json:"asked_devices"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Secret is a decrypted account-level secret cached for reuse.
type Secret struct {
	Name string `json:"name"`
	// Value is the base64 secret exactly as gossiped over m.secret.send.
	Value string `json:"value"`
	// Source is the encrypted account-data event the value was derived
	// from, kept to detect upstream changes.
	Source   json.RawMessage `json:"source,omitempty"`
	StoredAt time.Time       `json:"stored_at"`
}

// Device is another device's published identity.
type Device struct {
	UserID      id.UserID     `json:"user_id"`
	DeviceID    id.DeviceID   `json:"device_id"`
	IdentityKey id.Curve25519 `json:"identity_key"`
	SigningKey  id.Ed25519    `json:"signing_key"`
	Trust       id.TrustState `json:"trust"`
	Deleted     bool          `json:"deleted"`
	DisplayName string        `json:"display_name,omitempty"`
}

// CrossSigningKey is one of a user's published cross-signing keys.
type CrossSigningKey struct {
	UserID    id.UserID            `json:"user_id"`
	Usage     id.CrossSigningUsage `json:"usage"`
	Key       id.Ed25519           `json:"key"`
	FirstSeen time.Time            `json:"first_seen"`
}

// KeySignature is a verified signature of one key by another.
type KeySignature struct {
	SignedUserID id.UserID  `json:"signed_user_id"`
	SignedKey    id.Ed25519 `json:"signed_key"`
	SignerUserID id.UserID  `json:"signer_user_id"`
	SignerKey    id.Ed25519 `json:"signer_key"`
	Signature    string     `json:"signature"`
}

// KeyChainLink records that the signer key vouches for the signed key, used
// to propagate revocation through the trust graph.
type KeyChainLink struct {
	SignerUserID id.UserID  `json:"signer_user_id"`
	SignerKey    id.Ed25519 `json:"signer_key"`
	SignedUserID id.UserID  `json:"signed_user_id"`
	SignedKey    id.Ed25519 `json:"signed_key"`
}

// BackupState tracks the server-side backup version this device reconciles
// against.
type BackupState struct {
	Version id.KeyBackupVersion `json:"version"`
	ETag    string              `json:"etag"`
	Count   int                 `json:"count"`
}

// Store is the persistence contract shared by all managers. Get methods
// return (nil, nil) for absent records unless documented otherwise.
type Store interface {
	GetAccount(ctx context.Context) (*Account, error)
	PutAccount(ctx context.Context, account *Account) error

	// GetOlmSessions returns all sessions for a peer identity key, most
	// recently used first.
	GetOlmSessions(ctx context.Context, senderKey id.Curve25519) ([]*OlmSession, error)
	GetLatestOlmSession(ctx context.Context, senderKey id.Curve25519) (*OlmSession, error)
	PutOlmSession(ctx context.Context, session *OlmSession) error

	GetOutboundGroupSession(ctx context.Context, roomID id.RoomID) (*OutboundGroupSession, error)
	PutOutboundGroupSession(ctx context.Context, session *OutboundGroupSession) error
	DeleteOutboundGroupSession(ctx context.Context, roomID id.RoomID) error

	GetInboundGroupSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) (*InboundGroupSession, error)
	PutInboundGroupSession(ctx context.Context, session *InboundGroupSession) error
	ListInboundGroupSessions(ctx context.Context) ([]*InboundGroupSession, error)
	ListInboundGroupSessionsToBackup(ctx context.Context, limit int) ([]*InboundGroupSession, error)
	MarkInboundGroupSessionBackedUp(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, version id.KeyBackupVersion) error
	// DeleteRoomSessions removes all megolm state for a room on leave.
	DeleteRoomSessions(ctx context.Context, roomID id.RoomID) error

	GetMessageIndex(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, index uint) (*MessageIndex, error)
	// FindMessageIndexByEvent returns the recorded index for an event id
	// within a session, or ErrNotFound.
	FindMessageIndexByEvent(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, eventID id.EventID) (uint, *MessageIndex, error)
	PutMessageIndex(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, index uint, record *MessageIndex) error

	GetRoomKeyRequest(ctx context.Context, requestID string) (*RoomKeyRequest, error)
	FindRoomKeyRequest(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) (*RoomKeyRequest, error)
	PutRoomKeyRequest(ctx context.Context, request *RoomKeyRequest) error
	DeleteRoomKeyRequest(ctx context.Context, requestID string) error

	GetSecretRequest(ctx context.Context, requestID string) (*SecretRequest, error)
	FindSecretRequestByName(ctx context.Context, name string) (*SecretRequest, error)
	PutSecretRequest(ctx context.Context, request *SecretRequest) error
	DeleteSecretRequest(ctx context.Context, requestID string) error

	GetSecret(ctx context.Context, name string) (*Secret, error)
	PutSecret(ctx context.Context, secret *Secret) error
	DeleteAllSecrets(ctx context.Context) error

	GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*Device, error)
	FindDeviceByKey(ctx context.Context, userID id.UserID, identityKey id.Curve25519) (*Device, error)
	GetDevices(ctx context.Context, userID id.UserID) ([]*Device, error)
	PutDevice(ctx context.Context, device *Device) error

	GetCrossSigningKeys(ctx context.Context, userID id.UserID) (map[id.CrossSigningUsage]*CrossSigningKey, error)
	PutCrossSigningKey(ctx context.Context, key *CrossSigningKey) error

	IsKeySignedBy(ctx context.Context, signedUserID id.UserID, signedKey id.Ed25519, signerUserID id.UserID, signerKey id.Ed25519) (bool, error)
	PutSignature(ctx context.Context, signature *KeySignature) error
	// DropSignaturesByKey removes every signature made by a key and
	// returns how many were dropped.
	DropSignaturesByKey(ctx context.Context, userID id.UserID, key id.Ed25519) (int, error)

	GetKeyChainLinks(ctx context.Context, signerKey id.Ed25519) ([]*KeyChainLink, error)
	PutKeyChainLink(ctx context.Context, link *KeyChainLink) error
	DeleteKeyChainLinks(ctx context.Context, signerKey id.Ed25519) error

	GetBackupState(ctx context.Context) (*BackupState, error)
	PutBackupState(ctx context.Context, state *BackupState) error

	// DoTxn runs fn atomically: either every write inside it is applied or
	// none are. Implementations may serialize transactions.
	DoTxn(ctx context.Context, fn func(ctx context.Context) error) error
}
