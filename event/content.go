// Package event defines the decrypted wire shapes of the to-device and
// account-data events the key-distribution subsystem produces and consumes.
//
// Content kinds form an explicit tagged union: every known event type maps to
// exactly one struct here, and anything else decodes to Unknown. Field names
// follow the Matrix client-server spec so payloads interoperate with other
// clients.
package event

import (
	"encoding/json"

	"maunium.net/go/mautrix/id"
)

// To-device event types handled by the subsystem.
const (
	TypeRoomKey          = "m.room_key"
	TypeRoomKeyRequest   = "m.room_key_request"
	TypeForwardedRoomKey = "m.forwarded_room_key"
	TypeSecretRequest    = "m.secret.request"
	TypeSecretSend       = "m.secret.send"
	TypeEncrypted        = "m.room.encrypted"
	TypeDummy            = "m.dummy"
)

// Account-data event types carrying encrypted secrets.
const (
	TypeCrossSigningMaster      = "m.cross_signing.master"
	TypeCrossSigningSelfSigning = "m.cross_signing.self_signing"
	TypeCrossSigningUserSigning = "m.cross_signing.user_signing"
	TypeMegolmBackupKey         = "m.megolm_backup.v1"
	TypeDehydratedDeviceKey     = "org.matrix.msc3814"
)

// KeyRequestAction is the action field of m.room_key_request and
// m.secret.request events.
type KeyRequestAction string

const (
	ActionRequest       KeyRequestAction = "request"
	ActionRequestCancel KeyRequestAction = "request_cancellation"
)

// Content is implemented by every decoded event content struct.
type Content interface {
	EventType() string
}

// RoomKey is the plaintext of an olm-encrypted m.room_key event, sharing an
// outbound megolm session with another device.
type RoomKey struct {
	Algorithm  id.Algorithm `json:"algorithm"`
	RoomID     id.RoomID    `json:"room_id"`
	SessionID  id.SessionID `json:"session_id"`
	SessionKey string       `json:"session_key"`
}

func (*RoomKey) EventType() string { return TypeRoomKey }

// RequestedKeyInfo identifies the megolm session a key request asks for.
type RequestedKeyInfo struct {
	Algorithm id.Algorithm  `json:"algorithm"`
	RoomID    id.RoomID     `json:"room_id"`
	SenderKey id.Curve25519 `json:"sender_key,omitempty"`
	SessionID id.SessionID  `json:"session_id"`
}

// RoomKeyRequest is an unencrypted m.room_key_request to-device event.
type RoomKeyRequest struct {
	Action             KeyRequestAction `json:"action"`
	Body               RequestedKeyInfo `json:"body,omitempty"`
	RequestID          string           `json:"request_id"`
	RequestingDeviceID id.DeviceID      `json:"requesting_device_id"`
}

func (*RoomKeyRequest) EventType() string { return TypeRoomKeyRequest }

// ForwardedRoomKey is the plaintext of an olm-encrypted m.forwarded_room_key
// event answering a room key request.
type ForwardedRoomKey struct {
	Algorithm          id.Algorithm  `json:"algorithm"`
	RoomID             id.RoomID     `json:"room_id"`
	SessionID          id.SessionID  `json:"session_id"`
	SessionKey         string        `json:"session_key"`
	SenderKey          id.Curve25519 `json:"sender_key"`
	SenderClaimedKey   id.Ed25519    `json:"sender_claimed_ed25519_key"`
	ForwardingKeyChain []string      `json:"forwarding_curve25519_key_chain"`
}

func (*ForwardedRoomKey) EventType() string { return TypeForwardedRoomKey }

// SecretRequest is an unencrypted m.secret.request to-device event asking
// another device of the same user for an account-level secret.
type SecretRequest struct {
	Name               string           `json:"name,omitempty"`
	Action             KeyRequestAction `json:"action"`
	RequestingDeviceID id.DeviceID      `json:"requesting_device_id"`
	RequestID          string           `json:"request_id"`
}

func (*SecretRequest) EventType() string { return TypeSecretRequest }

// SecretSend is the plaintext of an olm-encrypted m.secret.send event
// carrying the requested secret value.
type SecretSend struct {
	RequestID string `json:"request_id"`
	Secret    string `json:"secret"`
}

func (*SecretSend) EventType() string { return TypeSecretSend }

// OlmCiphertext is one ciphertext entry of an olm-encrypted event, keyed by
// the recipient's curve25519 identity key.
type OlmCiphertext struct {
	Type id.OlmMsgType `json:"type"`
	Body string        `json:"body"`
}

// EncryptedOlm is an m.room.encrypted event using m.olm.v1.curve25519-aes-sha2.
type EncryptedOlm struct {
	Algorithm  id.Algorithm                    `json:"algorithm"`
	SenderKey  id.Curve25519                   `json:"sender_key"`
	Ciphertext map[id.Curve25519]OlmCiphertext `json:"ciphertext"`
}

func (*EncryptedOlm) EventType() string { return TypeEncrypted }

// EncryptedMegolm is an m.room.encrypted room event using
// m.megolm.v1.aes-sha2.
type EncryptedMegolm struct {
	Algorithm  id.Algorithm  `json:"algorithm"`
	SenderKey  id.Curve25519 `json:"sender_key,omitempty"`
	DeviceID   id.DeviceID   `json:"device_id,omitempty"`
	SessionID  id.SessionID  `json:"session_id"`
	Ciphertext string        `json:"ciphertext"`
}

func (*EncryptedMegolm) EventType() string { return TypeEncrypted }

// Dummy is an m.dummy event, sent to establish a fresh olm session.
type Dummy struct{}

func (*Dummy) EventType() string { return TypeDummy }

// Unknown holds the raw payload of an event type the registry has no decoder
// for. Handlers must tolerate and skip it.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (u *Unknown) EventType() string { return u.Type }

// EncryptedSecret is the account-data payload shape of an SSSS-encrypted
// secret (m.secret_storage.v1.aes-hmac-sha2): one encrypted copy per default
// key id.
type EncryptedSecret struct {
	Encrypted map[string]EncryptedSecretData `json:"encrypted"`
}

// EncryptedSecretData is a single AES-CTR+HMAC encrypted secret copy.
type EncryptedSecretData struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	MAC        string `json:"mac"`
}
