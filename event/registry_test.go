package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func TestDecodeRoomKey(t *testing.T) {
	raw := json.RawMessage(`{
		"algorithm": "m.megolm.v1.aes-sha2",
		"room_id": "!room:example.org",
		"session_id": "sess",
		"session_key": "key"
	}`)
	content, err := NewRegistry().Decode(TypeRoomKey, raw)
	require.NoError(t, err)
	roomKey, ok := content.(*RoomKey)
	require.True(t, ok)
	assert.Equal(t, id.RoomID("!room:example.org"), roomKey.RoomID)
	assert.Equal(t, id.SessionID("sess"), roomKey.SessionID)
}

func TestDecodeEncryptedByAlgorithm(t *testing.T) {
	registry := NewRegistry()

	olm := json.RawMessage(`{
		"algorithm": "m.olm.v1.curve25519-aes-sha2",
		"sender_key": "curve",
		"ciphertext": {"curve": {"type": 0, "body": "x"}}
	}`)
	content, err := registry.Decode(TypeEncrypted, olm)
	require.NoError(t, err)
	envelope, ok := content.(*EncryptedOlm)
	require.True(t, ok)
	assert.Equal(t, id.Curve25519("curve"), envelope.SenderKey)

	megolm := json.RawMessage(`{
		"algorithm": "m.megolm.v1.aes-sha2",
		"sender_key": "curve",
		"session_id": "sess",
		"ciphertext": "mg"
	}`)
	content, err = registry.Decode(TypeEncrypted, megolm)
	require.NoError(t, err)
	group, ok := content.(*EncryptedMegolm)
	require.True(t, ok)
	assert.Equal(t, id.SessionID("sess"), group.SessionID)
}

func TestDecodeEncryptedUnknownAlgorithm(t *testing.T) {
	raw := json.RawMessage(`{"algorithm": "m.future.v9"}`)
	_, err := NewRegistry().Decode(TypeEncrypted, raw)
	require.ErrorIs(t, err, ErrUnknownAlgorithm)
}

func TestDecodeUnknownTypePassedThrough(t *testing.T) {
	raw := json.RawMessage(`{"whatever": true}`)
	content, err := NewRegistry().Decode("org.example.custom", raw)
	require.NoError(t, err)
	unknown, ok := content.(*Unknown)
	require.True(t, ok)
	assert.Equal(t, "org.example.custom", unknown.Type)
	assert.JSONEq(t, string(raw), string(unknown.Raw))
}

func TestDecodeMalformedContent(t *testing.T) {
	_, err := NewRegistry().Decode(TypeRoomKey, json.RawMessage(`{"room_id": 42}`))
	require.Error(t, err)
}
