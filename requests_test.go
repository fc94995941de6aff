package keyflow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keyflow/event"
)

func keyRequestEvent(t *testing.T, sender id.UserID, content *event.RoomKeyRequest) ToDeviceEvent {
	t.Helper()
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	return ToDeviceEvent{Sender: sender, Type: event.TypeRoomKeyRequest, Content: raw}
}

// seedSession stores an importable inbound session and returns its id.
func seedSession(t *testing.T, env *testEnv, sessionID id.SessionID) {
	t.Helper()
	_, err := env.machine.Megolm.ImportInbound(context.Background(), testRoom, sessionID, []byte(exportKey(sessionID, 3)), Provenance{
		Source:     "direct",
		SenderKey:  "origin-curve",
		SigningKey: "origin-ed",
		Trusted:    true,
	})
	require.NoError(t, err)
}

func TestKeyRequestFromOtherUserIgnored(t *testing.T) {
	env := newTestEnv(t, "@alice:example.org", "DEV1")
	seedSession(t, env, "sess-a")

	env.machine.HandleToDeviceBatch(context.Background(), []ToDeviceEvent{
		keyRequestEvent(t, "@bob:example.org", &event.RoomKeyRequest{
			Action:             event.ActionRequest,
			Body:               event.RequestedKeyInfo{Algorithm: id.AlgorithmMegolmV1, RoomID: testRoom, SessionID: "sess-a"},
			RequestID:          "req1",
			RequestingDeviceID: "BOB1",
		}),
	})
	assert.Empty(t, env.sender.take())
}

func TestKeyRequestFromOwnDeviceIgnored(t *testing.T) {
	env := newTestEnv(t, "@alice:example.org", "DEV1")
	seedSession(t, env, "sess-a")

	env.machine.HandleToDeviceBatch(context.Background(), []ToDeviceEvent{
		keyRequestEvent(t, "@alice:example.org", &event.RoomKeyRequest{
			Action:             event.ActionRequest,
			Body:               event.RequestedKeyInfo{Algorithm: id.AlgorithmMegolmV1, RoomID: testRoom, SessionID: "sess-a"},
			RequestID:          "req1",
			RequestingDeviceID: "DEV1",
		}),
	})
	assert.Empty(t, env.sender.take())
}

func TestKeyRequestNeverAnsweredForUnverifiedDevice(t *testing.T) {
	env := newTestEnv(t, "@alice:example.org", "DEV1")
	dev2 := newTestEnv(t, "@alice:example.org", "DEV2")
	env.registerPeer(t, dev2.machine, id.TrustStateUnset)
	seedSession(t, env, "sess-a")

	env.machine.HandleToDeviceBatch(context.Background(), []ToDeviceEvent{
		keyRequestEvent(t, "@alice:example.org", &event.RoomKeyRequest{
			Action:             event.ActionRequest,
			Body:               event.RequestedKeyInfo{Algorithm: id.AlgorithmMegolmV1, RoomID: testRoom, SessionID: "sess-a"},
			RequestID:          "req1",
			RequestingDeviceID: "DEV2",
		}),
	})
	assert.Empty(t, env.sender.take())
}

func TestKeyRequestAnsweredForVerifiedDevice(t *testing.T) {
	env := newTestEnv(t, "@alice:example.org", "DEV1")
	dev2 := newTestEnv(t, "@alice:example.org", "DEV2")
	env.registerPeer(t, dev2.machine, id.TrustStateVerified)
	dev2.registerPeer(t, env.machine, id.TrustStateVerified)
	seedSession(t, env, "sess-a")
	require.NoError(t, dev2.machine.Outgoing.RequestRoomKey(context.Background(), testRoom, "sess-a", "origin-curve"))
	dev2.sender.take()

	env.machine.HandleToDeviceBatch(context.Background(), []ToDeviceEvent{
		keyRequestEvent(t, "@alice:example.org", &event.RoomKeyRequest{
			Action:             event.ActionRequest,
			Body:               event.RequestedKeyInfo{Algorithm: id.AlgorithmMegolmV1, RoomID: testRoom, SessionID: "sess-a"},
			RequestID:          "req1",
			RequestingDeviceID: "DEV2",
		}),
	})

	sent := env.sender.take()
	require.Len(t, sent, 1)
	assert.Equal(t, event.TypeEncrypted, sent[0].EventType)
	require.Contains(t, sent[0].Messages, id.UserID("@alice:example.org"))
	require.Contains(t, sent[0].Messages["@alice:example.org"], id.DeviceID("DEV2"))

	// Replay the captured send into the requesting device: it imports the
	// forwarded key with this device appended to the chain.
	env.sender.sent = sent
	deliver(t, env, dev2)
	stored, err := dev2.store.GetInboundGroupSession(context.Background(), testRoom, "sess-a")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "forwarded", stored.Provenance)
	_, envIdentity, err := env.machine.OwnIdentityKeys()
	require.NoError(t, err)
	assert.Equal(t, []string{string(envIdentity)}, stored.ForwardingChains)
}

func TestKeyRequestAndCancelInSameBatch(t *testing.T) {
	env := newTestEnv(t, "@alice:example.org", "DEV1")
	dev2 := newTestEnv(t, "@alice:example.org", "DEV2")
	env.registerPeer(t, dev2.machine, id.TrustStateVerified)
	seedSession(t, env, "sess-a")

	env.machine.HandleToDeviceBatch(context.Background(), []ToDeviceEvent{
		keyRequestEvent(t, "@alice:example.org", &event.RoomKeyRequest{
			Action:             event.ActionRequest,
			Body:               event.RequestedKeyInfo{Algorithm: id.AlgorithmMegolmV1, RoomID: testRoom, SessionID: "sess-a"},
			RequestID:          "req1",
			RequestingDeviceID: "DEV2",
		}),
		keyRequestEvent(t, "@alice:example.org", &event.RoomKeyRequest{
			Action:             event.ActionRequestCancel,
			RequestID:          "req1",
			RequestingDeviceID: "DEV2",
		}),
	})
	assert.Empty(t, env.sender.take())
}

func TestCancelForUnknownRequestIsNoop(t *testing.T) {
	env := newTestEnv(t, "@alice:example.org", "DEV1")
	env.machine.HandleToDeviceBatch(context.Background(), []ToDeviceEvent{
		keyRequestEvent(t, "@alice:example.org", &event.RoomKeyRequest{
			Action:             event.ActionRequestCancel,
			RequestID:          "never-seen",
			RequestingDeviceID: "DEV2",
		}),
	})
	assert.Empty(t, env.sender.take())
}

func TestUnknownSessionRequestDropped(t *testing.T) {
	env := newTestEnv(t, "@alice:example.org", "DEV1")
	dev2 := newTestEnv(t, "@alice:example.org", "DEV2")
	env.registerPeer(t, dev2.machine, id.TrustStateVerified)

	env.machine.HandleToDeviceBatch(context.Background(), []ToDeviceEvent{
		keyRequestEvent(t, "@alice:example.org", &event.RoomKeyRequest{
			Action:             event.ActionRequest,
			Body:               event.RequestedKeyInfo{Algorithm: id.AlgorithmMegolmV1, RoomID: testRoom, SessionID: "no-such"},
			RequestID:          "req1",
			RequestingDeviceID: "DEV2",
		}),
	})
	assert.Empty(t, env.sender.take())
}

func registerOwnDevice(t *testing.T, env *testEnv, deviceID id.DeviceID, trust id.TrustState) *testEnv {
	t.Helper()
	other := newTestEnv(t, env.machine.cfg.UserID, deviceID)
	device := env.registerPeer(t, other.machine, trust)
	_ = device
	return other
}

func TestRequestRoomKeyIdempotent(t *testing.T) {
	env := newTestEnv(t, "@alice:example.org", "DEV1")
	registerOwnDevice(t, env, "DEV2", id.TrustStateUnset)
	registerOwnDevice(t, env, "DEV3", id.TrustStateUnset)
	ctx := context.Background()

	require.NoError(t, env.machine.Outgoing.RequestRoomKey(ctx, testRoom, "wanted", "sender-key"))
	require.NoError(t, env.machine.Outgoing.RequestRoomKey(ctx, testRoom, "wanted", "sender-key"))

	sent := env.sender.take()
	require.Len(t, sent, 1)
	assert.Equal(t, event.TypeRoomKeyRequest, sent[0].EventType)
	assert.Len(t, sent[0].Messages["@alice:example.org"], 2)

	req, err := env.store.FindRoomKeyRequest(ctx, testRoom, "wanted")
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Len(t, req.AskedDevices, 2)
}

func TestForwardedKeyImportsAndCancelsElsewhere(t *testing.T) {
	env := newTestEnv(t, "@alice:example.org", "DEV1")
	dev2 := registerOwnDevice(t, env, "DEV2", id.TrustStateVerified)
	registerOwnDevice(t, env, "DEV3", id.TrustStateUnset)
	ctx := context.Background()

	sessionID := id.SessionID("wanted")
	require.NoError(t, env.machine.Outgoing.RequestRoomKey(ctx, testRoom, sessionID, "origin-curve"))
	env.sender.take()

	_, dev2Identity, err := dev2.machine.OwnIdentityKeys()
	require.NoError(t, err)
	env.machine.Outgoing.HandleForwardedRoomKey(ctx, &DecryptedOlmEvent{
		Sender:    "@alice:example.org",
		SenderKey: dev2Identity,
	}, &event.ForwardedRoomKey{
		Algorithm:          id.AlgorithmMegolmV1,
		RoomID:             testRoom,
		SessionID:          sessionID,
		SessionKey:         exportKey(sessionID, 0),
		SenderKey:          "origin-curve",
		SenderClaimedKey:   "origin-ed",
		ForwardingKeyChain: []string{"hop1"},
	})

	stored, err := env.store.GetInboundGroupSession(ctx, testRoom, sessionID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "forwarded", stored.Provenance)
	assert.Equal(t, []string{"hop1", string(dev2Identity)}, stored.ForwardingChains)

	sent := env.sender.take()
	require.Len(t, sent, 1)
	assert.Equal(t, event.TypeRoomKeyRequest, sent[0].EventType)
	devices := sent[0].Messages["@alice:example.org"]
	require.Len(t, devices, 1)
	var cancel event.RoomKeyRequest
	require.NoError(t, json.Unmarshal(devices["DEV3"], &cancel))
	assert.Equal(t, event.ActionRequestCancel, cancel.Action)

	req, err := env.store.FindRoomKeyRequest(ctx, testRoom, sessionID)
	require.NoError(t, err)
	assert.Nil(t, req)
}

func TestForwardedKeyFromUnverifiedDeviceDropped(t *testing.T) {
	env := newTestEnv(t, "@alice:example.org", "DEV1")
	dev2 := registerOwnDevice(t, env, "DEV2", id.TrustStateUnset)
	ctx := context.Background()

	_, dev2Identity, err := dev2.machine.OwnIdentityKeys()
	require.NoError(t, err)
	env.machine.Outgoing.HandleForwardedRoomKey(ctx, &DecryptedOlmEvent{
		Sender:    "@alice:example.org",
		SenderKey: dev2Identity,
	}, &event.ForwardedRoomKey{
		Algorithm:        id.AlgorithmMegolmV1,
		RoomID:           testRoom,
		SessionID:        "wanted",
		SessionKey:       exportKey("wanted", 0),
		SenderKey:        "origin-curve",
		SenderClaimedKey: "origin-ed",
	})

	stored, err := env.store.GetInboundGroupSession(ctx, testRoom, "wanted")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestCancelRoomKeyRequest(t *testing.T) {
	env := newTestEnv(t, "@alice:example.org", "DEV1")
	registerOwnDevice(t, env, "DEV2", id.TrustStateUnset)
	ctx := context.Background()

	require.NoError(t, env.machine.Outgoing.RequestRoomKey(ctx, testRoom, "wanted", ""))
	env.sender.take()

	require.NoError(t, env.machine.Outgoing.CancelRoomKeyRequest(ctx, testRoom, "wanted"))
	sent := env.sender.take()
	require.Len(t, sent, 1)

	req, err := env.store.FindRoomKeyRequest(ctx, testRoom, "wanted")
	require.NoError(t, err)
	assert.Nil(t, req)

	// Cancelling again is a no-op.
	require.NoError(t, env.machine.Outgoing.CancelRoomKeyRequest(ctx, testRoom, "wanted"))
	assert.Empty(t, env.sender.take())
}
