package keyflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keyflow/store"
)

func putCrossSigningKey(t *testing.T, env *testEnv, userID id.UserID, usage id.CrossSigningUsage, key id.Ed25519) {
	t.Helper()
	err := env.store.PutCrossSigningKey(context.Background(), &store.CrossSigningKey{
		UserID:    userID,
		Usage:     usage,
		Key:       key,
		FirstSeen: time.Now(),
	})
	require.NoError(t, err)
}

func sign(t *testing.T, env *testEnv, signedUser id.UserID, signedKey id.Ed25519, signerUser id.UserID, signerKey id.Ed25519) {
	t.Helper()
	err := env.machine.Trust.RegisterSignature(context.Background(), &store.KeySignature{
		SignedUserID: signedUser,
		SignedKey:    signedKey,
		SignerUserID: signerUser,
		SignerKey:    signerKey,
		Signature:    "sig",
	})
	require.NoError(t, err)
}

func TestLocalVerificationMarksWin(t *testing.T) {
	env := newTestEnv(t, "@alice:example.org", "DEV1")
	ctx := context.Background()

	device := &store.Device{UserID: "@alice:example.org", DeviceID: "DEV2", IdentityKey: "c", SigningKey: "e", Trust: id.TrustStateVerified}
	require.NoError(t, env.store.PutDevice(ctx, device))
	verified, err := env.machine.Trust.IsDeviceVerified(ctx, "@alice:example.org", "DEV2")
	require.NoError(t, err)
	assert.True(t, verified)

	device.Trust = id.TrustStateBlacklisted
	require.NoError(t, env.store.PutDevice(ctx, device))
	assert.Equal(t, id.TrustStateBlacklisted, env.machine.Trust.ResolveDeviceTrust(ctx, device))
}

func TestUnknownDeviceNotVerified(t *testing.T) {
	env := newTestEnv(t, "@alice:example.org", "DEV1")
	verified, err := env.machine.Trust.IsDeviceVerified(context.Background(), "@alice:example.org", "GHOST")
	require.NoError(t, err)
	assert.False(t, verified)
}

func TestCrossSigningChainOwnUser(t *testing.T) {
	env := newTestEnv(t, "@alice:example.org", "DEV1")
	ctx := context.Background()
	alice := id.UserID("@alice:example.org")
	master := id.Ed25519("alice-msk")
	selfSigning := id.Ed25519("alice-ssk")

	putCrossSigningKey(t, env, alice, id.XSUsageMaster, master)
	putCrossSigningKey(t, env, alice, id.XSUsageSelfSigning, selfSigning)

	device := &store.Device{UserID: alice, DeviceID: "DEV2", IdentityKey: "dev2-c", SigningKey: "dev2-e"}
	require.NoError(t, env.store.PutDevice(ctx, device))

	sign(t, env, alice, selfSigning, alice, master)
	sign(t, env, alice, "dev2-e", alice, selfSigning)

	// Chain complete but the master key is not anchored to this device yet.
	assert.Equal(t, id.TrustStateCrossSignedTOFU, env.machine.Trust.ResolveDeviceTrust(ctx, device))
	verified, err := env.machine.Trust.IsDeviceVerified(ctx, alice, "DEV2")
	require.NoError(t, err)
	assert.False(t, verified)

	ownSigningKey, _, err := env.machine.OwnIdentityKeys()
	require.NoError(t, err)
	sign(t, env, alice, master, alice, ownSigningKey)

	assert.Equal(t, id.TrustStateCrossSignedVerified, env.machine.Trust.ResolveDeviceTrust(ctx, device))
	verified, err = env.machine.Trust.IsDeviceVerified(ctx, alice, "DEV2")
	require.NoError(t, err)
	assert.True(t, verified)
}

func TestCrossSigningChainOtherUser(t *testing.T) {
	env := newTestEnv(t, "@alice:example.org", "DEV1")
	ctx := context.Background()
	alice := id.UserID("@alice:example.org")
	bob := id.UserID("@bob:example.org")
	aliceUserSigning := id.Ed25519("alice-usk")
	bobMaster := id.Ed25519("bob-msk")
	bobSelfSigning := id.Ed25519("bob-ssk")

	putCrossSigningKey(t, env, alice, id.XSUsageUserSigning, aliceUserSigning)
	putCrossSigningKey(t, env, bob, id.XSUsageMaster, bobMaster)
	putCrossSigningKey(t, env, bob, id.XSUsageSelfSigning, bobSelfSigning)

	device := &store.Device{UserID: bob, DeviceID: "BOB1", IdentityKey: "bob1-c", SigningKey: "bob1-e"}
	require.NoError(t, env.store.PutDevice(ctx, device))

	sign(t, env, bob, bobSelfSigning, bob, bobMaster)
	sign(t, env, bob, "bob1-e", bob, bobSelfSigning)
	sign(t, env, bob, bobMaster, alice, aliceUserSigning)

	verified, err := env.machine.Trust.IsDeviceVerified(ctx, bob, "BOB1")
	require.NoError(t, err)
	assert.True(t, verified)
}

func TestRevokeKeyCascades(t *testing.T) {
	env := newTestEnv(t, "@alice:example.org", "DEV1")
	ctx := context.Background()
	alice := id.UserID("@alice:example.org")
	bob := id.UserID("@bob:example.org")
	aliceUserSigning := id.Ed25519("alice-usk")
	bobMaster := id.Ed25519("bob-msk")
	bobSelfSigning := id.Ed25519("bob-ssk")

	putCrossSigningKey(t, env, alice, id.XSUsageUserSigning, aliceUserSigning)
	putCrossSigningKey(t, env, bob, id.XSUsageMaster, bobMaster)
	putCrossSigningKey(t, env, bob, id.XSUsageSelfSigning, bobSelfSigning)

	device := &store.Device{UserID: bob, DeviceID: "BOB1", IdentityKey: "bob1-c", SigningKey: "bob1-e"}
	require.NoError(t, env.store.PutDevice(ctx, device))

	sign(t, env, bob, bobSelfSigning, bob, bobMaster)
	sign(t, env, bob, "bob1-e", bob, bobSelfSigning)
	sign(t, env, bob, bobMaster, alice, aliceUserSigning)

	verified, err := env.machine.Trust.IsDeviceVerified(ctx, bob, "BOB1")
	require.NoError(t, err)
	require.True(t, verified)

	// Compromised user-signing key: everything it vouched for, directly or
	// transitively, loses its derived trust.
	require.NoError(t, env.machine.Trust.RevokeKey(ctx, alice, aliceUserSigning))

	signed, err := env.store.IsKeySignedBy(ctx, bob, bobMaster, alice, aliceUserSigning)
	require.NoError(t, err)
	assert.False(t, signed)
	signed, err = env.store.IsKeySignedBy(ctx, bob, bobSelfSigning, bob, bobMaster)
	require.NoError(t, err)
	assert.False(t, signed)

	verified, err = env.machine.Trust.IsDeviceVerified(ctx, bob, "BOB1")
	require.NoError(t, err)
	assert.False(t, verified)
}
