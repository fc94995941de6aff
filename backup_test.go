package keyflow

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keyflow/driver"
	"github.com/arko-chat/keyflow/event"
)

func setupBackupVersion(t *testing.T, env *testEnv) *driver.BackupKey {
	t.Helper()
	key, err := driver.NewBackupKey()
	require.NoError(t, err)
	pub, err := key.PublicKey()
	require.NoError(t, err)
	env.backup.info = &BackupVersionInfo{
		Version:   "1",
		Algorithm: BackupAlgorithm,
		PublicKey: id.Curve25519(pub),
	}
	return key
}

func TestBackupUploadsAndMarksSessions(t *testing.T) {
	env := newTestEnv(t, "@alice:example.org", "DEV1")
	setupBackupVersion(t, env)
	ctx := context.Background()

	seedSession(t, env, "sess-a")
	seedSession(t, env, "sess-b")
	seedSession(t, env, "sess-c")

	uploaded, err := env.machine.Backup.BackupNotYetBackedUp(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, uploaded)
	assert.Len(t, env.backup.keys[testRoom], 3)

	entry := env.backup.keys[testRoom]["sess-a"]
	require.NotNil(t, entry)
	assert.EqualValues(t, 3, entry.FirstMessageIndex)
	require.NotNil(t, entry.SessionData)
	assert.NotEmpty(t, entry.SessionData.Ciphertext)

	pending, err := env.store.ListInboundGroupSessionsToBackup(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	state, err := env.store.GetBackupState(ctx)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, id.KeyBackupVersion("1"), state.Version)
	assert.NotEmpty(t, state.ETag)

	// Nothing left to upload on the next run.
	uploaded, err = env.machine.Backup.BackupNotYetBackedUp(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, uploaded)
}

func TestBackupSkipsFailedSessionAndKeepsGoing(t *testing.T) {
	env := newTestEnv(t, "@alice:example.org", "DEV1")
	setupBackupVersion(t, env)
	ctx := context.Background()

	seedSession(t, env, "sess-a")
	seedSession(t, env, "sess-b")
	seedSession(t, env, "sess-c")
	env.backup.failPut["sess-b"] = errors.New("gateway timeout")

	uploaded, err := env.machine.Backup.BackupNotYetBackedUp(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, uploaded)

	// The failed session stays pending for the next run.
	pending, err := env.store.ListInboundGroupSessionsToBackup(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id.SessionID("sess-b"), pending[0].SessionID)

	delete(env.backup.failPut, "sess-b")
	uploaded, err = env.machine.Backup.BackupNotYetBackedUp(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, uploaded)
}

func TestBackupVersionConflictAborts(t *testing.T) {
	env := newTestEnv(t, "@alice:example.org", "DEV1")
	setupBackupVersion(t, env)
	ctx := context.Background()

	seedSession(t, env, "sess-a")
	env.backup.failPut["sess-a"] = ErrBackupVersionConflict

	uploaded, err := env.machine.Backup.BackupNotYetBackedUp(ctx, 0)
	require.ErrorIs(t, err, ErrBackupVersionConflict)
	assert.Equal(t, 0, uploaded)

	pending, err := env.store.ListInboundGroupSessionsToBackup(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestBackupRejectsUnknownAlgorithm(t *testing.T) {
	env := newTestEnv(t, "@alice:example.org", "DEV1")
	setupBackupVersion(t, env)
	env.backup.info.Algorithm = "m.megolm_backup.v2.something-new"

	seedSession(t, env, "sess-a")
	_, err := env.machine.Backup.BackupNotYetBackedUp(context.Background(), 0)
	require.Error(t, err)
}

func TestRestoreFromBackup(t *testing.T) {
	uploader := newTestEnv(t, "@alice:example.org", "DEV1")
	key := setupBackupVersion(t, uploader)
	ctx := context.Background()

	seedSession(t, uploader, "sess-a")
	seedSession(t, uploader, "sess-b")
	uploaded, err := uploader.machine.Backup.BackupNotYetBackedUp(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 2, uploaded)

	// A fresh device with the backup key cached, sharing the same server.
	restorer := newTestEnv(t, "@alice:example.org", "DEV2")
	restorer.backup.info = uploader.backup.info
	restorer.backup.keys = uploader.backup.keys
	putSecret(t, restorer, event.TypeMegolmBackupKey, base64.RawStdEncoding.EncodeToString(key.Bytes()))

	imported, err := restorer.machine.Backup.RestoreFromBackup(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, imported)

	rec, err := restorer.store.GetInboundGroupSession(ctx, testRoom, "sess-a")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "backup", rec.Provenance)
	assert.Equal(t, id.KeyBackupVersion("1"), rec.BackupVersion)
	assert.Equal(t, id.Curve25519("origin-curve"), rec.SenderKey)
	assert.Equal(t, id.Ed25519("origin-ed"), rec.SigningKey)
}

func TestRestoreSkipsUndecryptableEntries(t *testing.T) {
	uploader := newTestEnv(t, "@alice:example.org", "DEV1")
	key := setupBackupVersion(t, uploader)
	ctx := context.Background()

	seedSession(t, uploader, "sess-a")
	seedSession(t, uploader, "sess-b")
	uploaded, err := uploader.machine.Backup.BackupNotYetBackedUp(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 2, uploaded)

	// One entry was written by a different backup key and cannot be opened.
	wrongKey, err := driver.NewBackupKey()
	require.NoError(t, err)
	wrongPub, err := wrongKey.PublicKey()
	require.NoError(t, err)
	garbled, err := driver.EncryptSessionData(wrongPub, []byte("{}"))
	require.NoError(t, err)
	uploader.backup.keys[testRoom]["sess-b"].SessionData = garbled

	restorer := newTestEnv(t, "@alice:example.org", "DEV2")
	restorer.backup.info = uploader.backup.info
	restorer.backup.keys = uploader.backup.keys
	putSecret(t, restorer, event.TypeMegolmBackupKey, base64.RawStdEncoding.EncodeToString(key.Bytes()))

	imported, err := restorer.machine.Backup.RestoreFromBackup(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, imported)

	rec, err := restorer.store.GetInboundGroupSession(ctx, testRoom, "sess-b")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRestoreWithoutBackupKey(t *testing.T) {
	env := newTestEnv(t, "@alice:example.org", "DEV1")
	setupBackupVersion(t, env)
	_, err := env.machine.Backup.RestoreFromBackup(context.Background(), "")
	require.ErrorIs(t, err, ErrNoBackupKey)
}

func TestVerifyBackupKey(t *testing.T) {
	env := newTestEnv(t, "@alice:example.org", "DEV1")
	key := setupBackupVersion(t, env)
	ctx := context.Background()

	putSecret(t, env, event.TypeMegolmBackupKey, base64.RawStdEncoding.EncodeToString(key.Bytes()))
	require.NoError(t, env.machine.Backup.VerifyBackupKey(ctx))

	otherKey, err := driver.NewBackupKey()
	require.NoError(t, err)
	putSecret(t, env, event.TypeMegolmBackupKey, base64.RawStdEncoding.EncodeToString(otherKey.Bytes()))
	require.Error(t, env.machine.Backup.VerifyBackupKey(ctx))
}
